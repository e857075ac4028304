package aitransport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startEchoBackend spins up a websocket server that records every event it
// receives and lets the test push additional events back to the client.
func startEchoBackend(t *testing.T) (*httptest.Server, chan eventEnvelope, func(v interface{})) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	received := make(chan eventEnvelope, 64)

	var mu sync.Mutex
	var conn *websocket.Conn
	connReady := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		mu.Lock()
		conn = c
		mu.Unlock()
		close(connReady)

		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			var env eventEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			received <- env
		}
	}))

	send := func(v interface{}) {
		<-connReady
		mu.Lock()
		defer mu.Unlock()
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		conn.WriteMessage(websocket.TextMessage, data)
	}

	return srv, received, send
}

func TestConnectSendsSessionConfig(t *testing.T) {
	srv, received, _ := startEchoBackend(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	tr, err := Connect(context.Background(), wsURL, "token123", "be helpful", json.RawMessage(`[]`), "alloy", testLogger(), Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	select {
	case env := <-received:
		var cfg sessionConfig
		if err := json.Unmarshal(env.Data, &cfg); err != nil {
			t.Fatalf("unmarshal config: %v", err)
		}
		if cfg.Instructions != "be helpful" {
			t.Errorf("instructions = %q", cfg.Instructions)
		}
		if cfg.InputFormat.SampleRate != aiSampleRate {
			t.Errorf("sample rate = %d, want %d", cfg.InputFormat.SampleRate, aiSampleRate)
		}
		if cfg.TurnDetection.Type != "server_vad" {
			t.Errorf("turn detection = %q", cfg.TurnDetection.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session config")
	}
}

func TestHandleEventAudioDeltaGatedBySpeaking(t *testing.T) {
	var delivered [][]byte
	var mu sync.Mutex
	tr := &Transport{
		logger: testLogger(),
		cb: Callbacks{
			OnAudio: func(pcm []byte) {
				mu.Lock()
				defer mu.Unlock()
				delivered = append(delivered, pcm)
			},
		},
		toolBuf:  make(map[string]*strings.Builder),
		toolName: make(map[string]string),
	}

	audioData, _ := json.Marshal(audioDeltaData{Audio: base64.StdEncoding.EncodeToString([]byte("hello"))})

	// Not speaking yet: delta must be dropped.
	tr.handleEvent(eventEnvelope{Type: eventAudioDelta, Data: audioData})
	mu.Lock()
	if len(delivered) != 0 {
		t.Fatalf("expected no audio delivered before response.begin, got %d", len(delivered))
	}
	mu.Unlock()

	tr.handleEvent(eventEnvelope{Type: eventResponseBegin})
	tr.handleEvent(eventEnvelope{Type: eventAudioDelta, Data: audioData})

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || string(delivered[0]) != "hello" {
		t.Fatalf("delivered = %v, want one frame of 'hello'", delivered)
	}
}

func TestHandleEventAudioDeltaDroppedAfterInterruption(t *testing.T) {
	var count int
	tr := &Transport{
		logger:   testLogger(),
		cb:       Callbacks{OnAudio: func([]byte) { count++ }},
		toolBuf:  make(map[string]*strings.Builder),
		toolName: make(map[string]string),
	}

	audioData, _ := json.Marshal(audioDeltaData{Audio: base64.StdEncoding.EncodeToString([]byte("x"))})

	tr.handleEvent(eventEnvelope{Type: eventResponseBegin})
	tr.handleEvent(eventEnvelope{Type: eventResponseInterrupted})
	tr.handleEvent(eventEnvelope{Type: eventAudioDelta, Data: audioData})

	if count != 0 {
		t.Errorf("expected audio dropped after interruption, got %d delivered", count)
	}
}

func TestToolCallArgumentsAccumulateAcrossDeltas(t *testing.T) {
	var calls []ToolInvocation
	tr := &Transport{
		logger:   testLogger(),
		cb:       Callbacks{OnToolCall: func(inv ToolInvocation) { calls = append(calls, inv) }},
		toolBuf:  make(map[string]*strings.Builder),
		toolName: make(map[string]string),
	}

	d1, _ := json.Marshal(toolCallArgsDeltaData{CallID: "c1", Name: "turn_on_light", Delta: `{"entity":`})
	d2, _ := json.Marshal(toolCallArgsDeltaData{CallID: "c1", Delta: `"kitchen"}`})
	done, _ := json.Marshal(toolCallArgsDoneData{CallID: "c1"})

	tr.handleEvent(eventEnvelope{Type: eventToolCallArgsDelta, Data: d1})
	tr.handleEvent(eventEnvelope{Type: eventToolCallArgsDelta, Data: d2})
	tr.handleEvent(eventEnvelope{Type: eventToolCallArgsDone, Data: done})

	if len(calls) != 1 {
		t.Fatalf("expected exactly one tool invocation, got %d", len(calls))
	}
	if calls[0].Name != "turn_on_light" {
		t.Errorf("name = %q", calls[0].Name)
	}
	if string(calls[0].Arguments) != `{"entity":"kitchen"}` {
		t.Errorf("arguments = %s", calls[0].Arguments)
	}
}

func TestToolCallDoneWithoutDeltasUsesFullArguments(t *testing.T) {
	var calls []ToolInvocation
	tr := &Transport{
		logger:   testLogger(),
		cb:       Callbacks{OnToolCall: func(inv ToolInvocation) { calls = append(calls, inv) }},
		toolBuf:  make(map[string]*strings.Builder),
		toolName: make(map[string]string),
	}

	done, _ := json.Marshal(toolCallArgsDoneData{CallID: "c2", Name: "lock_door", Arguments: `{"locked":true}`})
	tr.handleEvent(eventEnvelope{Type: eventToolCallArgsDone, Data: done})

	if len(calls) != 1 || string(calls[0].Arguments) != `{"locked":true}` {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestSupplementalHintEventsDoNotEmitToolCall(t *testing.T) {
	var count int
	tr := &Transport{
		logger:   testLogger(),
		cb:       Callbacks{OnToolCall: func(ToolInvocation) { count++ }},
		toolBuf:  make(map[string]*strings.Builder),
		toolName: make(map[string]string),
	}

	tr.handleEvent(eventEnvelope{Type: eventResponseOutputItemAdded})
	tr.handleEvent(eventEnvelope{Type: eventFunctionCallDone})

	if count != 0 {
		t.Errorf("expected hint events to never emit a tool call, got %d", count)
	}
}
