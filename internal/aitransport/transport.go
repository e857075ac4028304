package aitransport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 30 * time.Second

	// toolResultGraceDelay is the pause between submitting a tool result
	// and asking the AI to continue speaking, per the protocol.
	toolResultGraceDelay = 300 * time.Millisecond

	aiSampleRate = 24000
)

// Callbacks are invoked by the transport's read loop as events arrive.
// All callbacks run on the same goroutine and must not block.
type Callbacks struct {
	// OnAudio delivers decoded PCM16 audio while speaking is true.
	OnAudio func(pcm []byte)
	// OnToolCall delivers one fully-accumulated tool invocation.
	OnToolCall func(ToolInvocation)
	// OnClosed is called once, when the session ends for any reason.
	OnClosed func(err error)
}

// Transport is one call's WebSocket session with the AI backend.
type Transport struct {
	conn   *websocket.Conn
	logger *slog.Logger
	cb     Callbacks

	writeMu sync.Mutex

	speaking atomic.Bool

	toolMu   sync.Mutex
	toolBuf  map[string]*strings.Builder
	toolName map[string]string
}

// Connect dials the AI backend and sends the initial session-configuration
// event: instructions, projected tool schemas, voice, PCM16 @ 24kHz input
// format, and server-side turn detection.
func Connect(ctx context.Context, endpoint, token, instructions string, toolSchemas json.RawMessage, voice string, logger *slog.Logger, cb Callbacks) (*Transport, error) {
	headers := http.Header{}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing ai backend url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("connecting to ai backend: %w", err)
	}

	t := &Transport{
		conn:     conn,
		logger:   logger.With("subsystem", "ai-transport"),
		cb:       cb,
		toolBuf:  make(map[string]*strings.Builder),
		toolName: make(map[string]string),
	}

	cfg := sessionConfig{
		Instructions: instructions,
		Tools:        toolSchemas,
		Voice:        voice,
		InputFormat:  audioFormat{Encoding: "pcm16", SampleRate: aiSampleRate},
		TurnDetection: turnDetection{Type: "server_vad"},
	}
	if err := t.sendJSON(struct {
		Type string        `json:"type"`
		Data sessionConfig `json:"data"`
	}{Type: "session.update", Data: cfg}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending session config: %w", err)
	}

	go t.readLoop()

	return t, nil
}

// IsSpeaking reports whether the AI is currently in a talkspurt (the last
// terminal event was response.begin with no end/interrupt since).
func (t *Transport) IsSpeaking() bool {
	return t.speaking.Load()
}

// SendAudio pushes one 20ms PCM16 frame at the AI rate, base64-encoded.
// Called continuously, including during silence, so the backend's voice
// activity detector sees an unbroken cadence.
func (t *Transport) SendAudio(pcm []byte) error {
	return t.sendJSON(audioAppendEvent{
		Type:  "audio.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SubmitToolResult sends a tool-output event for the given call-id,
// followed after a short grace delay by a response.create event so the
// AI speaks the result.
func (t *Transport) SubmitToolResult(callID string, result json.RawMessage) error {
	if err := t.sendJSON(toolOutputEvent{
		Type:   "tool_output",
		CallID: callID,
		Output: string(result),
	}); err != nil {
		return err
	}

	time.Sleep(toolResultGraceDelay)

	return t.sendJSON(responseCreateEvent{Type: "response.create"})
}

// Greet sends an initial response.create so the AI speaks a greeting at
// the start of the call.
func (t *Transport) Greet() error {
	return t.sendJSON(responseCreateEvent{Type: "response.create"})
}

// Close tears down the WebSocket connection. No automatic reconnect is
// attempted within a call.
func (t *Transport) Close() error {
	return t.conn.Close()
}

func (t *Transport) sendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) readLoop() {
	var closeErr error
	defer func() {
		if t.cb.OnClosed != nil {
			t.cb.OnClosed(closeErr)
		}
	}()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			closeErr = err
			return
		}

		var env eventEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warn("dropping malformed ai event", "error", err)
			continue
		}

		t.handleEvent(env)
	}
}

func (t *Transport) handleEvent(env eventEnvelope) {
	switch env.Type {
	case eventResponseBegin:
		t.speaking.Store(true)

	case eventResponseEnd, eventResponseInterrupted:
		t.speaking.Store(false)

	case eventAudioDelta:
		if !t.speaking.Load() {
			// Late arrival after interruption; drop.
			return
		}
		var d audioDeltaData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			t.logger.Warn("malformed audio.delta event", "error", err)
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(d.Audio)
		if err != nil {
			t.logger.Warn("malformed audio.delta base64", "error", err)
			return
		}
		if t.cb.OnAudio != nil {
			t.cb.OnAudio(pcm)
		}

	case eventToolCallArgsDelta:
		var d toolCallArgsDeltaData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			t.logger.Warn("malformed tool_call.arguments.delta event", "error", err)
			return
		}
		t.appendToolArgs(d.CallID, d.Name, d.Delta)

	case eventToolCallArgsDone:
		var d toolCallArgsDoneData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			t.logger.Warn("malformed tool_call.arguments.done event", "error", err)
			return
		}
		t.emitToolCall(d.CallID, d.Name, d.Arguments)

	case eventResponseOutputItemAdded, eventFunctionCallDone:
		// Supplemental hint events; the canonical trigger is
		// tool_call.arguments.done, so these are ignored to avoid
		// emitting a tool invocation twice.

	default:
		t.logger.Debug("ignoring unrecognized ai event", "type", env.Type)
	}
}

func (t *Transport) appendToolArgs(callID, name, delta string) {
	t.toolMu.Lock()
	defer t.toolMu.Unlock()

	buf, ok := t.toolBuf[callID]
	if !ok {
		buf = &strings.Builder{}
		t.toolBuf[callID] = buf
	}
	buf.WriteString(delta)
	if name != "" {
		t.toolName[callID] = name
	}
}

func (t *Transport) emitToolCall(callID, name, fullArguments string) {
	t.toolMu.Lock()
	argText := fullArguments
	if argText == "" {
		if buf, ok := t.toolBuf[callID]; ok {
			argText = buf.String()
		}
	}
	if name == "" {
		name = t.toolName[callID]
	}
	delete(t.toolBuf, callID)
	delete(t.toolName, callID)
	t.toolMu.Unlock()

	if argText == "" {
		argText = "{}"
	}

	if t.cb.OnToolCall != nil {
		t.cb.OnToolCall(ToolInvocation{
			CallID:    callID,
			Name:      name,
			Arguments: json.RawMessage(argText),
		})
	}
}
