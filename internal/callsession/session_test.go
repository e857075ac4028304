package callsession

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fjfricke/ha-voice-bridge/internal/audio"
	"github.com/fjfricke/ha-voice-bridge/internal/callerprofile"
	"github.com/fjfricke/ha-voice-bridge/internal/toolgateway"
	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type wireEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// startFakeAIBackend accepts one websocket connection, waits for the
// session-config event, then streams a few audio.delta events at an
// AI-rate-sized frame so the orchestrator's downlink path runs.
func startFakeAIBackend(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Drain the session-config event.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}

		send := func(v interface{}) {
			data, _ := json.Marshal(v)
			conn.WriteMessage(websocket.TextMessage, data)
		}

		send(wireEnvelope{Type: "response.begin"})

		chunk := make([]byte, audio.AIFrameBytes)
		for i := range chunk {
			chunk[i] = byte(i)
		}
		audioEvent := struct {
			Audio string `json:"audio"`
		}{Audio: base64.StdEncoding.EncodeToString(chunk)}
		audioData, _ := json.Marshal(audioEvent)

		for i := 0; i < 5; i++ {
			send(wireEnvelope{Type: "audio.delta", Data: audioData})
			time.Sleep(5 * time.Millisecond)
		}

		// Keep the connection open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func mustListenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	return conn
}

func TestSessionRunsAndDrainsCleanly(t *testing.T) {
	aiSrv := startFakeAIBackend(t)
	defer aiSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(aiSrv.URL, "http")

	ctrlSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer ctrlSrv.Close()

	localConn := mustListenUDP(t)
	peerConn := mustListenUDP(t)
	defer peerConn.Close()

	localAddr := localConn.LocalAddr().(*net.UDPAddr)
	peerAddr := peerConn.LocalAddr().(*net.UDPAddr)

	catalog := callerprofile.NewToolCatalog(nil)
	profile := callerprofile.Default()
	gw := toolgateway.NewGateway(catalog, profile, nil, testLogger())

	released := make(chan struct{}, 1)

	deps := Dependencies{
		CallID:      "call-1",
		PayloadType: 0,
		LocalConn:   localConn,
		LocalPort:   localAddr.Port,
		RemoteAddr:  peerAddr,
		Gateway:     gw,
		Profile:     profile,
		AIEndpoint:  wsURL,
		AIVoice:     "alloy",
		ToolSchemas: json.RawMessage(`[]`),
		ReleaseUA: func(callID string, port int) {
			released <- struct{}{}
		},
		Logger: testLogger(),
	}

	sess := New(deps)
	if sess.State() != StateStarting {
		t.Fatalf("initial state = %v, want Starting", sess.State())
	}

	ctx := context.Background()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.State() != StateRunning {
		t.Fatalf("state after Start = %v, want Running", sess.State())
	}

	// Expect at least one RTP packet to arrive at the simulated phone
	// socket once the downlink pipeline resamples the AI's audio.
	peerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, _, err := peerConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected an rtp packet at the phone socket: %v", err)
	}
	if n < 12 {
		t.Fatalf("packet too short to be rtp: %d bytes", n)
	}

	sess.Drain(DrainByeReceived)
	if sess.State() != StateDead {
		t.Fatalf("state after Drain = %v, want Dead", sess.State())
	}

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("ReleaseUA was never called")
	}

	// Drain must be idempotent.
	sess.Drain(DrainByeReceived)
}
