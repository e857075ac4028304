package callsession

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fjfricke/ha-voice-bridge/internal/aitransport"
	"github.com/fjfricke/ha-voice-bridge/internal/audio"
	"github.com/fjfricke/ha-voice-bridge/internal/callerprofile"
	"github.com/fjfricke/ha-voice-bridge/internal/codec"
	"github.com/fjfricke/ha-voice-bridge/internal/rtp"
	"github.com/fjfricke/ha-voice-bridge/internal/toolgateway"
)

// aiGreetGrace is how long Starting waits before asking the AI to speak
// an opening greeting, giving the backend time to report session-created.
const aiGreetGrace = 500 * time.Millisecond

// Dependencies are the per-call collaborators a Session wires together.
// CallID/CallerIDName/CallerIDNum/PayloadType/LocalConn/RemoteAddr
// mirror sipagent.IncomingCall; ReleaseUA lets the session hand the RTP
// port and the dialog entry back to the UA without the orchestrator holding a reference to the UA
// itself, per the one-way-ownership design.
type Dependencies struct {
	CallID       string
	CallerIDName string
	CallerIDNum  string
	PayloadType  int
	LocalConn    *net.UDPConn
	LocalPort    int
	RemoteAddr   *net.UDPAddr

	Gateway *toolgateway.Gateway
	Profile *callerprofile.Profile

	AIEndpoint  string
	AIToken     string
	AIVoice     string
	ToolSchemas json.RawMessage

	ReleaseUA func(callID string, localPort int)

	Logger *slog.Logger
}

// Session is the per-call orchestrator: state machine {Starting,
// Running, Draining, Dead} binding the RTP session, audio adapter, AI
// transport and tool gateway for the lifetime of one dialog.
type Session struct {
	deps   Dependencies
	logger *slog.Logger

	mu    sync.Mutex
	state State

	adapter *audio.Adapter
	rtpSess *rtp.Session
	ai      *aitransport.Transport
	gateway *toolgateway.Gateway

	cancel context.CancelFunc
	wg     sync.WaitGroup

	drainOnce sync.Once
	startedAt time.Time
}

// New constructs a Session in the Starting state. Call Start to begin
// the four paced tasks; the session transitions to Running once the AI
// transport connects successfully.
func New(deps Dependencies) *Session {
	logger := deps.Logger.With("subsystem", "call-session", "call_id", deps.CallID)
	return &Session{
		deps:      deps,
		logger:    logger,
		state:     StateStarting,
		adapter:   audio.NewAdapter(logger),
		gateway:   deps.Gateway,
		startedAt: time.Now(),
	}
}

// Info is a read-only snapshot of a session's identity and RTP counters,
// surfaced by the admin status endpoints.
type Info struct {
	CallID          string
	CallerIDName    string
	CallerIDNum     string
	State           State
	StartedAt       time.Time
	PacketsReceived uint64
	PacketsSent     uint64
	BytesReceived   uint64
	BytesSent       uint64
}

// Info returns a snapshot of this session's identity and RTP traffic
// counters. Safe to call from any goroutine, including concurrently with
// Drain.
func (s *Session) Info() Info {
	info := Info{
		CallID:       s.deps.CallID,
		CallerIDName: s.deps.CallerIDName,
		CallerIDNum:  s.deps.CallerIDNum,
		State:        s.State(),
		StartedAt:    s.startedAt,
	}
	if s.rtpSess != nil {
		info.PacketsReceived, info.PacketsSent, info.BytesReceived, info.BytesSent = s.rtpSess.Stats()
	}
	return info
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start begins the RTP session, connects the AI transport, sends the
// initial greeting, and launches the four cooperating paced tasks. It
// returns once everything is wired; the session runs in the background
// until Drain is called or a failure triggers it internally.
func (s *Session) Start(ctx context.Context) error {
	s.rtpSess = rtp.NewSession(s.deps.LocalConn, s.deps.PayloadType, s.logger)
	s.rtpSess.SetRemoteAddr(s.deps.RemoteAddr)

	instructions := s.deps.Profile.RenderInstructions()

	ai, err := aitransport.Connect(ctx, s.deps.AIEndpoint, s.deps.AIToken, instructions, s.deps.ToolSchemas, s.deps.AIVoice, s.logger, aitransport.Callbacks{
		OnAudio:    s.onAIAudio,
		OnToolCall: s.onToolCall,
		OnClosed:   s.onAIClosed,
	})
	if err != nil {
		s.logger.Error("ai transport connect failed, call cannot proceed", "error", err)
		s.setState(StateDead)
		return err
	}
	s.ai = ai

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.setState(StateRunning)

	time.AfterFunc(aiGreetGrace, func() {
		if s.State() != StateRunning {
			return
		}
		if err := s.ai.Greet(); err != nil {
			s.logger.Warn("failed to send initial greeting", "error", err)
		}
	})

	// Four cooperating tasks drive the call per the specification:
	// SIP->Uplink and Uplink->AI and Downlink->SIP each get a dedicated
	// goroutine below; AI->Downlink runs on the AI transport's own
	// read-loop goroutine via the OnAudio callback (onAIAudio), so it
	// needs no goroutine of its own here.
	s.wg.Add(3)
	go s.taskSIPToUplink(runCtx)
	go s.taskUplinkToAI(runCtx)
	go s.taskDownlinkToSIP(runCtx)

	return nil
}

// Drain transitions the session to Draining, cancels all per-call
// tasks, closes sockets in order (AI WS, RTP UDP), and releases the RTP
// port. Safe to call more than once; only the first call acts.
func (s *Session) Drain(reason DrainReason) {
	s.drainOnce.Do(func() {
		s.setState(StateDraining)
		s.logger.Info("call draining", "reason", reason)

		if s.cancel != nil {
			s.cancel()
		}
		s.rtpSess.Stop()
		s.wg.Wait()

		if s.ai != nil {
			s.ai.Close()
		}
		s.deps.LocalConn.Close()

		if s.deps.ReleaseUA != nil {
			s.deps.ReleaseUA(s.deps.CallID, s.deps.LocalPort)
		}

		s.setState(StateDead)
		s.logger.Info("call dead")
	})
}

// taskSIPToUplink reads decoded telephone-rate frames off the RTP
// session and pushes them into the adapter's uplink queue.
func (s *Session) taskSIPToUplink(ctx context.Context) {
	defer s.wg.Done()

	err := s.rtpSess.Receive(func(payload []byte) {
		pcm := codec.UlawToPCM16(payload)
		s.adapter.PushUplink(pcm)
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("rtp receive loop ended", "error", err)
		go s.Drain(DrainRTPReadFailed)
	}
}

// taskUplinkToAI pulls AI-rate frames from the adapter, unconditionally,
// and forwards them to the AI transport so its voice-activity detector
// sees a steady cadence.
func (s *Session) taskUplinkToAI(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame := s.adapter.PullUplink()
		if err := s.ai.SendAudio(frame); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("ai transport send failed", "error", err)
			}
			return
		}
	}
}

// taskDownlinkToSIP pulls telephone-rate frames from the adapter and
// hands them to the RTP session's paced transmit loop.
func (s *Session) taskDownlinkToSIP(ctx context.Context) {
	defer s.wg.Done()
	s.rtpSess.Transmit(func() []byte {
		pcm := s.adapter.PullDownlink()
		return codec.PCM16ToUlaw(pcm)
	})
}

// onAIAudio is the AI transport's audio callback: decoded PCM16 audio
// pushed into the adapter's downlink accumulator.
func (s *Session) onAIAudio(pcm []byte) {
	s.adapter.PushDownlink(pcm)
}

// onAIClosed tears the call down when the AI socket closes for any
// reason; no automatic reconnect is attempted within a call.
func (s *Session) onAIClosed(err error) {
	if s.State() == StateDraining || s.State() == StateDead {
		return
	}
	s.logger.Info("ai transport closed", "error", err)
	go s.Drain(DrainAISocketClosed)
}

// onToolCall services a tool invocation out-of-band: look up the caller
// profile, invoke the gateway, and post the result back via the AI
// transport.
func (s *Session) onToolCall(inv aitransport.ToolInvocation) {
	var args map[string]interface{}
	if err := json.Unmarshal(inv.Arguments, &args); err != nil {
		s.logger.Warn("tool call has malformed arguments json", "tool", inv.Name, "error", err)
		args = map[string]interface{}{}
	}

	result := s.gateway.Invoke(context.Background(), inv.Name, args)

	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal tool result", "tool", inv.Name, "error", err)
		return
	}

	if err := s.ai.SubmitToolResult(inv.CallID, payload); err != nil {
		s.logger.Warn("failed to submit tool result", "tool", inv.Name, "error", err)
	}
}
