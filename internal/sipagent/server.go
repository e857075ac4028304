package sipagent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/fjfricke/ha-voice-bridge/internal/rtp"
)

// IncomingCall describes a negotiated, answered call handed off from the
// UA to the call-session orchestrator. The orchestrator owns everything
// reachable from here for the lifetime of the call; the UA keeps only a
// weak handle (the Call-ID) to route outbound SIP writes.
type IncomingCall struct {
	CallID       string
	CallerIDName string
	CallerIDNum  string

	PayloadType int

	LocalConn  *net.UDPConn
	LocalPort  int
	RemoteAddr *net.UDPAddr
}

// Handler receives calls the UA has finished answering and notifies of
// termination. Implemented by bridgeHandler in cmd/voicebridge, which
// starts a call session (C7) per answered call.
type Handler interface {
	HandleCall(call *IncomingCall)
	HandleBye(callID string)
}

// UA is the SIP user agent: registration, keep-alive, and the single-leg
// INVITE/ACK/BYE state machine. Transport is UDP only.
type UA struct {
	cfg    Config
	logger *slog.Logger

	ua  *sipgo.UserAgent
	srv *sipgo.Server

	registrar *Registrar
	keepAlive *KeepAlive
	dialogs   *DialogTable
	ports     *rtp.PortPool
	localIP   string
	bindPort  int

	handler Handler

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUA creates a UA bound to the given registrar configuration and RTP
// port range, and registers its SIP method handlers.
func NewUA(cfg Config, bindPort int, localIP string, portMin, portMax int, handler Handler, logger *slog.Logger) (*UA, error) {
	logger = logger.With("component", "sipagent")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("ha-voice-bridge"),
		sipgo.WithUserAgentHostname(fmt.Sprintf("%s:%d", localIP, bindPort)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	registrarCfg := cfg
	registrarCfg.ContactHost = fmt.Sprintf("%s:%d", localIP, bindPort)

	registrar, err := NewRegistrar(ua, registrarCfg, logger)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating registrar: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client for keepalive: %w", err)
	}

	ports, err := rtp.NewPortPool(portMin, portMax, logger)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating rtp port pool: %w", err)
	}

	a := &UA{
		cfg:       cfg,
		logger:    logger,
		ua:        ua,
		srv:       srv,
		registrar: registrar,
		keepAlive: NewKeepAlive(client, registrarCfg, logger),
		dialogs:   NewDialogTable(),
		ports:     ports,
		localIP:   localIP,
		bindPort:  bindPort,
		handler:   handler,
	}

	a.srv.OnInvite(a.handleInvite)
	a.srv.OnAck(a.handleAck)
	a.srv.OnBye(a.handleBye)
	a.srv.OnOptions(a.handleOptions)

	return a, nil
}

// RegistrationStatus exposes the current registration state for the admin
// status surface.
func (a *UA) RegistrationStatus() (RegistrationStatus, string) {
	status, _, lastErr := a.registrar.Status()
	return status, lastErr
}

// RegistrationSnapshot implements the plain status/registered-bool shape
// consumed by internal/adminapi and internal/metrics, without exposing
// the registrar's own status type to either package.
func (a *UA) RegistrationSnapshot() (status string, registered bool) {
	return a.registrar.RegistrationSnapshot()
}

// DialogCount returns the number of active dialogs, for the admin status
// surface.
func (a *UA) DialogCount() int {
	return a.dialogs.Count()
}

// Start begins the UDP listener and the registration and keep-alive loops.
// It returns once listeners are launched; call Stop to shut down.
func (a *UA) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	udpAddr := fmt.Sprintf("0.0.0.0:%d", a.bindPort)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("sip udp listener starting", "addr", udpAddr)
		if err := a.srv.ListenAndServe(ctx, "udp", udpAddr); err != nil {
			a.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.registrar.Run(ctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.keepAlive.Run(ctx, func() bool { return a.dialogs.Count() > 0 }, func() {
			a.logger.Warn("registration declared dead by keepalive, reconnect will follow")
		})
	}()
}

// Stop shuts down all UA listeners and background loops.
func (a *UA) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.ua.Close()
}

func (a *UA) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := headerValue(req, "Call-ID")
	logger := a.logger.With("call_id", callID)

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		logger.Error("failed to send 100 trying", "error", err)
		return
	}

	offer, err := ParseSDP(req.Body())
	if err != nil {
		logger.Warn("invite has invalid sdp offer", "error", err)
		a.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	payloadType, err := NegotiateCodec(offer)
	if err != nil {
		logger.Warn("no compatible codec in offer", "error", err)
		a.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	conn, localPort, err := a.ports.Allocate()
	if err != nil {
		logger.Error("failed to allocate rtp port", "error", err)
		a.respondError(req, tx, 503, "Service Unavailable")
		return
	}

	audioMedia := offer.AudioMedia()
	remoteIP := offer.ConnectionAddress(audioMedia)
	remoteAddr := &net.UDPAddr{IP: net.ParseIP(remoteIP), Port: audioMedia.Port}

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		logger.Error("failed to send 180 ringing", "error", err)
		conn.Close()
		a.ports.Release(localPort)
		return
	}

	sessionID := fmt.Sprintf("%d", localPort)
	answer := BuildAnswer(a.localIP, localPort, payloadType, sessionID)
	answerBody := answer.Marshal()

	okResponse := sip.NewResponseFromRequest(req, 200, "OK", answerBody)
	okResponse.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(okResponse); err != nil {
		logger.Error("failed to send 200 ok", "error", err)
		conn.Close()
		a.ports.Release(localPort)
		return
	}

	from := req.From()
	callerName, callerNum := "", ""
	if from != nil {
		callerName = from.DisplayName
		callerNum = from.Address.User
	}

	dialog := &Dialog{
		CallID:       callID,
		CallerIDName: callerName,
		CallerIDNum:  callerNum,
		RemoteAddr:   remoteAddr,
		PayloadType:  payloadType,
		SampleRate:   8000,
		LocalRTPPort: localPort,
	}
	a.dialogs.Put(dialog)

	logger.Info("call answered", "caller", callerNum, "payload_type", payloadType, "local_rtp_port", localPort)

	a.handler.HandleCall(&IncomingCall{
		CallID:       callID,
		CallerIDName: callerName,
		CallerIDNum:  callerNum,
		PayloadType:  payloadType,
		LocalConn:    conn,
		LocalPort:    localPort,
		RemoteAddr:   remoteAddr,
	})
}

func (a *UA) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := headerValue(req, "Call-ID")
	a.dialogs.MarkEstablished(callID)
}

func (a *UA) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := headerValue(req, "Call-ID")

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to respond to bye", "call_id", callID, "error", err)
	}

	a.dialogs.MarkTerminal(callID)
	a.handler.HandleBye(callID)
}

// handleOptions answers inbound OPTIONS pings (e.g. from the gateway
// checking reachability) with a plain 200 OK.
func (a *UA) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to respond to options", "error", err)
	}
}

// ReleaseCall returns a call's RTP port to the pool and removes its
// dialog entry once the orchestrator has finished tearing it down.
func (a *UA) ReleaseCall(callID string, localPort int) {
	a.ports.Release(localPort)
	a.dialogs.Remove(callID)
}

func (a *UA) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send error response", "code", code, "error", err)
	}
}

func headerValue(req *sip.Request, name string) string {
	h := req.GetHeader(name)
	if h == nil {
		return ""
	}
	return h.Value()
}
