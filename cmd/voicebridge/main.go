// Command voicebridge runs the SIP/RTP voice bridge: it answers
// inbound calls from a residential SIP gateway, streams audio
// to a cloud AI backend over WebSocket, and lets the AI invoke
// home-automation tools gated by a per-caller PIN.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fjfricke/ha-voice-bridge/internal/adminapi"
	"github.com/fjfricke/ha-voice-bridge/internal/callerprofile"
	"github.com/fjfricke/ha-voice-bridge/internal/callregistry"
	"github.com/fjfricke/ha-voice-bridge/internal/callsession"
	"github.com/fjfricke/ha-voice-bridge/internal/config"
	"github.com/fjfricke/ha-voice-bridge/internal/homeassistant"
	"github.com/fjfricke/ha-voice-bridge/internal/metrics"
	"github.com/fjfricke/ha-voice-bridge/internal/sipagent"
	"github.com/fjfricke/ha-voice-bridge/internal/toolgateway"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler())
	slog.SetDefault(logger)

	logger.Info("starting ha-voice-bridge",
		"sip_bind_addr", cfg.SIPBindAddr,
		"sip_bind_port", cfg.SIPBindPort,
		"registrar_host", cfg.RegistrarHost,
		"admin_bind_addr", cfg.AdminBindAddr,
	)

	callerCatalog, err := callerprofile.LoadCatalog(cfg.CallerProfilesPath)
	if err != nil {
		logger.Error("failed to load caller profile catalog", "error", err)
		os.Exit(1)
	}

	toolCatalog, err := callerprofile.LoadToolCatalog(cfg.ToolCatalogPath)
	if err != nil {
		logger.Error("failed to load tool catalog", "error", err)
		os.Exit(1)
	}

	jwtSecret, err := resolveJWTSecret(cfg.JWTSecret)
	if err != nil {
		logger.Error("failed to resolve admin jwt secret", "error", err)
		os.Exit(1)
	}

	registry := callregistry.New()
	startTime := time.Now()

	h := &bridgeHandler{
		cfg:      cfg,
		logger:   logger,
		callers:  callerCatalog,
		tools:    toolCatalog,
		registry: registry,
	}

	regCfg := sipagent.Config{
		RegistrarHost: cfg.RegistrarHost,
		RegistrarPort: cfg.RegistrarPort,
		Username:      cfg.SIPUsername,
		AuthUsername:  cfg.AuthUsername(),
		Password:      cfg.SIPPassword,
		Realm:         cfg.SIPRealm,
	}

	localIP := cfg.LocalIP()

	ua, err := sipagent.NewUA(regCfg, cfg.SIPBindPort, localIP, cfg.RTPPortMin, cfg.RTPPortMax, h, logger)
	if err != nil {
		logger.Error("failed to create sip user agent", "error", err)
		os.Exit(1)
	}
	h.ua = ua

	collector := metrics.NewCollector(registry, ua, registry, toolgateway.GlobalStats{}, startTime)
	if err := prometheus.Register(collector); err != nil {
		logger.Error("failed to register metrics collector", "error", err)
		os.Exit(1)
	}

	adminSrv, err := adminapi.NewServer(adminapi.Config{
		Calls:             registry,
		Registration:      ua,
		MetricsHandler:    promhttp.Handler(),
		BootstrapUser:     cfg.AdminBootstrapUser,
		BootstrapPassword: cfg.AdminBootstrapPass,
		JWTSecret:         jwtSecret,
		StartTime:         startTime,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to create admin api server", "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:         cfg.AdminBindAddr,
		Handler:      adminSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin api listening", "addr", cfg.AdminBindAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()
	ua.Start(appCtx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("admin api server error", "error", err)
	}

	logger.Info("shutting down")
	appCancel()
	ua.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin api shutdown error", "error", err)
	}
	adminSrv.Close()

	logger.Info("ha-voice-bridge stopped")
}

// resolveJWTSecret decodes a hex-configured secret, or generates a fresh
// random one for this process's lifetime when none is configured —
// every previously-issued session is invalidated across restarts in
// that case, which is acceptable for a single-operator bootstrap
// credential with a 12-hour token lifetime.
func resolveJWTSecret(hexSecret string) ([]byte, error) {
	if hexSecret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating ephemeral jwt secret: %w", err)
		}
		return secret, nil
	}
	secret, err := hex.DecodeString(hexSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt-secret as hex: %w", err)
	}
	return secret, nil
}

// bridgeHandler implements sipagent.Handler, translating each answered
// call into a callsession.Session registered in the process-wide call
// table.
type bridgeHandler struct {
	cfg      *config.Config
	logger   *slog.Logger
	callers  *callerprofile.Catalog
	tools    *callerprofile.ToolCatalog
	registry *callregistry.Registry
	ua       *sipagent.UA
}

// HandleCall builds the per-call collaborators and starts the session
// in the background; the SIP handler goroutine that invoked this must
// not block on the call's lifetime.
func (h *bridgeHandler) HandleCall(call *sipagent.IncomingCall) {
	profile := h.callers.Lookup(call.CallerIDNum)
	ctrl := homeassistant.NewClient(h.cfg.ControllerBaseURL, h.cfg.ControllerToken)
	gateway := toolgateway.NewGateway(h.tools, profile, ctrl, h.logger)

	schemas, err := marshalToolSchemas(gateway)
	if err != nil {
		h.logger.Error("failed to marshal tool schemas, call cannot proceed", "call_id", call.CallID, "error", err)
		call.LocalConn.Close()
		h.ua.ReleaseCall(call.CallID, call.LocalPort)
		return
	}

	sess := callsession.New(callsession.Dependencies{
		CallID:       call.CallID,
		CallerIDName: call.CallerIDName,
		CallerIDNum:  call.CallerIDNum,
		PayloadType:  call.PayloadType,
		LocalConn:    call.LocalConn,
		LocalPort:    call.LocalPort,
		RemoteAddr:   call.RemoteAddr,

		Gateway: gateway,
		Profile: profile,

		AIEndpoint:  h.cfg.AIBackendURL,
		AIToken:     h.cfg.AIBackendToken,
		AIVoice:     h.cfg.AIVoice,
		ToolSchemas: schemas,

		ReleaseUA: h.ua.ReleaseCall,

		Logger: h.logger,
	})

	h.registry.Put(call.CallID, sess)

	go func() {
		if err := sess.Start(context.Background()); err != nil {
			h.logger.Error("call session failed to start", "call_id", call.CallID, "error", err)
			h.registry.Remove(call.CallID)
		}
	}()
}

// HandleBye drains the session named by callID, if one is live, and
// removes it from the registry once fully torn down.
func (h *bridgeHandler) HandleBye(callID string) {
	sess := h.registry.Get(callID)
	if sess == nil {
		return
	}
	go func() {
		sess.Drain(callsession.DrainByeReceived)
		h.registry.Remove(callID)
	}()
}

func marshalToolSchemas(gateway *toolgateway.Gateway) ([]byte, error) {
	return json.Marshal(gateway.ProjectSchemas())
}
