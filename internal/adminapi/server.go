// Package adminapi is the read-only operator surface: session login,
// live-call status, SIP registration state, and a /metrics endpoint.
// Nothing here can mutate call state — there is no route that drains a
// call, changes a caller profile, or reaches the home-automation
// controller.
package adminapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjfricke/ha-voice-bridge/internal/callsession"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// CallRegistry is the subset of internal/callregistry.Registry the admin
// API needs: a live-call count and snapshot, nothing that can alter a
// session.
type CallRegistry interface {
	Count() int
	Snapshot() []callsession.Info
}

// RegistrationProvider is the subset of sipagent.Registrar the admin API
// needs, expressed without depending on the sipagent package's own
// status type.
type RegistrationProvider interface {
	RegistrationSnapshot() (status string, registered bool)
}

// Config wires a Server's dependencies and the bootstrap operator
// credential it will hash and hold in memory.
type Config struct {
	Calls          CallRegistry
	Registration   RegistrationProvider
	MetricsHandler http.Handler // typically promhttp.HandlerFor(...)

	BootstrapUser     string
	BootstrapPassword string // plaintext; hashed once at construction
	JWTSecret         []byte

	StartTime time.Time
	Logger    *slog.Logger
}

// Server holds the admin API's dependencies and chi router.
type Server struct {
	router *chi.Mux
	logger *slog.Logger

	calls        CallRegistry
	registration RegistrationProvider
	metrics      http.Handler

	bootstrapUser string
	bootstrapCred bootstrapCredential
	jwtSecret     []byte

	loginLimiter *ipRateLimiter
	startTime    time.Time
}

// NewServer builds the admin API, hashing the bootstrap credential once
// up front so the plaintext password is never compared directly.
func NewServer(cfg Config) (*Server, error) {
	cred, err := hashBootstrapCredential(cfg.BootstrapPassword)
	if err != nil {
		return nil, fmt.Errorf("hashing bootstrap operator password: %w", err)
	}

	s := &Server{
		logger:        cfg.Logger.With("subsystem", "admin-api"),
		calls:         cfg.Calls,
		registration:  cfg.Registration,
		metrics:       cfg.MetricsHandler,
		bootstrapUser: cfg.BootstrapUser,
		bootstrapCred: cred,
		jwtSecret:     cfg.JWTSecret,
		loginLimiter:  newIPRateLimiter(),
		startTime:     cfg.StartTime,
	}
	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the login rate limiter's background cleanup goroutine.
func (s *Server) Close() {
	s.loginLimiter.stop()
}

func (s *Server) routes() {
	r := chi.NewRouter()
	s.router = r

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.structuredLogger)
	r.Use(chimw.Recoverer)

	r.With(rateLimitLogin(s.loginLimiter)).Post("/login", s.handleLogin)

	if s.metrics != nil {
		r.Get("/metrics", s.metrics.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/status", s.handleStatus)
		r.Get("/calls", s.handleCalls)
		r.Get("/registration", s.handleRegistration)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if req.Username != s.bootstrapUser {
		s.logger.Warn("admin login failed", "reason", "unknown username")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if !s.bootstrapCred.matches(req.Password) {
		s.logger.Warn("admin login failed", "reason", "bad password")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := s.issueToken(req.Username)
	if err != nil {
		s.logger.Error("failed to issue admin session token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}

	s.logger.Info("admin login succeeded", "username", req.Username)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

type statusResponse struct {
	ActiveCalls  int       `json:"active_calls"`
	Registration string    `json:"registration_status"`
	Registered   bool      `json:"registered"`
	UptimeSecs   float64   `json:"uptime_seconds"`
	StartedAt    time.Time `json:"started_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		StartedAt:  s.startTime,
		UptimeSecs: time.Since(s.startTime).Seconds(),
	}
	if s.calls != nil {
		resp.ActiveCalls = s.calls.Count()
	}
	if s.registration != nil {
		resp.Registration, resp.Registered = s.registration.RegistrationSnapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

type callSummary struct {
	CallID          string    `json:"call_id"`
	CallerIDName    string    `json:"caller_id_name"`
	CallerIDNum     string    `json:"caller_id_num"`
	State           string    `json:"state"`
	StartedAt       time.Time `json:"started_at"`
	PacketsReceived uint64    `json:"packets_received"`
	PacketsSent     uint64    `json:"packets_sent"`
	BytesReceived   uint64    `json:"bytes_received"`
	BytesSent       uint64    `json:"bytes_sent"`
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		writeJSON(w, http.StatusOK, []callSummary{})
		return
	}

	infos := s.calls.Snapshot()
	summaries := make([]callSummary, 0, len(infos))
	for _, info := range infos {
		summaries = append(summaries, callSummary{
			CallID:          info.CallID,
			CallerIDName:    info.CallerIDName,
			CallerIDNum:     info.CallerIDNum,
			State:           info.State.String(),
			StartedAt:       info.StartedAt,
			PacketsReceived: info.PacketsReceived,
			PacketsSent:     info.PacketsSent,
			BytesReceived:   info.BytesReceived,
			BytesSent:       info.BytesSent,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

type registrationResponse struct {
	Status     string `json:"status"`
	Registered bool   `json:"registered"`
}

func (s *Server) handleRegistration(w http.ResponseWriter, r *http.Request) {
	if s.registration == nil {
		writeJSON(w, http.StatusOK, registrationResponse{Status: "unknown"})
		return
	}
	status, registered := s.registration.RegistrationSnapshot()
	writeJSON(w, http.StatusOK, registrationResponse{Status: status, Registered: registered})
}
