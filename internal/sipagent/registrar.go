package sipagent

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// RegistrationStatus mirrors the UA's registration state machine.
type RegistrationStatus string

const (
	StatusUnregistered RegistrationStatus = "unregistered"
	StatusRegistering  RegistrationStatus = "registering"
	StatusRegistered   RegistrationStatus = "registered"
	StatusFailed       RegistrationStatus = "failed"
)

// backoffSchedule is the literal reconnect schedule on REGISTER failure:
// 1, 2, 4, 8, 16, 32, 60 seconds, then holding at 60s.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
	60 * time.Second,
}

func backoffDelay(attempt int) time.Duration {
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}

const (
	requestedExpiry = 3600
	refreshFraction = 0.8 // proactive refresh at 80% of granted lifetime

	// maxAuthRetries bounds how many times a single registration attempt
	// will answer a fresh digest challenge before giving up.
	maxAuthRetries = 2
)

// Registrar manages the single outbound registration to the configured
// SIP registrar: sending REGISTER, handling digest challenges, proactive
// refresh, and reconnect on failure.
type Registrar struct {
	ua     *sipgo.UserAgent
	client *sipgo.Client
	logger *slog.Logger

	registrarHost string
	registrarPort int
	username      string
	authUsername  string
	password      string
	realm         string
	contactHost   string

	mu       sync.RWMutex
	status   RegistrationStatus
	expiry   time.Time
	lastErr  string
	attempt  int
	cseq     uint32
	callID   string
}

// Config holds the fields Registrar needs from the service configuration.
type Config struct {
	RegistrarHost string
	RegistrarPort int
	Username      string
	AuthUsername  string
	Password      string
	Realm         string
	ContactHost   string
}

// NewRegistrar creates a registrar bound to the given user agent. The
// caller is responsible for eventually calling Stop via context
// cancellation of Run.
func NewRegistrar(ua *sipgo.UserAgent, cfg Config, logger *slog.Logger) (*Registrar, error) {
	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	authUser := cfg.AuthUsername
	if authUser == "" {
		authUser = cfg.Username
	}

	return &Registrar{
		ua:            ua,
		client:        client,
		logger:        logger.With("subsystem", "sip-registrar"),
		registrarHost: cfg.RegistrarHost,
		registrarPort: cfg.RegistrarPort,
		username:      cfg.Username,
		authUsername:  authUser,
		password:      cfg.Password,
		realm:         cfg.Realm,
		contactHost:   cfg.ContactHost,
		status:        StatusUnregistered,
		callID:        generateCallID(),
	}, nil
}

// Status returns the current registration status and, if registered, the
// expiry deadline.
func (r *Registrar) Status() (RegistrationStatus, time.Time, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status, r.expiry, r.lastErr
}

// RegistrationSnapshot reports the status as a plain string and a
// registered flag, for the admin status surface and metrics collector,
// which have no reason to depend on the RegistrationStatus type itself.
func (r *Registrar) RegistrationSnapshot() (status string, registered bool) {
	s, _, _ := r.Status()
	return string(s), s == StatusRegistered
}

// Run drives the registration loop until ctx is cancelled: initial
// REGISTER, proactive refresh at 80% of the granted lifetime, and
// reconnect-with-backoff on failure.
func (r *Registrar) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		granted, err := r.register(ctx)
		if err != nil {
			r.mu.Lock()
			r.status = StatusFailed
			r.lastErr = err.Error()
			attempt := r.attempt
			r.attempt++
			r.mu.Unlock()

			delay := backoffDelay(attempt)
			r.logger.Warn("register failed, backing off", "error", err, "delay", delay, "attempt", attempt)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		r.mu.Lock()
		r.status = StatusRegistered
		r.expiry = time.Now().Add(time.Duration(granted) * time.Second)
		r.lastErr = ""
		r.attempt = 0
		r.mu.Unlock()

		refreshIn := time.Duration(float64(granted)*refreshFraction) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshIn):
		}
	}
}

// register sends a REGISTER, answering up to maxAuthRetries digest
// challenges, and returns the server-granted expiry in seconds.
func (r *Registrar) register(ctx context.Context) (int, error) {
	r.mu.Lock()
	r.status = StatusRegistering
	r.mu.Unlock()

	recipientStr := fmt.Sprintf("sip:%s:%d", r.registrarHost, r.registrarPort)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := r.buildRegister(recipient)

	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	for retries := 0; retries < maxAuthRetries && (res.StatusCode == 401 || res.StatusCode == 407); retries++ {
		authRes, err := r.authenticate(ctx, req, res, recipientStr)
		if err != nil {
			return 0, err
		}
		res = authRes
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	granted := requestedExpiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

func (r *Registrar) buildRegister(recipient sip.Uri) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport("UDP")

	aor := fmt.Sprintf("<sip:%s@%s>", r.username, r.registrarHost)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))

	contact := fmt.Sprintf("<sip:%s@%s>", r.username, r.contactHost)
	req.AppendHeader(sip.NewHeader("Contact", contact))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(requestedExpiry)))
	req.AppendHeader(sip.NewHeader("Call-ID", r.callID))

	r.mu.Lock()
	r.cseq++
	cseq := r.cseq
	r.mu.Unlock()
	req.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d REGISTER", cseq)))

	return req
}

// authenticate answers one digest challenge and returns the response to
// the re-sent, authenticated REGISTER. The caller bounds how many times
// this is invoked per registration attempt. Every retry strictly
// increases cseq while keeping the same Call-ID, per the registration
// invariant.
func (r *Registrar) authenticate(ctx context.Context, req *sip.Request, challengeRes *sip.Response, recipientStr string) (*sip.Response, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challengeRes.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challengeRes.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, fmt.Errorf("received %d but no %s header", challengeRes.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   sip.REGISTER.String(),
		URI:      recipientStr,
		Username: r.authUsername,
		Password: r.password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.RemoveHeader("CSeq")
	r.mu.Lock()
	r.cseq++
	cseq := r.cseq
	r.mu.Unlock()
	authReq.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d REGISTER", cseq)))
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := r.client.TransactionRequest(ctx, authReq, sipgo.ClientRequestAddVia)
	if err != nil {
		return nil, fmt.Errorf("sending authenticated register: %w", err)
	}
	defer tx.Terminate()

	return getResponse(ctx, tx)
}

func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}
	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

func generateCallID() string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d", time.Now().UnixNano())))
	return hex.EncodeToString(sum[:]) + "@voicebridge"
}
