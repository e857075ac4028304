package sipagent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

const (
	// idleInterval is how often the UA pings the registrar with OPTIONS
	// while registered and idle (no active dialogs).
	idleInterval = 30 * time.Second

	// deadThreshold is how long without a live OPTIONS response before
	// the UA declares the registration dead.
	deadThreshold = 90 * time.Second
)

// KeepAlive sends periodic OPTIONS pings to the registrar while the UA is
// registered and idle, per the NAT-friendly keep-alive policy. It reports
// the registration dead if no live response is seen within deadThreshold.
type KeepAlive struct {
	client *sipgo.Client
	logger *slog.Logger

	registrarHost string
	registrarPort int
	authUsername  string
	password      string

	lastAlive atomic.Int64 // unix nanos of last successful response
}

// NewKeepAlive creates a keep-alive pinger that sends through the given SIP
// client (the UA creates one separate from the registrar's).
func NewKeepAlive(client *sipgo.Client, cfg Config, logger *slog.Logger) *KeepAlive {
	authUser := cfg.AuthUsername
	if authUser == "" {
		authUser = cfg.Username
	}
	k := &KeepAlive{
		client:        client,
		logger:        logger.With("subsystem", "sip-keepalive"),
		registrarHost: cfg.RegistrarHost,
		registrarPort: cfg.RegistrarPort,
		authUsername:  authUser,
		password:      cfg.Password,
	}
	k.lastAlive.Store(time.Now().UnixNano())
	return k
}

// Run pings the registrar every idleInterval while dialogActive returns
// false, and invokes onDead if no live response arrives within
// deadThreshold. It returns when ctx is cancelled.
func (k *KeepAlive) Run(ctx context.Context, dialogActive func() bool, onDead func()) {
	ticker := time.NewTicker(idleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dialogActive() {
				continue
			}

			if err := k.ping(ctx); err != nil {
				k.logger.Warn("options keepalive failed", "error", err)
			} else {
				k.lastAlive.Store(time.Now().UnixNano())
			}

			last := time.Unix(0, k.lastAlive.Load())
			if time.Since(last) > deadThreshold {
				k.logger.Error("registration keepalive dead, no response within threshold", "threshold", deadThreshold)
				onDead()
			}
		}
	}
}

// ping sends one OPTIONS request, answering a single digest challenge if
// presented. Any 2xx/4xx/5xx response counts as "connection alive".
func (k *KeepAlive) ping(ctx context.Context) error {
	recipientStr := fmt.Sprintf("sip:%s:%d", k.registrarHost, k.registrarPort)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport("UDP")

	tx, err := k.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for options response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		if err := k.authenticateOptions(ctx, req, res, recipientStr); err != nil {
			return err
		}
		return nil
	}

	return nil
}

func (k *KeepAlive) authenticateOptions(ctx context.Context, req *sip.Request, challengeRes *sip.Response, recipientStr string) error {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challengeRes.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challengeRes.GetHeader(authHeader)
	if wwwAuth == nil {
		return fmt.Errorf("received %d but no %s header", challengeRes.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   sip.OPTIONS.String(),
		URI:      recipientStr,
		Username: k.authUsername,
		Password: k.password,
	})
	if err != nil {
		return fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := k.client.TransactionRequest(ctx, authReq, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending authenticated options: %w", err)
	}
	defer tx.Terminate()

	_, err = getResponse(ctx, tx)
	return err
}
