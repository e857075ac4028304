package adminapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fjfricke/ha-voice-bridge/internal/callsession"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCallRegistry struct {
	infos []callsession.Info
}

func (f *fakeCallRegistry) Count() int                   { return len(f.infos) }
func (f *fakeCallRegistry) Snapshot() []callsession.Info { return f.infos }

type fakeRegistration struct {
	status     string
	registered bool
}

func (f fakeRegistration) RegistrationSnapshot() (string, bool) { return f.status, f.registered }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(Config{
		Calls: &fakeCallRegistry{infos: []callsession.Info{
			{CallID: "call-1", CallerIDNum: "15551234567", State: callsession.StateRunning, StartedAt: time.Now()},
		}},
		Registration:      fakeRegistration{status: "registered", registered: true},
		BootstrapUser:     "operator",
		BootstrapPassword: "correct horse battery staple",
		JWTSecret:         []byte("test-secret"),
		StartTime:         time.Now(),
		Logger:            testLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func doJSON(t *testing.T, srv *Server, method, path, body, token string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reqBody)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	resp := w.Result()
	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestStatusRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := doJSON(t, srv, http.MethodGet, "/status", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLoginWithWrongPasswordFails(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := doJSON(t, srv, http.MethodPost, "/login", `{"username":"operator","password":"wrong"}`, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLoginThenAccessProtectedRoutes(t *testing.T) {
	srv := newTestServer(t)

	resp, data := doJSON(t, srv, http.MethodPost, "/login", `{"username":"operator","password":"correct horse battery staple"}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}
	loginData, ok := data["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected login response shape: %+v", data)
	}
	token, _ := loginData["token"].(string)
	if token == "" {
		t.Fatal("expected a non-empty token")
	}

	statusResp, statusBody := doJSON(t, srv, http.MethodGet, "/status", "", token)
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint = %d, want 200", statusResp.StatusCode)
	}
	statusData := statusBody["data"].(map[string]interface{})
	if int(statusData["active_calls"].(float64)) != 1 {
		t.Errorf("active_calls = %v, want 1", statusData["active_calls"])
	}

	callsResp, callsBody := doJSON(t, srv, http.MethodGet, "/calls", "", token)
	if callsResp.StatusCode != http.StatusOK {
		t.Fatalf("calls endpoint = %d, want 200", callsResp.StatusCode)
	}
	callsData := callsBody["data"].([]interface{})
	if len(callsData) != 1 {
		t.Fatalf("expected 1 call summary, got %d", len(callsData))
	}

	regResp, regBody := doJSON(t, srv, http.MethodGet, "/registration", "", token)
	if regResp.StatusCode != http.StatusOK {
		t.Fatalf("registration endpoint = %d, want 200", regResp.StatusCode)
	}
	regData := regBody["data"].(map[string]interface{})
	if regData["status"] != "registered" || regData["registered"] != true {
		t.Errorf("unexpected registration body: %+v", regData)
	}
}

func TestLoginRejectsUnknownUsername(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := doJSON(t, srv, http.MethodPost, "/login", `{"username":"nobody","password":"whatever"}`, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLoginRateLimited(t *testing.T) {
	srv := newTestServer(t)

	var lastStatus int
	for i := 0; i < loginRateBurst+2; i++ {
		resp, _ := doJSON(t, srv, http.MethodPost, "/login", `{"username":"operator","password":"wrong"}`, "")
		lastStatus = resp.StatusCode
	}
	if lastStatus != http.StatusTooManyRequests {
		t.Fatalf("final status = %d, want 429", lastStatus)
	}
}
