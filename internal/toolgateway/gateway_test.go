package toolgateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fjfricke/ha-voice-bridge/internal/callerprofile"
	"github.com/fjfricke/ha-voice-bridge/internal/homeassistant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func code(n int) *int { return &n }

func buildCatalog() *callerprofile.ToolCatalog {
	return callerprofile.NewToolCatalog([]*callerprofile.Tool{
		{
			Name:        "open_door",
			Description: "Unlock the front door",
			HAService:   "lock.unlock",
			Params: []callerprofile.ParamSchema{
				{Name: "entity_id", Type: "string", Required: true},
			},
			AuthenticationRequired: true,
		},
		{
			Name:        "turn_on_light",
			Description: "Turn on a light",
			HAService:   "light.turn_on",
			Params: []callerprofile.ParamSchema{
				{Name: "entity_id", Type: "string", Required: true},
			},
		},
		{
			Name:        "run_script",
			Description: "Run a script",
			HAService:   "script.good_night",
		},
	})
}

func TestProjectSchemasAppendsPinForGatedTools(t *testing.T) {
	catalog := buildCatalog()
	profile := &callerprofile.Profile{Tools: []string{"open_door", "turn_on_light"}, AuthCode: code(1234)}
	gw := NewGateway(catalog, profile, nil, testLogger())

	schemas := gw.ProjectSchemas()
	if len(schemas) != 2 {
		t.Fatalf("expected 2 schemas, got %d", len(schemas))
	}

	var doorSchema, lightSchema *ToolSchema
	for i := range schemas {
		switch schemas[i].Name {
		case "open_door":
			doorSchema = &schemas[i]
		case "turn_on_light":
			lightSchema = &schemas[i]
		}
	}

	if doorSchema == nil || lightSchema == nil {
		t.Fatalf("missing expected schemas: %+v", schemas)
	}
	if _, ok := doorSchema.Parameters.Properties["pin"]; !ok {
		t.Error("open_door schema should have a synthesized pin property")
	}
	if _, ok := lightSchema.Parameters.Properties["pin"]; ok {
		t.Error("turn_on_light schema should not have a pin property")
	}
}

func TestInvokeUnknownToolReturnsError(t *testing.T) {
	gw := NewGateway(buildCatalog(), &callerprofile.Profile{}, nil, testLogger())
	result := gw.Invoke(context.Background(), "does_not_exist", nil)
	if result.Success || result.Error != "unknown tool" {
		t.Fatalf("result = %+v", result)
	}
}

func TestInvokeAuthGatedMissingPinReturnsRequired(t *testing.T) {
	gw := NewGateway(buildCatalog(), &callerprofile.Profile{Tools: []string{"open_door"}, AuthCode: code(1234)}, nil, testLogger())
	result := gw.Invoke(context.Background(), "open_door", map[string]interface{}{"entity_id": "lock.front"})
	if result.Success || result.Error != "PIN_REQUIRED" {
		t.Fatalf("result = %+v", result)
	}
}

func TestInvokeAuthGatedWrongPinReturnsIncorrect(t *testing.T) {
	gw := NewGateway(buildCatalog(), &callerprofile.Profile{Tools: []string{"open_door"}, AuthCode: code(1234)}, nil, testLogger())
	result := gw.Invoke(context.Background(), "open_door", map[string]interface{}{"entity_id": "lock.front", "pin": float64(9999)})
	if result.Success || result.Error != "PIN_INCORRECT" {
		t.Fatalf("result = %+v", result)
	}
}

func TestInvokeAuthGatedNotConfigured(t *testing.T) {
	gw := NewGateway(buildCatalog(), &callerprofile.Profile{Tools: []string{"open_door"}, AuthCode: nil}, nil, testLogger())
	result := gw.Invoke(context.Background(), "open_door", map[string]interface{}{"entity_id": "lock.front", "pin": float64(1234)})
	if result.Success || result.Error != "PIN_NOT_CONFIGURED" {
		t.Fatalf("result = %+v", result)
	}
}

func TestInvokeAuthGatedCorrectPinStripsItFromControllerBody(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ctrl := homeassistant.NewClient(srv.URL, "tok")
	gw := NewGateway(buildCatalog(), &callerprofile.Profile{Tools: []string{"open_door"}, AuthCode: code(1234)}, ctrl, testLogger())

	result := gw.Invoke(context.Background(), "open_door", map[string]interface{}{"entity_id": "lock.front", "pin": float64(1234)})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if _, present := gotBody["pin"]; present {
		t.Errorf("pin must not be forwarded to the controller, body = %+v", gotBody)
	}
	if gotBody["entity_id"] != "lock.front" {
		t.Errorf("entity_id missing from forwarded body: %+v", gotBody)
	}
}

func TestInvokeScriptDomainSuppressesEntityID(t *testing.T) {
	var gotBody map[string]interface{}
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctrl := homeassistant.NewClient(srv.URL, "tok")
	gw := NewGateway(buildCatalog(), &callerprofile.Profile{Tools: []string{"run_script"}}, ctrl, testLogger())

	result := gw.Invoke(context.Background(), "run_script", map[string]interface{}{"entity_id": "script.good_night"})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if gotPath != "/services/script/good_night" {
		t.Errorf("path = %q", gotPath)
	}
	if _, present := gotBody["entity_id"]; present {
		t.Errorf("entity_id must be suppressed for script domain, body = %+v", gotBody)
	}
}

func TestInvokeRateLimitedAfterBurstExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ctrl := homeassistant.NewClient(srv.URL, "tok")
	gw := NewGateway(buildCatalog(), &callerprofile.Profile{CallerID: "15551234567", Tools: []string{"turn_on_light"}}, ctrl, testLogger())

	var limited bool
	for i := 0; i < callerBurst+1; i++ {
		result := gw.Invoke(context.Background(), "turn_on_light", map[string]interface{}{"entity_id": "light.kitchen"})
		if !result.Success && result.Error == "RATE_LIMITED" {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected a rate-limited result once the burst allowance was exhausted")
	}
}

func TestInvokeUpdatesGlobalInvocationCounters(t *testing.T) {
	gw := NewGateway(buildCatalog(), &callerprofile.Profile{CallerID: "counter-test"}, nil, testLogger())

	totalBefore, failedBefore := InvocationStats()
	gw.Invoke(context.Background(), "does_not_exist", nil)
	totalAfter, failedAfter := InvocationStats()

	if totalAfter != totalBefore+1 {
		t.Errorf("total = %d, want %d", totalAfter, totalBefore+1)
	}
	if failedAfter != failedBefore+1 {
		t.Errorf("failed = %d, want %d", failedAfter, failedBefore+1)
	}
}

func TestInvokeControllerErrorSurfacesToResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	ctrl := homeassistant.NewClient(srv.URL, "tok")
	gw := NewGateway(buildCatalog(), &callerprofile.Profile{Tools: []string{"turn_on_light"}}, ctrl, testLogger())

	result := gw.Invoke(context.Background(), "turn_on_light", map[string]interface{}{"entity_id": "light.kitchen"})
	if result.Success {
		t.Fatal("expected failure result on controller 500")
	}
}
