// Package toolgateway projects the tool catalog into the AI-facing wire
// schema and executes invocations against the home-automation
// controller, gated by per-caller authentication codes.
package toolgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fjfricke/ha-voice-bridge/internal/callerprofile"
	"github.com/fjfricke/ha-voice-bridge/internal/homeassistant"
)

// invocationsTotal/invocationsFailed are process-wide counters read by the
// metrics collector; every Gateway in every call increments the same
// counters, since the metric is a fleet-wide total rather than per-call.
var (
	invocationsTotal  atomic.Uint64
	invocationsFailed atomic.Uint64
)

// InvocationStats returns the cumulative tool-invocation counts across
// every call this process has handled.
func InvocationStats() (total, failed uint64) {
	return invocationsTotal.Load(), invocationsFailed.Load()
}

// GlobalStats adapts the package-level invocation counters to
// metrics.ToolInvocationProvider; it carries no state of its own.
type GlobalStats struct{}

// InvocationStats implements metrics.ToolInvocationProvider.
func (GlobalStats) InvocationStats() (total, failed uint64) {
	return InvocationStats()
}

const restCallTimeout = 10 * time.Second

// pinParamName is the synthesized optional parameter appended to the
// AI-facing schema of every authentication-gated tool.
const pinParamName = "pin"

// Gateway executes tool invocations on behalf of one call, scoped to a
// single caller profile.
type Gateway struct {
	logger  *slog.Logger
	catalog *callerprofile.ToolCatalog
	profile *callerprofile.Profile
	ctrl    *homeassistant.Client
	limiter *callerRateLimiter
}

// NewGateway creates a tool gateway for one call's caller profile, with
// its own per-caller invocation budget guarding against a malfunctioning
// or abused AI session hammering the controller within the call.
func NewGateway(catalog *callerprofile.ToolCatalog, profile *callerprofile.Profile, ctrl *homeassistant.Client, logger *slog.Logger) *Gateway {
	return &Gateway{
		logger:  logger.With("subsystem", "tool-gateway", "caller_id", profile.CallerID),
		catalog: catalog,
		profile: profile,
		ctrl:    ctrl,
		limiter: newCallerRateLimiter(),
	}
}

// ToolSchema is the AI-facing JSON-schema projection of one tool.
type ToolSchema struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Parameters  jsonSchemaObject `json:"parameters"`
}

type jsonSchemaObject struct {
	Type       string                    `json:"type"`
	Properties map[string]jsonSchemaProp `json:"properties"`
	Required   []string                  `json:"required"`
}

type jsonSchemaProp struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Enum        []string `json:"enum,omitempty"`
}

// ProjectSchemas builds the AI-facing schema for every tool granted to
// the gateway's caller profile. Authentication-gated tools get an
// optional integer "pin" parameter appended, instructing the AI to
// elicit it verbally.
func (g *Gateway) ProjectSchemas() []ToolSchema {
	granted := g.catalog.Granted(g.profile)
	schemas := make([]ToolSchema, 0, len(granted))

	for _, t := range granted {
		props := make(map[string]jsonSchemaProp, len(t.Params)+1)
		var required []string

		for _, p := range t.Params {
			props[p.Name] = jsonSchemaProp{Type: p.Type, Description: p.Description, Enum: p.Enum}
			if p.Required {
				required = append(required, p.Name)
			}
		}

		if t.AuthenticationRequired {
			props[pinParamName] = jsonSchemaProp{
				Type:        "integer",
				Description: "The caller's numeric authentication code, spoken aloud and converted to an integer.",
			}
		}

		schemas = append(schemas, ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters: jsonSchemaObject{
				Type:       "object",
				Properties: props,
				Required:   required,
			},
		})
	}

	return schemas
}

// Result is the JSON shape returned to the AI for every invocation.
type Result struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func errorResult(code string) Result {
	return Result{Success: false, Error: code}
}

// Invoke runs the invocation path described in the tool gateway's
// specification: catalog lookup, authentication-code check, REST call.
func (g *Gateway) Invoke(ctx context.Context, name string, arguments map[string]interface{}) Result {
	invocationsTotal.Add(1)
	result := g.invoke(ctx, name, arguments)
	if !result.Success {
		invocationsFailed.Add(1)
	}
	return result
}

func (g *Gateway) invoke(ctx context.Context, name string, arguments map[string]interface{}) Result {
	tool := g.catalog.Lookup(name)
	if tool == nil {
		g.logger.Warn("unknown tool invoked", "tool", name)
		return errorResult("unknown tool")
	}

	if !g.limiter.allow(g.profile.CallerID) {
		g.logger.Warn("tool invocation rate limited", "tool", name)
		return errorResult("RATE_LIMITED")
	}

	if tool.AuthenticationRequired {
		if res, ok := g.checkAuthentication(arguments); !ok {
			return res
		}
	}

	domain, service, ok := splitHAService(tool.HAService)
	if !ok {
		g.logger.Error("tool has malformed ha_service", "tool", name, "ha_service", tool.HAService)
		return errorResult("misconfigured tool")
	}

	body := make(map[string]interface{}, len(arguments))
	for k, v := range arguments {
		body[k] = v
	}
	if domain == "script" {
		delete(body, "entity_id")
	}

	callCtx, cancel := context.WithTimeout(ctx, restCallTimeout)
	defer cancel()

	result, err := g.ctrl.CallService(callCtx, domain, service, body)
	if err != nil {
		g.logger.Warn("controller service call failed", "tool", name, "error", err)
		return Result{Success: false, Error: err.Error()}
	}

	return Result{Success: true, Result: result}
}

// checkAuthentication implements the PIN gate. On success it removes
// "pin" from arguments so it is never forwarded to the controller.
func (g *Gateway) checkAuthentication(arguments map[string]interface{}) (Result, bool) {
	raw, present := arguments[pinParamName]
	if !present {
		return errorResult("PIN_REQUIRED"), false
	}

	pin, err := coerceToInt(raw)
	if err != nil {
		return errorResult("PIN_INCORRECT"), false
	}

	if g.profile.AuthCode == nil {
		return errorResult("PIN_NOT_CONFIGURED"), false
	}

	if pin != *g.profile.AuthCode {
		return errorResult("PIN_INCORRECT"), false
	}

	delete(arguments, pinParamName)
	return Result{}, true
}

func coerceToInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	default:
		return 0, fmt.Errorf("cannot coerce %T to integer", v)
	}
}

// splitHAService splits "domain.service" at the first dot.
func splitHAService(haService string) (domain, service string, ok bool) {
	idx := strings.IndexByte(haService, '.')
	if idx < 0 {
		return "", "", false
	}
	return haService[:idx], haService[idx+1:], true
}
