// Package callerprofile holds the static, boot-loaded caller and tool
// catalog data model: per-caller identity, instructions, and tool
// grants, plus the tool catalog schema consumed by the tool gateway.
package callerprofile

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Profile describes one known caller: display name, the AI instruction
// template rendered at session-config time, the tools they're granted,
// and an optional authentication code gating sensitive tools.
type Profile struct {
	CallerID            string   `json:"caller_id"`
	DisplayName         string   `json:"display_name"`
	InstructionTemplate string   `json:"instruction_template"`
	Tools               []string `json:"tools"`
	AuthCode            *int     `json:"auth_code,omitempty"`
}

// HasTool reports whether this profile was granted the named tool.
func (p *Profile) HasTool(name string) bool {
	for _, t := range p.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// RenderInstructions substitutes {name} and {caller_id} into the
// profile's instruction template.
func (p *Profile) RenderInstructions() string {
	r := strings.NewReplacer(
		"{name}", p.DisplayName,
		"{caller_id}", p.CallerID,
	)
	return r.Replace(p.InstructionTemplate)
}

const defaultInstructionTemplate = "You are a helpful home voice assistant. The caller's identity is unverified; do not assume who they are."

// Default returns the fallback profile for a caller not present in the
// catalog: no tools, no authentication code.
func Default() *Profile {
	return &Profile{
		CallerID:            "",
		DisplayName:         "caller",
		InstructionTemplate: defaultInstructionTemplate,
		Tools:               nil,
		AuthCode:            nil,
	}
}

// Catalog is the static, read-only-after-boot set of caller profiles,
// keyed by canonicalized caller identity.
type Catalog struct {
	profiles map[string]*Profile
}

// LoadCatalog reads a JSON file of profile entries from disk.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading caller profile file: %w", err)
	}

	var entries []*Profile
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing caller profile file: %w", err)
	}

	c := &Catalog{profiles: make(map[string]*Profile, len(entries))}
	for _, p := range entries {
		c.profiles[Canonicalize(p.CallerID)] = p
	}
	return c, nil
}

// NewCatalog builds a catalog from profiles already in memory, for tests
// and programmatic configuration.
func NewCatalog(profiles []*Profile) *Catalog {
	c := &Catalog{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		c.profiles[Canonicalize(p.CallerID)] = p
	}
	return c
}

// Lookup resolves a caller identity to its profile, falling back to the
// default profile for unknown callers.
func (c *Catalog) Lookup(callerID string) *Profile {
	if p, ok := c.profiles[Canonicalize(callerID)]; ok {
		return p
	}
	fallback := Default()
	fallback.CallerID = callerID
	return fallback
}

// Canonicalize normalizes a caller identity to E.164 without a leading
// '+', so profiles match regardless of whether the gateway includes it.
func Canonicalize(callerID string) string {
	return strings.TrimPrefix(strings.TrimSpace(callerID), "+")
}
