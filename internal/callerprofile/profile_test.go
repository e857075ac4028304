package callerprofile

import "testing"

func code(n int) *int { return &n }

func TestLookupFallsBackToDefaultForUnknownCaller(t *testing.T) {
	c := NewCatalog([]*Profile{
		{CallerID: "4915112345678", DisplayName: "Alice", Tools: []string{"open_door"}, AuthCode: code(1234)},
	})

	p := c.Lookup("+4915199999999")
	if p.DisplayName != "caller" {
		t.Errorf("expected default profile, got %+v", p)
	}
	if p.HasTool("open_door") {
		t.Errorf("default profile must not grant any tool")
	}
	if p.AuthCode != nil {
		t.Errorf("default profile must not have an auth code")
	}
}

func TestLookupCanonicalizesLeadingPlus(t *testing.T) {
	c := NewCatalog([]*Profile{
		{CallerID: "4915112345678", DisplayName: "Alice", Tools: []string{"open_door"}},
	})

	p := c.Lookup("+4915112345678")
	if p.DisplayName != "Alice" {
		t.Fatalf("expected match on canonicalized caller id, got %+v", p)
	}
}

func TestRenderInstructionsSubstitutesPlaceholders(t *testing.T) {
	p := &Profile{
		CallerID:            "4915112345678",
		DisplayName:         "Alice",
		InstructionTemplate: "You are speaking with {name} ({caller_id}).",
	}
	got := p.RenderInstructions()
	want := "You are speaking with Alice (4915112345678)."
	if got != want {
		t.Errorf("RenderInstructions() = %q, want %q", got, want)
	}
}

func TestGrantedAuthGatedToolWithoutCodeCannotAuthenticate(t *testing.T) {
	p := &Profile{CallerID: "x", Tools: []string{"open_door"}, AuthCode: nil}
	if !p.HasTool("open_door") {
		t.Fatal("profile should still be granted the tool")
	}
	if p.AuthCode != nil {
		t.Fatal("profile has no auth code configured")
	}
}
