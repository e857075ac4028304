package callerprofile

import "testing"

func sampleTools() []*Tool {
	return []*Tool{
		{
			Name:        "open_door",
			Description: "Unlock the front door",
			HAService:   "lock.unlock",
			Params: []ParamSchema{
				{Name: "entity_id", Type: "string", Required: true},
			},
			AuthenticationRequired: true,
		},
		{
			Name:        "turn_on_light",
			Description: "Turn on a light",
			HAService:   "light.turn_on",
			Params: []ParamSchema{
				{Name: "entity_id", Type: "string", Required: true},
			},
			AuthenticationRequired: false,
		},
	}
}

func TestLookupReturnsNilForUnknownTool(t *testing.T) {
	c := NewToolCatalog(sampleTools())
	if c.Lookup("does_not_exist") != nil {
		t.Fatal("expected nil for unknown tool name")
	}
}

func TestGrantedFiltersByProfile(t *testing.T) {
	c := NewToolCatalog(sampleTools())
	p := &Profile{Tools: []string{"turn_on_light"}}

	granted := c.Granted(p)
	if len(granted) != 1 || granted[0].Name != "turn_on_light" {
		t.Fatalf("granted = %+v, want only turn_on_light", granted)
	}
}

func TestAllReturnsEveryEntry(t *testing.T) {
	c := NewToolCatalog(sampleTools())
	if len(c.All()) != 2 {
		t.Fatalf("All() returned %d entries, want 2", len(c.All()))
	}
}
