package sipagent

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func TestHeaderValueReturnsEmptyForMissingHeader(t *testing.T) {
	req := sip.NewRequest(sip.OPTIONS, mustParseURI(t, "sip:example.com"))
	if got := headerValue(req, "Call-ID"); got != "" {
		t.Errorf("headerValue = %q, want empty string", got)
	}
}

func TestHeaderValueReturnsHeaderValue(t *testing.T) {
	req := sip.NewRequest(sip.OPTIONS, mustParseURI(t, "sip:example.com"))
	req.AppendHeader(sip.NewHeader("Call-ID", "fixed-call-id"))
	if got := headerValue(req, "Call-ID"); got != "fixed-call-id" {
		t.Errorf("headerValue = %q, want fixed-call-id", got)
	}
}
