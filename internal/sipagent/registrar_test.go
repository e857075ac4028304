package sipagent

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func mustParseURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		t.Fatalf("parsing uri %q: %v", s, err)
	}
	return u
}

func TestBackoffDelayFollowsLiteralSchedule(t *testing.T) {
	want := []int{1, 2, 4, 8, 16, 32, 60, 60, 60}
	for attempt, wantSeconds := range want {
		got := backoffDelay(attempt)
		if int(got.Seconds()) != wantSeconds {
			t.Errorf("backoffDelay(%d) = %v, want %ds", attempt, got, wantSeconds)
		}
	}
}

func TestMaxAuthRetriesIsBoundedToTwo(t *testing.T) {
	if maxAuthRetries != 2 {
		t.Errorf("maxAuthRetries = %d, want 2 per the registration retry limit", maxAuthRetries)
	}
}

func TestGenerateCallIDIsUnique(t *testing.T) {
	a := generateCallID()
	b := generateCallID()
	if a == b {
		t.Error("expected distinct call-ids across calls")
	}
}

func TestBuildRegisterCSeqStrictlyIncreases(t *testing.T) {
	r := &Registrar{
		username:    "user",
		registrarHost: "fritz.box",
		contactHost: "10.0.0.5:5060",
		callID:      "fixed-call-id",
	}

	uri := mustParseURI(t, "sip:fritz.box:5060")
	req1 := r.buildRegister(uri)
	req2 := r.buildRegister(uri)

	cseq1 := req1.GetHeader("CSeq")
	cseq2 := req2.GetHeader("CSeq")
	if cseq1 == nil || cseq2 == nil {
		t.Fatal("expected CSeq headers on both requests")
	}
	if cseq1.Value() == cseq2.Value() {
		t.Errorf("cseq did not strictly increase: %q -> %q", cseq1.Value(), cseq2.Value())
	}

	callID1 := req1.GetHeader("Call-ID")
	callID2 := req2.GetHeader("Call-ID")
	if callID1 == nil || callID1.Value() != "fixed-call-id" {
		t.Errorf("Call-ID = %v, want fixed-call-id", callID1)
	}
	if callID2 == nil || callID2.Value() != callID1.Value() {
		t.Error("expected the same Call-ID reused across REGISTER retries")
	}
}
