package sipagent

import (
	"net"
	"sync"
)

// Dialog represents one active call keyed by SIP Call-ID. It is created
// on INVITE and destroyed after BYE has been acknowledged and every
// per-call resource has been released.
type Dialog struct {
	CallID string

	CallerIDName string
	CallerIDNum  string

	LocalAddr  *net.UDPAddr
	RemoteAddr *net.UDPAddr

	PayloadType int
	SampleRate  int // always 8000 internally, see the "always 8kHz" policy

	LocalRTPPort int

	Established bool
	Terminal    bool
}

// DialogTable is the UA's in-memory call table. One entry per active
// dialog, keyed by Call-ID.
type DialogTable struct {
	mu      sync.RWMutex
	dialogs map[string]*Dialog
}

// NewDialogTable creates an empty dialog table.
func NewDialogTable() *DialogTable {
	return &DialogTable{dialogs: make(map[string]*Dialog)}
}

// Put records a new dialog.
func (t *DialogTable) Put(d *Dialog) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialogs[d.CallID] = d
}

// Get returns the dialog for a Call-ID, or nil.
func (t *DialogTable) Get(callID string) *Dialog {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dialogs[callID]
}

// MarkEstablished flips a dialog to established on receipt of the peer's
// ACK.
func (t *DialogTable) MarkEstablished(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.dialogs[callID]; ok {
		d.Established = true
	}
}

// MarkTerminal flips a dialog's terminal flag; the orchestrator observes
// this and tears the call down.
func (t *DialogTable) MarkTerminal(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.dialogs[callID]; ok {
		d.Terminal = true
	}
}

// Remove deletes a dialog once all its resources have been released.
func (t *DialogTable) Remove(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.dialogs, callID)
}

// Count returns the number of active dialogs.
func (t *DialogTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.dialogs)
}
