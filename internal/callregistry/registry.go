// Package callregistry is the process-wide table of live call sessions,
// keyed by SIP Call-ID. It is the one place that knows about every call
// in progress, serving two unrelated callers: cmd/voicebridge's BYE
// handler (find the session to drain) and the admin/status surface and
// metrics collector (read-only counts and snapshots).
package callregistry

import (
	"sync"

	"github.com/fjfricke/ha-voice-bridge/internal/callsession"
)

// Registry is the in-memory call table. One entry per live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*callsession.Session
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*callsession.Session)}
}

// Put records a started session under its call ID.
func (r *Registry) Put(callID string, sess *callsession.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[callID] = sess
}

// Get returns the session for a Call-ID, or nil if none is live.
func (r *Registry) Get(callID string) *callsession.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[callID]
}

// Remove deletes a session from the table once it has fully drained.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns an Info for every live session, in no particular
// order, for the admin status surface and metrics collector.
func (r *Registry) Snapshot() []callsession.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]callsession.Info, 0, len(r.sessions))
	for _, sess := range r.sessions {
		infos = append(infos, sess.Info())
	}
	return infos
}

// GetActiveCallCount implements metrics.ActiveCallsProvider.
func (r *Registry) GetActiveCallCount() int {
	return r.Count()
}

// AggregateRTPStats sums packet/byte counters across every live session,
// implementing metrics.RTPStatsProvider.
func (r *Registry) AggregateRTPStats() (packetsReceived, packetsSent, bytesReceived, bytesSent uint64) {
	for _, info := range r.Snapshot() {
		packetsReceived += info.PacketsReceived
		packetsSent += info.PacketsSent
		bytesReceived += info.BytesReceived
		bytesSent += info.BytesSent
	}
	return
}
