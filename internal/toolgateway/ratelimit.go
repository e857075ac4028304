package toolgateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// callerRateLimit is the per-caller tool-invocation budget: enough for a
// normal back-and-forth with the AI without letting a compromised or
// runaway session hammer the controller.
const (
	callerRateLimit   = rate.Limit(2)
	callerBurst       = 5
	limiterCleanupAge = 10 * time.Minute
)

// callerLimiterEntry tracks one caller's token bucket and last use.
type callerLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// callerRateLimiter is a per-caller token bucket guarding the gateway's
// Invoke path against abuse, independent of any HTTP-layer limiting.
type callerRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*callerLimiterEntry
}

func newCallerRateLimiter() *callerRateLimiter {
	return &callerRateLimiter{entries: make(map[string]*callerLimiterEntry)}
}

// allow reports whether callerID may invoke a tool now, creating a fresh
// bucket on first use and opportunistically evicting stale entries.
func (rl *callerRateLimiter) allow(callerID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.entries[callerID]
	if !ok {
		entry = &callerLimiterEntry{limiter: rate.NewLimiter(callerRateLimit, callerBurst)}
		rl.entries[callerID] = entry
	}
	entry.lastSeen = time.Now()

	cutoff := time.Now().Add(-limiterCleanupAge)
	for id, e := range rl.entries {
		if e.lastSeen.Before(cutoff) {
			delete(rl.entries, id)
		}
	}

	return entry.limiter.Allow()
}
