package adminapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// loginRateLimit/loginRateBurst mirror the teacher's stricter auth-endpoint
// limits: a burst of 5 attempts, then one per second, per source IP, enough to absorb
// a typo without enabling a brute-force loop.
const (
	loginRateLimit      = rate.Limit(1)
	loginRateBurst      = 5
	loginLimiterMaxAge  = 10 * time.Minute
	loginLimiterCleanup = 5 * time.Minute
)

type ipLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter provides per-IP rate limiting for the login endpoint.
type ipRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipLimitEntry
	stopCh  chan struct{}
}

func newIPRateLimiter() *ipRateLimiter {
	rl := &ipRateLimiter{
		entries: make(map[string]*ipLimitEntry),
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *ipRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[ip]
	if !ok {
		entry = &ipLimitEntry{limiter: rate.NewLimiter(loginRateLimit, loginRateBurst)}
		rl.entries[ip] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

func (rl *ipRateLimiter) stop() {
	close(rl.stopCh)
}

func (rl *ipRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(loginLimiterCleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-loginLimiterMaxAge)
	for ip, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, ip)
		}
	}
}

// rateLimitLogin returns middleware that rate limits requests by client IP.
func rateLimitLogin(limiter *ipRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)
			if !limiter.allow(ip) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
