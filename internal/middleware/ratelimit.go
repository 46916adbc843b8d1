package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter hands out one token bucket per key (the client IP).
//
// Buckets that have not been used for idleTTL are dropped by Sweep, so a
// scan from many addresses does not grow the map forever.
type RateLimiter struct {
	perMinute int
	burst     int
	idleTTL   time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter *rate.Limiter
	mu      sync.Mutex
	seen    time.Time
}

// NewRateLimiter allows perMinute requests per key, with bursts of burst.
// A burst below one falls back to perMinute.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 5
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &RateLimiter{
		perMinute: perMinute,
		burst:     burst,
		idleTTL:   10 * time.Minute,
		now:       time.Now,
		limiters:  make(map[string]*limiterEntry),
	}
}

func (rl *RateLimiter) get(key string) *limiterEntry {
	rl.mu.RLock()
	e, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring the write lock.
		e, exists = rl.limiters[key]
		if !exists {
			e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(rl.perMinute)/60, rl.burst)}
			rl.limiters[key] = e
		}
		rl.mu.Unlock()
	}
	return e
}

// Allow reports whether key may make a request now.
func (rl *RateLimiter) Allow(key string) bool {
	e := rl.get(key)
	now := rl.now()
	e.mu.Lock()
	e.seen = now
	e.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// Sweep drops idle buckets and returns how many were removed.
func (rl *RateLimiter) Sweep() int {
	cutoff := rl.now().Add(-rl.idleTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	n := 0
	for key, e := range rl.limiters {
		e.mu.Lock()
		idle := e.seen.Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(rl.limiters, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

// Limit throttles requests per client IP. RealIP must run first so
// RemoteAddr is the caller and not the load balancer.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"message": "too many requests, try again later",
				"error":   "rate_limited",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
