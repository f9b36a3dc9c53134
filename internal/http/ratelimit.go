package http

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/kvmbroker/pkg/protocol"
)

const (
	limiterTTL  = 10 * time.Minute
	limiterSize = 4096
)

// RateLimiter enforces per-client request rate limits using token buckets.
// Idle buckets expire from the LRU.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	r        rate.Limit // refill rate (requests per second)
	burst    int        // max burst size
}

// NewRateLimiter creates a rate limiter.
// rpm is requests per minute, burst is the max burst allowed.
// If rpm <= 0, the rate limiter is disabled (always allows).
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	r := rate.Limit(0)
	if rpm > 0 {
		r = rate.Limit(float64(rpm) / 60.0)
	}
	return &RateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](limiterSize, nil, limiterTTL),
		r:        r,
		burst:    burst,
	}
}

// Allow reports whether a request from key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.Enabled() {
		return true
	}
	rl.mu.Lock()
	lim, ok := rl.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(rl.r, rl.burst)
	}
	// Re-adding refreshes the entry's expiry.
	rl.limiters.Add(key, lim)
	rl.mu.Unlock()

	if !lim.Allow() {
		slog.Warn("security.rate_limited", "key", key)
		return false
	}
	return true
}

// Enabled returns true if the rate limiter is active.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.r > 0
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeErrorShape(w, http.StatusTooManyRequests, &protocol.ErrorShape{
				Code:         protocol.ErrResourceExhausted,
				Message:      "rate limit exceeded",
				Retryable:    true,
				RetryAfterMs: 1000,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
