package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter rate-limits per client IP using a true token-bucket
// (golang.org/x/time/rate) rather than LoginAttemptLimiter's windowed counter.
// Used on /oauth/par and /oauth/token, where bursts of legitimate retries
// (DPoP nonce round-trips, refresh races) are expected and a strict
// fixed-window counter would reject them too eagerly.
type TokenBucketLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewTokenBucketLimiter creates a limiter allowing burst requests
// immediately and refilling at r requests/second per client IP thereafter.
func NewTokenBucketLimiter(r rate.Limit, burst int) *TokenBucketLimiter {
	tb := &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		burst:    burst,
	}
	go tb.cleanup()
	return tb
}

// Middleware returns an http middleware enforcing the token bucket.
func (tb *TokenBucketLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !tb.allow(getClientIP(r)) {
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (tb *TokenBucketLimiter) allow(clientID string) bool {
	tb.mu.Lock()
	limiter, ok := tb.limiters[clientID]
	if !ok {
		limiter = rate.NewLimiter(tb.r, tb.burst)
		tb.limiters[clientID] = limiter
	}
	tb.mu.Unlock()
	return limiter.Allow()
}

// cleanup drops per-IP limiters that have been full (unused) for a while,
// so long-running demo servers don't accumulate one entry per IP forever.
func (tb *TokenBucketLimiter) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		tb.mu.Lock()
		for clientID, limiter := range tb.limiters {
			if limiter.Tokens() >= float64(tb.burst) {
				delete(tb.limiters, clientID)
			}
		}
		tb.mu.Unlock()
	}
}
