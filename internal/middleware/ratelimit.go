package middleware

import (
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a global token bucket limiter.
type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

// RateLimitMiddleware shares one token bucket across every request through the handler.
// Rejected requests get 429 with Retry-After set to the wait for the next token.
func RateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if wait, ok := reserve(limiter); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(wait))
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// reserve takes a token when one is available now. Otherwise it returns the whole
// seconds until the next token, at least 1.
func reserve(limiter *rate.Limiter) (int, bool) {
	res := limiter.Reserve()
	if !res.OK() {
		return 1, false
	}
	delay := res.Delay()
	if delay == 0 {
		return 0, true
	}
	res.Cancel()
	return max(1, int(math.Ceil(delay.Seconds()))), false
}
