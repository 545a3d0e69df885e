package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/nightowl/internal/ratelimit"
)

// RateLimit enforces a per-endpoint token bucket keyed by the caller's
// API key (falling back to remote address when no key is presented), per
// spec §4.12: "API-key verification, then per-endpoint rate limit
// middleware, then handler". A rejected request gets a 429 with
// X-RateLimit-* headers and Retry-After, matching the Rate Limiter's own
// wire shape (internal/ratelimit).
func RateLimit(rdb *redis.Client, limits ratelimit.Limits) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := r.Header.Get("X-API-Key")
			if identifier == "" {
				identifier = r.RemoteAddr
			}
			limiter := ratelimit.New(rdb, identifier, "http", limits)

			result, err := limiter.Acquire(r.Context(), 1, ratelimit.IntervalMinute)
			if err != nil {
				RespondError(w, http.StatusInternalServerError, "internal_error", "rate limit check failed")
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limits.TokensPerMinute, 10))
			if !result.Allowed {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", result.WaitSeconds))
				RespondError(w, http.StatusTooManyRequests, "rate_limited", "too many requests, retry later")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(int64(result.TokensRemaining), 10))
			next.ServeHTTP(w, r)
		})
	}
}
