package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/agentmarket/backend/internal/ratelimit"
)

// RateLimit counts each request against rule, keyed by client IP. A limiter
// error lets the request through.
func RateLimit(l ratelimit.Limiter, rule ratelimit.Rule, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := l.Allow(r.Context(), rule, ratelimit.ClientIP(r))
			if err != nil {
				log.Warn("rate limiter unavailable", "rule", rule.Name, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
