package auth

import (
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/puffer/broker/pkg/ratelimit"
)

// LimitedFunc writes the rejection for a throttled request.
type LimitedFunc func(w http.ResponseWriter, r *http.Request, retryAfterSecs int)

// RateLimitMiddleware enforces the limiter per authenticated identity. It
// must run after NewMiddleware. Limiter backend errors fail open so an
// unreachable Redis does not take the broker down.
func RateLimitMiddleware(limiter *ratelimit.Limiter, limited LimitedFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), Identity(r.Context()))
			if err != nil {
				slog.WarnContext(r.Context(), "rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				limited(w, r, limiter.RetryAfter())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
