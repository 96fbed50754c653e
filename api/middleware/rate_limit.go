package middleware

import (
	"net/http"

	"github.com/angelmondragon/leadflow-backend/api/responses"
	"github.com/angelmondragon/leadflow-backend/internal/ratelimit"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
)

// IdentityFunc extracts the caller identity a scope counts against.
type IdentityFunc func(*http.Request) string

// RateLimit enforces scope for every request, keyed by identity. Requests
// that end in a 4xx/5xx are refunded on scopes that exclude failures.
func RateLimit(limiter *ratelimit.Limiter, scope string, identity IdentityFunc, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		if identity == nil {
			identity = ratelimit.ClientIP
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			decision, err := limiter.Allow(ctx, scope, identity(r))
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			if !decision.Allowed {
				responses.WriteError(ctx, logg, w, decision.Err())
				return
			}

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status >= http.StatusBadRequest {
				limiter.Refund(ctx, decision)
			}
		})
	}
}
