package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fabrikhq/decision-core/pkg/cache"
	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/rbac"
)

// RateLimit returns middleware that counts requests per tenant and
// endpoint through the shared cache and rejects callers over the window
// budget. A broken counter allows the request; the limiter is advisory.
func RateLimit(store cache.Store, cfg config.RateLimitConfig, log *logger.Logger) func(next http.Handler) http.Handler {
	rlLog := log.WithComponent("ratelimit")

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled || store == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := rbac.GetTenantIDFromContext(r.Context())
			if tenantID == "" {
				// Unauthenticated paths are not tenant-limited.
				next.ServeHTTP(w, r)
				return
			}

			key := cache.RateLimitKey(tenantID, r.URL.Path)
			res, err := store.RateLimitCheck(r.Context(), key, cfg.RequestsPerWindow, cfg.Window)
			if err != nil {
				rlLog.Warn("rate limit check failed, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				retryAfter := time.Until(res.ResetAt)
				if retryAfter < 0 {
					retryAfter = 0
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
				writeRateLimited(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":{"category":"rate_limit","message":"too many requests","suggestion":"retry after the window resets","retryable":true}}`))
}
