package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/fabrikhq/decision-core/pkg/logger"
)

// Recoverer returns middleware that converts panics into 500 responses
// with the shared error envelope.
func Recoverer(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					log.Error("panic recovered",
						"error", rvr,
						"stack", string(debug.Stack()),
						"method", r.Method,
						"path", r.URL.Path,
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":{"category":"internal","message":"internal server error","retryable":true}}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
