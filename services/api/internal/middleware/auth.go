package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fabrikhq/decision-core/pkg/auth"
	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/pkg/rbac"
)

// Auth returns middleware that verifies bearer tokens and attaches the
// caller identity to the request context. Dev mode bypasses verification
// and injects a fixed admin identity.
func Auth(cfg config.AuthConfig, verifier *auth.Verifier, log *logger.Logger) func(next http.Handler) http.Handler {
	authLog := log.WithComponent("auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.DevMode {
				next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), auth.DevIdentity())))
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				writeAuthError(w, http.StatusUnauthorized, "malformed authorization header")
				return
			}

			claims, err := verifier.Verify(r.Context(), parts[1])
			if err != nil {
				authLog.Debug("token verification failed", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			identity := claims.Identity()
			if identity.TenantID == "" {
				writeAuthError(w, http.StatusForbidden, "token carries no tenant")
				return
			}

			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
		})
	}
}

func withIdentity(ctx context.Context, id auth.Identity) context.Context {
	role := models.RoleViewer
	if id.Role != nil {
		role = *id.Role
	}
	ctx = rbac.SetUserContext(ctx, id.UserID, id.TenantID, role)
	ctx = logger.SetContextValue(ctx, logger.TenantIDKey, id.TenantID)
	ctx = logger.SetContextValue(ctx, logger.UserIDKey, id.UserID)
	return ctx
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"category":  "auth",
			"message":   message,
			"retryable": false,
		},
	})
}
