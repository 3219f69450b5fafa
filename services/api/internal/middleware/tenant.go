package middleware

import (
	"net/http"

	"github.com/fabrikhq/decision-core/pkg/datascope"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/rbac"
)

// Tenant returns middleware that loads the caller's data scope and
// attaches it to the request context. Runs after Auth. A missing scope
// row is not an error; the loader returns the empty (no rows) scope.
func Tenant(scopes *datascope.Service, log *logger.Logger) func(next http.Handler) http.Handler {
	scopeLog := log.WithComponent("tenant")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			userID := rbac.GetUserIDFromContext(ctx)
			if userID == "" {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			scope, err := scopes.Load(ctx, userID, rbac.GetRoleFromContext(ctx))
			if err != nil {
				scopeLog.Error("failed to load data scope", "error", err, "user_id", userID)
				writeAuthError(w, http.StatusInternalServerError, "could not resolve data scope")
				return
			}

			ctx = rbac.SetScopeContext(ctx, scope)
			ctx = datascope.WithScope(ctx, scope)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
