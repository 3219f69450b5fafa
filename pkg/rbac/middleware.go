package rbac

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fabrikhq/decision-core/pkg/models"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// ContextKeyUserID is the context key for the user ID.
	ContextKeyUserID ContextKey = "user_id"
	// ContextKeyTenantID is the context key for the tenant ID.
	ContextKeyTenantID ContextKey = "tenant_id"
	// ContextKeyRole is the context key for the caller role.
	ContextKeyRole ContextKey = "role"
	// ContextKeyScope is the context key for the caller data scope.
	ContextKeyScope ContextKey = "data_scope"
)

// SetUserContext sets the caller identity in context.
func SetUserContext(ctx context.Context, userID, tenantID string, role models.Role) context.Context {
	ctx = context.WithValue(ctx, ContextKeyUserID, userID)
	ctx = context.WithValue(ctx, ContextKeyTenantID, tenantID)
	ctx = context.WithValue(ctx, ContextKeyRole, role)
	return ctx
}

// GetUserIDFromContext returns the user ID from context.
func GetUserIDFromContext(ctx context.Context) string {
	if v := ctx.Value(ContextKeyUserID); v != nil {
		if userID, ok := v.(string); ok {
			return userID
		}
	}
	return ""
}

// GetTenantIDFromContext returns the tenant ID from context.
func GetTenantIDFromContext(ctx context.Context) string {
	if v := ctx.Value(ContextKeyTenantID); v != nil {
		if tenantID, ok := v.(string); ok {
			return tenantID
		}
	}
	return ""
}

// GetRoleFromContext returns the caller role from context, or nil when no
// authenticated user is attached (internal caller).
func GetRoleFromContext(ctx context.Context) *models.Role {
	if v := ctx.Value(ContextKeyRole); v != nil {
		if role, ok := v.(models.Role); ok {
			return &role
		}
	}
	return nil
}

// SetScopeContext attaches the caller's data scope to context.
func SetScopeContext(ctx context.Context, scope *models.DataScope) context.Context {
	return context.WithValue(ctx, ContextKeyScope, scope)
}

// GetScopeFromContext returns the caller's data scope from context.
func GetScopeFromContext(ctx context.Context) *models.DataScope {
	if v := ctx.Value(ContextKeyScope); v != nil {
		if scope, ok := v.(*models.DataScope); ok {
			return scope
		}
	}
	return nil
}

// RequireRole returns middleware that rejects callers below the minimum
// role with a permission error envelope.
func RequireRole(minRole models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := GetRoleFromContext(r.Context())
			if role == nil {
				writeDenied(w, http.StatusUnauthorized, "auth", "authentication required", false)
				return
			}

			if !role.AtLeast(minRole) {
				writeDenied(w, http.StatusForbidden, "permission", "insufficient role", false)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeDenied(w http.ResponseWriter, status int, category, message string, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"category":  category,
			"message":   message,
			"retryable": retryable,
		},
	})
}
