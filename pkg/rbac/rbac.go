// Package rbac provides the intent permission matrix for the decision core.
// Five totally ordered roles gate the bounded intent set; the matrix is
// compiled in and identical for every tenant.
package rbac

import (
	"fmt"

	"github.com/fabrikhq/decision-core/pkg/models"
)

// requiredRoles maps each intent to the minimum role allowed to run it.
// Intents missing from the map require admin.
var requiredRoles = map[models.Intent]models.Role{
	models.IntentCheck:         models.RoleViewer,
	models.IntentTrend:         models.RoleViewer,
	models.IntentCompare:       models.RoleViewer,
	models.IntentRank:          models.RoleViewer,
	models.IntentContinue:      models.RoleViewer,
	models.IntentClarify:       models.RoleViewer,
	models.IntentStop:          models.RoleViewer,
	models.IntentReport:        models.RoleUser,
	models.IntentFindCause:     models.RoleUser,
	models.IntentDetectAnomaly: models.RoleUser,
	models.IntentPredict:       models.RoleOperator,
	models.IntentWhatIf:        models.RoleOperator,
	models.IntentNotify:        models.RoleOperator,
	models.IntentSystem:        models.RoleAdmin,
}

// PermissionCheck is the result of one matrix lookup.
type PermissionCheck struct {
	Allowed      bool        `json:"allowed"`
	Skipped      bool        `json:"skipped,omitempty"` // nil role, internal caller
	RequiredRole models.Role `json:"required_role,omitempty"`
	UserRole     models.Role `json:"user_role,omitempty"`
}

// Matrix answers role-versus-intent permission questions.
type Matrix struct{}

// NewMatrix returns the compiled permission matrix.
func NewMatrix() *Matrix {
	return &Matrix{}
}

// RequiredRole returns the minimum role for an intent. Unknown intents
// require admin.
func (m *Matrix) RequiredRole(intent models.Intent) models.Role {
	if role, ok := requiredRoles[intent]; ok {
		return role
	}
	return models.RoleAdmin
}

// Allowed reports whether role may run intent.
func (m *Matrix) Allowed(role models.Role, intent models.Intent) bool {
	return role.AtLeast(m.RequiredRole(intent))
}

// Check evaluates the matrix for one request. A nil role identifies an
// unauthenticated internal caller (background scheduler) and skips the
// check; end-user requests always carry a role.
func (m *Matrix) Check(role *models.Role, intent models.Intent) *PermissionCheck {
	if role == nil {
		return &PermissionCheck{Allowed: true, Skipped: true}
	}

	required := m.RequiredRole(intent)
	return &PermissionCheck{
		Allowed:      role.AtLeast(required),
		RequiredRole: required,
		UserRole:     *role,
	}
}

// Require returns a PermissionDeniedError when role may not run intent.
func (m *Matrix) Require(role *models.Role, intent models.Intent) error {
	check := m.Check(role, intent)
	if check.Allowed {
		return nil
	}
	return &PermissionDeniedError{
		Intent:       intent,
		RequiredRole: check.RequiredRole,
		UserRole:     check.UserRole,
	}
}

// PermissionDeniedError represents a permission denied error.
type PermissionDeniedError struct {
	Intent       models.Intent
	RequiredRole models.Role
	UserRole     models.Role
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: intent %s requires role %s, caller has %s",
		e.Intent, e.RequiredRole, e.UserRole)
}

// IsPermissionDenied checks if an error is a permission denied error.
func IsPermissionDenied(err error) bool {
	_, ok := err.(*PermissionDeniedError)
	return ok
}
