// Package datascope loads per-user data scopes and narrows queries on scoped
// relations to the rows the user may see.
package datascope

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/fabrikhq/decision-core/pkg/models"
)

// Schemas every tenant may query regardless of module enablement.
var baseSchemas = []string{"audit", "bi", "core"}

// Columns names the scoped columns of a target relation. Dimensions the
// relation does not carry are left empty and skipped.
type Columns struct {
	Factory   string
	Line      string
	Product   string
	Shift     string
	Equipment string
}

// DefaultColumns covers relations that follow the standard column naming.
var DefaultColumns = Columns{
	Factory:   "factory_code",
	Line:      "line_code",
	Product:   "product_family",
	Shift:     "shift_code",
	Equipment: "equipment_id",
}

// Service loads data scopes from user metadata.
type Service struct {
	db *sql.DB
}

// NewService creates a data scope service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Load returns the data scope for a user. Admins see everything. A user
// without a scope row gets an empty scope, which matches no rows.
func (s *Service) Load(ctx context.Context, userID string, role *models.Role) (*models.DataScope, error) {
	if role != nil && *role == models.RoleAdmin {
		return &models.DataScope{AllAccess: true}, nil
	}

	var scope models.DataScope
	err := s.db.QueryRowContext(ctx, `
		SELECT factory_codes, line_codes, product_families, shift_codes,
		       equipment_ids, all_access
		FROM user_scopes WHERE user_id = $1
	`, userID).Scan(
		pq.Array(&scope.FactoryCodes), pq.Array(&scope.LineCodes),
		pq.Array(&scope.ProductFamilies), pq.Array(&scope.ShiftCodes),
		pq.Array(&scope.EquipmentIDs), &scope.AllAccess,
	)
	if err == sql.ErrNoRows {
		return &models.DataScope{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scope for user %s: %w", userID, err)
	}
	return &scope, nil
}

// ActiveSchemas returns the schemas queries may touch for a tenant: the base
// set plus any module schemas enabled in tenant_modules.
func (s *Service) ActiveSchemas(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT schema_name FROM tenant_modules
		WHERE tenant_id = $1 AND enabled = TRUE
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list module schemas: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool, len(baseSchemas))
	schemas := make([]string, 0, len(baseSchemas))
	for _, base := range baseSchemas {
		seen[base] = true
		schemas = append(schemas, base)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan module schema: %w", err)
		}
		if !seen[name] {
			seen[name] = true
			schemas = append(schemas, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Strings(schemas)
	return schemas, nil
}

type scopeKey struct{}

// WithScope attaches a scope to the context for downstream executors.
func WithScope(ctx context.Context, scope *models.DataScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// FromContext returns the scope attached to the context, or nil.
func FromContext(ctx context.Context) *models.DataScope {
	scope, _ := ctx.Value(scopeKey{}).(*models.DataScope)
	return scope
}

// Builder accumulates WHERE conditions with positional placeholders. Seed it
// with the arguments the base query already binds so numbering continues
// from there.
type Builder struct {
	conds []string
	args  []any
}

// NewBuilder creates a builder whose next placeholder follows bound.
func NewBuilder(bound ...any) *Builder {
	return &Builder{args: bound}
}

// And appends one condition. Each %d verb in format receives the placeholder
// number of the corresponding argument.
func (b *Builder) And(format string, args ...any) *Builder {
	if len(args) == 0 {
		b.conds = append(b.conds, format)
		return b
	}
	positions := make([]any, len(args))
	for i := range args {
		positions[i] = len(b.args) + i + 1
	}
	b.conds = append(b.conds, fmt.Sprintf(format, positions...))
	b.args = append(b.args, args...)
	return b
}

// Where returns the accumulated conditions as " AND c1 AND c2 ...", or the
// empty string when nothing was appended.
func (b *Builder) Where() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " AND " + strings.Join(b.conds, " AND ")
}

// Args returns the full argument list, seed arguments first.
func (b *Builder) Args() []any {
	return b.args
}

// Apply appends the scope's restrictions to b for a relation whose scoped
// columns are named by cols. AllAccess appends nothing. A nil or empty scope
// appends FALSE so the query matches no rows rather than leaking them.
func Apply(b *Builder, scope *models.DataScope, cols Columns) {
	if scope == nil {
		b.And("FALSE")
		return
	}
	if scope.AllAccess {
		return
	}
	if scope.Empty() {
		b.And("FALSE")
		return
	}

	if cols.Factory != "" && len(scope.FactoryCodes) > 0 {
		b.And(cols.Factory+" = ANY($%d)", pq.Array(scope.FactoryCodes))
	}
	if cols.Line != "" && len(scope.LineCodes) > 0 {
		b.And(cols.Line+" = ANY($%d)", pq.Array(scope.LineCodes))
	}
	if cols.Product != "" && len(scope.ProductFamilies) > 0 {
		b.And(cols.Product+" = ANY($%d)", pq.Array(scope.ProductFamilies))
	}
	if cols.Shift != "" && len(scope.ShiftCodes) > 0 {
		b.And(cols.Shift+" = ANY($%d)", pq.Array(scope.ShiftCodes))
	}
	if cols.Equipment != "" && len(scope.EquipmentIDs) > 0 {
		b.And(cols.Equipment+" = ANY($%d)", pq.Array(scope.EquipmentIDs))
	}
}
