package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fabrikhq/decision-core/pkg/database"
	"github.com/fabrikhq/decision-core/pkg/models"
)

// ErrRulesetNotFound indicates the ruleset does not exist for the tenant.
var ErrRulesetNotFound = errors.New("ruleset not found")

// ErrVersionNotFound indicates the referenced version does not exist.
var ErrVersionNotFound = errors.New("ruleset version not found")

// RulesetRepo persists rulesets and their versions.
type RulesetRepo struct {
	db *database.DB
}

// NewRulesetRepo creates a ruleset repository.
func NewRulesetRepo(db *database.DB) *RulesetRepo {
	return &RulesetRepo{db: db}
}

const rulesetColumns = `id, tenant_id, name, description, category, status,
	active_version, trust_level, trust_score, execution_count,
	positive_feedback, negative_feedback, accuracy_rate,
	cache_ttl_seconds, last_execution_at, created_by, created_at,
	updated_at`

func scanRuleset(row pgx.Row) (*models.Ruleset, error) {
	var rs models.Ruleset
	err := row.Scan(&rs.ID, &rs.TenantID, &rs.Name, &rs.Description,
		&rs.Category, &rs.Status, &rs.ActiveVersion, &rs.TrustLevel,
		&rs.TrustScore, &rs.ExecutionCount, &rs.PositiveFeedback,
		&rs.NegativeFeedback, &rs.AccuracyRate, &rs.CacheTTLSeconds,
		&rs.LastExecutionAt, &rs.CreatedBy, &rs.CreatedAt, &rs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// Get loads one ruleset scoped to a tenant.
func (r *RulesetRepo) Get(ctx context.Context, tenantID string, id uuid.UUID) (*models.Ruleset, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+rulesetColumns+` FROM rulesets WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	rs, err := scanRuleset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRulesetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ruleset: %w", err)
	}
	return rs, nil
}

// List returns a filtered, paginated ruleset page.
func (r *RulesetRepo) List(ctx context.Context, tenantID string, filter models.RulesetFilter, page, pageSize int) (*models.RulesetListResponse, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.TrustLevel != nil {
		args = append(args, int(*filter.TrustLevel))
		where = append(where, fmt.Sprintf("trust_level = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		where = append(where, fmt.Sprintf("(name ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM rulesets WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count rulesets: %w", err)
	}

	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := r.db.Query(ctx,
		`SELECT `+rulesetColumns+` FROM rulesets WHERE `+cond+
			fmt.Sprintf(` ORDER BY updated_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rulesets: %w", err)
	}
	defer rows.Close()

	out := make([]models.Ruleset, 0, pageSize)
	for rows.Next() {
		rs, err := scanRuleset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ruleset: %w", err)
		}
		out = append(out, *rs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	totalPages := (total + pageSize - 1) / pageSize
	return &models.RulesetListResponse{
		Rulesets:   out,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

// Create inserts a ruleset and its first version in one transaction.
func (r *RulesetRepo) Create(ctx context.Context, rs *models.Ruleset, script, changelog string) (*models.RulesetVersion, error) {
	version := &models.RulesetVersion{
		ID:        uuid.New(),
		RulesetID: rs.ID,
		Version:   1,
		Script:    script,
		Changelog: changelog,
		Status:    models.VersionStatusPublished,
		CreatedBy: rs.CreatedBy,
		CreatedAt: rs.CreatedAt,
	}
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO rulesets (
				id, tenant_id, name, description, category, status,
				active_version, trust_level, trust_score, cache_ttl_seconds,
				created_by, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		`, rs.ID, rs.TenantID, rs.Name, rs.Description, rs.Category,
			string(rs.Status), rs.ActiveVersion, int(rs.TrustLevel),
			rs.TrustScore, rs.CacheTTLSeconds, rs.CreatedBy, rs.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert ruleset: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO ruleset_versions (
				id, ruleset_id, version, script, changelog, status,
				initial_trust_level, created_by, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, version.ID, version.RulesetID, version.Version, version.Script,
			version.Changelog, string(version.Status),
			int(version.InitialTrustLevel), version.CreatedBy, version.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert first version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// UpdateParams are the patchable ruleset fields.
type UpdateParams struct {
	Name            *string
	Description     *string
	Category        *string
	Status          *models.RulesetStatus
	CacheTTLSeconds *int
}

// Update patches ruleset metadata and returns the updated row.
func (r *RulesetRepo) Update(ctx context.Context, tenantID string, id uuid.UUID, p UpdateParams) (*models.Ruleset, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{id, tenantID}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.Category != nil {
		add("category", *p.Category)
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.CacheTTLSeconds != nil {
		add("cache_ttl_seconds", *p.CacheTTLSeconds)
	}

	err := r.db.Exec(ctx,
		`UPDATE rulesets SET `+strings.Join(sets, ", ")+` WHERE id = $1 AND tenant_id = $2`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update ruleset: %w", err)
	}
	return r.Get(ctx, tenantID, id)
}

// Archive soft-deletes a ruleset. Execution history is retained.
func (r *RulesetRepo) Archive(ctx context.Context, tenantID string, id uuid.UUID) error {
	if _, err := r.Get(ctx, tenantID, id); err != nil {
		return err
	}
	return r.db.Exec(ctx, `
		UPDATE rulesets SET status = 'archived', updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
}

// CreateVersion appends the next version of a ruleset's script.
func (r *RulesetRepo) CreateVersion(ctx context.Context, tenantID string, rulesetID uuid.UUID, script, changelog, createdBy string) (*models.RulesetVersion, error) {
	var version *models.RulesetVersion
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM rulesets WHERE id = $1 AND tenant_id = $2)
		`, rulesetID, tenantID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrRulesetNotFound
		}

		v := &models.RulesetVersion{
			ID:        uuid.New(),
			RulesetID: rulesetID,
			Script:    script,
			Changelog: changelog,
			Status:    models.VersionStatusPublished,
			CreatedBy: createdBy,
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO ruleset_versions (
				id, ruleset_id, version, script, changelog, status,
				created_by, created_at
			)
			SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4, $5, $6, NOW()
			FROM ruleset_versions WHERE ruleset_id = $2
			RETURNING version, created_at
		`, v.ID, rulesetID, script, changelog, string(v.Status), createdBy).
			Scan(&v.Version, &v.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert version: %w", err)
		}
		version = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// ListVersions returns a ruleset's versions, newest first.
func (r *RulesetRepo) ListVersions(ctx context.Context, tenantID string, rulesetID uuid.UUID) ([]models.RulesetVersion, error) {
	rows, err := r.db.Query(ctx, `
		SELECT v.id, v.ruleset_id, v.version, v.script,
		       COALESCE(v.changelog, ''), v.status,
		       v.initial_trust_level, COALESCE(v.created_by, ''), v.created_at
		FROM ruleset_versions v
		JOIN rulesets r ON r.id = v.ruleset_id
		WHERE v.ruleset_id = $1 AND r.tenant_id = $2
		ORDER BY v.version DESC
	`, rulesetID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var out []models.RulesetVersion
	for rows.Next() {
		var v models.RulesetVersion
		if err := rows.Scan(&v.ID, &v.RulesetID, &v.Version, &v.Script,
			&v.Changelog, &v.Status, &v.InitialTrustLevel, &v.CreatedBy,
			&v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
