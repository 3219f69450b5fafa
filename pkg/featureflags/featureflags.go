// Package featureflags resolves tenant overrides and percentage rollout for gated features.
package featureflags

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Feature names honored by the judgment and deployment paths.
const (
	FlagAutoExecution    = "auto_execution"
	FlagProgressiveTrust = "progressive_trust"
	FlagCanaryDeployment = "canary_deployment"
	FlagHybridJudgment   = "hybrid_judgment"
)

// Flag is one rollout entry. TenantID is nil for global entries.
type Flag struct {
	ID                uuid.UUID `json:"id" db:"id"`
	FeatureName       string    `json:"feature_name" db:"feature_name"`
	TenantID          *string   `json:"tenant_id,omitempty" db:"tenant_id"`
	Enabled           bool      `json:"enabled" db:"enabled"`
	RolloutPercentage int       `json:"rollout_percentage" db:"rollout_percentage"`
	Description       string    `json:"description,omitempty" db:"description"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Service resolves and manages feature flags.
type Service struct {
	db *sql.DB
}

// NewService creates a feature flag service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// IsEnabled resolves a feature for a tenant. Precedence: tenant override,
// then global override, then percentage rollout bucketed on the tenant ID.
// A feature with no entry at all is off.
func (s *Service) IsEnabled(ctx context.Context, tenantID, feature string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, enabled, rollout_percentage
		FROM feature_flags
		WHERE feature_name = $1 AND (tenant_id = $2 OR tenant_id IS NULL)
		ORDER BY tenant_id NULLS LAST
	`, feature, tenantID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve flag %s: %w", feature, err)
	}
	defer rows.Close()

	// The tenant row, when present, sorts first.
	if !rows.Next() {
		return false, rows.Err()
	}

	var rowTenant sql.NullString
	var enabled bool
	var rollout int
	if err := rows.Scan(&rowTenant, &enabled, &rollout); err != nil {
		return false, fmt.Errorf("failed to scan flag %s: %w", feature, err)
	}
	if rowTenant.Valid {
		return enabled, nil
	}
	if enabled {
		return true, nil
	}
	return bucket(tenantID, feature) < rollout, nil
}

// Enable turns a feature on. An empty tenantID targets the global entry.
func (s *Service) Enable(ctx context.Context, tenantID, feature string) error {
	return s.setEnabled(ctx, tenantID, feature, true)
}

// Disable turns a feature off. An empty tenantID targets the global entry.
// A disabled global entry still honors its rollout percentage; use
// SetRollout(feature, 0) to stop a rollout entirely.
func (s *Service) Disable(ctx context.Context, tenantID, feature string) error {
	return s.setEnabled(ctx, tenantID, feature, false)
}

func (s *Service) setEnabled(ctx context.Context, tenantID, feature string, enabled bool) error {
	var err error
	if tenantID == "" {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO feature_flags (id, feature_name, tenant_id, enabled)
			VALUES ($1, $2, NULL, $3)
			ON CONFLICT (feature_name) WHERE tenant_id IS NULL DO UPDATE SET
				enabled = EXCLUDED.enabled,
				updated_at = NOW()
		`, uuid.New(), feature, enabled)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO feature_flags (id, feature_name, tenant_id, enabled)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (feature_name, tenant_id) DO UPDATE SET
				enabled = EXCLUDED.enabled,
				updated_at = NOW()
		`, uuid.New(), feature, tenantID, enabled)
	}
	if err != nil {
		return fmt.Errorf("failed to set flag %s: %w", feature, err)
	}
	return nil
}

// SetRollout sets the global percentage rollout for a feature. Tenants whose
// rollout bucket falls below the percentage see the feature; raising the
// percentage only ever adds tenants because buckets are stable.
func (s *Service) SetRollout(ctx context.Context, feature string, percentage int) error {
	if percentage < 0 || percentage > 100 {
		return fmt.Errorf("rollout percentage must be between 0 and 100, got %d", percentage)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feature_flags (id, feature_name, tenant_id, enabled, rollout_percentage)
		VALUES ($1, $2, NULL, FALSE, $3)
		ON CONFLICT (feature_name) WHERE tenant_id IS NULL DO UPDATE SET
			rollout_percentage = EXCLUDED.rollout_percentage,
			updated_at = NOW()
	`, uuid.New(), feature, percentage)
	if err != nil {
		return fmt.Errorf("failed to set rollout for flag %s: %w", feature, err)
	}
	return nil
}

// List returns the flag entries visible to a tenant: its own overrides plus
// the global entries.
func (s *Service) List(ctx context.Context, tenantID string) ([]Flag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, feature_name, tenant_id, enabled, rollout_percentage,
		       COALESCE(description, ''), created_at, updated_at
		FROM feature_flags
		WHERE tenant_id = $1 OR tenant_id IS NULL
		ORDER BY feature_name, tenant_id NULLS LAST
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	defer rows.Close()

	var flags []Flag
	for rows.Next() {
		var f Flag
		var rowTenant sql.NullString
		err := rows.Scan(
			&f.ID, &f.FeatureName, &rowTenant, &f.Enabled, &f.RolloutPercentage,
			&f.Description, &f.CreatedAt, &f.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flag: %w", err)
		}
		if rowTenant.Valid {
			f.TenantID = &rowTenant.String
		}
		flags = append(flags, f)
	}

	return flags, rows.Err()
}

// Get returns a single flag entry, or nil when none exists. An empty tenantID
// targets the global entry.
func (s *Service) Get(ctx context.Context, tenantID, feature string) (*Flag, error) {
	var f Flag
	var rowTenant sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, feature_name, tenant_id, enabled, rollout_percentage,
		       COALESCE(description, ''), created_at, updated_at
		FROM feature_flags
		WHERE feature_name = $1 AND tenant_id IS NOT DISTINCT FROM NULLIF($2, '')
	`, feature, tenantID).Scan(
		&f.ID, &f.FeatureName, &rowTenant, &f.Enabled, &f.RolloutPercentage,
		&f.Description, &f.CreatedAt, &f.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flag %s: %w", feature, err)
	}
	if rowTenant.Valid {
		f.TenantID = &rowTenant.String
	}
	return &f, nil
}

// bucket maps a tenant into a stable 0-99 rollout slot. The digest of
// tenantID||feature is read big-endian so the same tenant lands in the same
// slot on every node.
func bucket(tenantID, feature string) int {
	sum := md5.Sum([]byte(tenantID + feature))
	return int(binary.BigEndian.Uint64(sum[:8]) % 100)
}
