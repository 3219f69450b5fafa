// Package repository provides pgx-backed persistence for the API
// service: judgment executions, rulesets and their versions.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fabrikhq/decision-core/pkg/database"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/services/api/internal/judgment"
)

// JudgmentRepo is the judgment engine's persistence surface.
type JudgmentRepo struct {
	db *database.DB
}

// NewJudgmentRepo creates a judgment repository.
func NewJudgmentRepo(db *database.DB) *JudgmentRepo {
	return &JudgmentRepo{db: db}
}

var _ judgment.Store = (*JudgmentRepo)(nil)

// GetRuleset loads one ruleset scoped to a tenant.
func (r *JudgmentRepo) GetRuleset(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, name, description, category, status,
		       active_version, trust_level, trust_score, execution_count,
		       positive_feedback, negative_feedback, accuracy_rate,
		       cache_ttl_seconds, last_execution_at, created_by,
		       created_at, updated_at
		FROM rulesets
		WHERE id = $1 AND tenant_id = $2
	`, rulesetID, tenantID)

	rs, err := scanRuleset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, judgment.ErrRulesetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ruleset: %w", err)
	}
	return rs, nil
}

// GetVersionScript returns the script body of one ruleset version.
func (r *JudgmentRepo) GetVersionScript(ctx context.Context, rulesetID uuid.UUID, version int) (string, error) {
	var script string
	err := r.db.QueryRow(ctx, `
		SELECT script FROM ruleset_versions
		WHERE ruleset_id = $1 AND version = $2
	`, rulesetID, version).Scan(&script)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", judgment.ErrVersionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load version script: %w", err)
	}
	return script, nil
}

// CurrentCanary returns the canary deployment for a ruleset, or nil.
func (r *JudgmentRepo) CurrentCanary(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Deployment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, ruleset_id, status, target_version,
		       previous_version, canary_traffic_percentage
		FROM deployments
		WHERE ruleset_id = $1 AND tenant_id = $2 AND status = 'canary'
	`, rulesetID, tenantID)

	var d models.Deployment
	err := row.Scan(&d.ID, &d.TenantID, &d.RulesetID, &d.Status,
		&d.TargetVersion, &d.PreviousVersion, &d.CanaryTrafficPercentage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load canary deployment: %w", err)
	}
	return &d, nil
}

// MatrixEntry returns the decision matrix row for a trust/risk pair, or
// nil when the tenant has no entry for it.
func (r *JudgmentRepo) MatrixEntry(ctx context.Context, tenantID string, level models.TrustLevel, risk models.RiskLevel) (*models.DecisionMatrixEntry, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, trust_level, risk_level, decision,
		       min_trust_score, max_consecutive_failures, cooldown_seconds
		FROM decision_matrix
		WHERE tenant_id = $1 AND trust_level = $2 AND risk_level = $3
	`, tenantID, int(level), string(risk))

	var e models.DecisionMatrixEntry
	err := row.Scan(&e.ID, &e.TenantID, &e.TrustLevel, &e.RiskLevel,
		&e.Decision, &e.MinTrustScore, &e.MaxConsecutiveFailures, &e.CooldownSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load decision matrix entry: %w", err)
	}
	return &e, nil
}

// RiskDefinitions returns all action risk definitions for a tenant.
func (r *JudgmentRepo) RiskDefinitions(ctx context.Context, tenantID string) ([]models.ActionRiskDefinition, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, action_type, risk_level, reversible,
		       affects_production, affects_finance, affects_compliance, priority
		FROM action_risk_definitions
		WHERE tenant_id = $1
		ORDER BY priority DESC, action_type
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk definitions: %w", err)
	}
	defer rows.Close()

	var defs []models.ActionRiskDefinition
	for rows.Next() {
		var d models.ActionRiskDefinition
		if err := rows.Scan(&d.ID, &d.TenantID, &d.ActionType, &d.RiskLevel,
			&d.Reversible, &d.AffectsProduction, &d.AffectsFinance,
			&d.AffectsCompliance, &d.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan risk definition: %w", err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// InsertExecution appends one judgment execution row.
func (r *JudgmentRepo) InsertExecution(ctx context.Context, ex *models.JudgmentExecution) error {
	return r.db.Exec(ctx, `
		INSERT INTO judgment_executions (
			id, tenant_id, ruleset_id, ruleset_version, input_data, result,
			confidence, method_used, trust_level_at_time, risk_level,
			decision, auto_executed, success, error_message, latency_ms,
			execution_metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, ex.ID, ex.TenantID, ex.RulesetID, ex.RulesetVersion, ex.InputData,
		ex.Result, ex.Confidence, string(ex.MethodUsed), int(ex.TrustLevelAtTime),
		string(ex.RiskLevel), string(ex.Decision), ex.AutoExecuted, ex.Success,
		nullable(ex.ErrorMessage), ex.LatencyMS, ex.Metadata, ex.CreatedAt)
}

// GetExecution loads one judgment execution scoped to a tenant.
func (r *JudgmentRepo) GetExecution(ctx context.Context, tenantID string, executionID uuid.UUID) (*models.JudgmentExecution, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, ruleset_id, ruleset_version, input_data,
		       result, confidence, method_used, trust_level_at_time,
		       risk_level, decision, auto_executed, success,
		       COALESCE(error_message, ''), latency_ms, execution_metadata,
		       created_at
		FROM judgment_executions
		WHERE id = $1 AND tenant_id = $2
	`, executionID, tenantID)

	var ex models.JudgmentExecution
	err := row.Scan(&ex.ID, &ex.TenantID, &ex.RulesetID, &ex.RulesetVersion,
		&ex.InputData, &ex.Result, &ex.Confidence, &ex.MethodUsed,
		&ex.TrustLevelAtTime, &ex.RiskLevel, &ex.Decision, &ex.AutoExecuted,
		&ex.Success, &ex.ErrorMessage, &ex.LatencyMS, &ex.Metadata, &ex.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, judgment.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return &ex, nil
}

// InsertAutoExecutionLog appends one decision-effect record.
func (r *JudgmentRepo) InsertAutoExecutionLog(ctx context.Context, entry *models.AutoExecutionLog) error {
	return r.db.Exec(ctx, `
		INSERT INTO auto_execution_logs (
			id, tenant_id, execution_id, ruleset_id, decision,
			execution_status, action_type, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.TenantID, entry.ExecutionID, entry.RulesetID,
		string(entry.Decision), string(entry.ExecutionStatus),
		nullable(entry.ActionType), entry.CreatedAt)
}

// BumpExecutionCounters advances the ruleset's trust counters after a
// successful judgment.
func (r *JudgmentRepo) BumpExecutionCounters(ctx context.Context, tenantID string, rulesetID uuid.UUID, at time.Time) error {
	return r.db.Exec(ctx, `
		UPDATE rulesets
		SET execution_count = execution_count + 1,
		    last_execution_at = $3,
		    updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
	`, rulesetID, tenantID, at)
}

// FailureStreak returns the length of the trailing run of failed
// executions for a ruleset.
func (r *JudgmentRepo) FailureStreak(ctx context.Context, tenantID string, rulesetID uuid.UUID) (int, error) {
	// Count failures after the last success; with no success yet, every
	// execution counts.
	var streak int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM judgment_executions
		WHERE tenant_id = $1 AND ruleset_id = $2 AND NOT success
		  AND created_at > COALESCE((
			SELECT MAX(created_at) FROM judgment_executions
			WHERE tenant_id = $1 AND ruleset_id = $2 AND success
		  ), '-infinity'::timestamptz)
	`, tenantID, rulesetID).Scan(&streak)
	if err != nil {
		return 0, fmt.Errorf("failed to compute failure streak: %w", err)
	}
	return streak, nil
}

// LastAutoExecutionAt returns when the ruleset last auto-executed, or nil.
func (r *JudgmentRepo) LastAutoExecutionAt(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*time.Time, error) {
	var last *time.Time
	err := r.db.QueryRow(ctx, `
		SELECT MAX(created_at) FROM auto_execution_logs
		WHERE tenant_id = $1 AND ruleset_id = $2 AND decision = 'auto_execute'
	`, tenantID, rulesetID).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to load last auto-execution: %w", err)
	}
	return last, nil
}

// ListExecutions returns recent executions for a ruleset, newest first.
func (r *JudgmentRepo) ListExecutions(ctx context.Context, tenantID string, rulesetID uuid.UUID, limit int) ([]models.JudgmentExecution, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, ruleset_id, ruleset_version, input_data,
		       result, confidence, method_used, trust_level_at_time,
		       risk_level, decision, auto_executed, success,
		       COALESCE(error_message, ''), latency_ms, execution_metadata,
		       created_at
		FROM judgment_executions
		WHERE tenant_id = $1 AND ruleset_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, tenantID, rulesetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []models.JudgmentExecution
	for rows.Next() {
		var ex models.JudgmentExecution
		if err := rows.Scan(&ex.ID, &ex.TenantID, &ex.RulesetID, &ex.RulesetVersion,
			&ex.InputData, &ex.Result, &ex.Confidence, &ex.MethodUsed,
			&ex.TrustLevelAtTime, &ex.RiskLevel, &ex.Decision, &ex.AutoExecuted,
			&ex.Success, &ex.ErrorMessage, &ex.LatencyMS, &ex.Metadata, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
