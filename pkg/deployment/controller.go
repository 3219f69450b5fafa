// Package deployment implements the deployment lifecycle: draft → canary →
// active → deprecated, with rolled_back as the failure exit. Transitions on
// one deployment serialize on a row-level lock; compensation for judgments
// made on a rolled-back canary runs according to the deployment's declared
// strategy.
package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fabrikhq/decision-core/pkg/audit"
	"github.com/fabrikhq/decision-core/pkg/cache"
	"github.com/fabrikhq/decision-core/pkg/canary"
	"github.com/fabrikhq/decision-core/pkg/database"
	"github.com/fabrikhq/decision-core/pkg/kafka"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/pkg/notify"
	"github.com/fabrikhq/decision-core/pkg/telemetry"
)

var (
	// ErrNotFound indicates the deployment does not exist for the tenant.
	ErrNotFound = errors.New("deployment not found")
	// ErrRulesetNotFound indicates the target ruleset does not exist.
	ErrRulesetNotFound = errors.New("ruleset not found")
	// ErrConflict indicates another deployment already holds the
	// canary or active slot for the ruleset.
	ErrConflict = errors.New("conflicting deployment exists for ruleset")
	// ErrInvalidTransition indicates the deployment is not in a state
	// the requested operation accepts.
	ErrInvalidTransition = errors.New("invalid deployment state for transition")
	// ErrInvalidTraffic indicates a traffic percentage outside 0..100.
	ErrInvalidTraffic = errors.New("traffic percentage must be between 0 and 100")
	// ErrInvalidVersion indicates the target version does not exist or
	// equals the currently active version.
	ErrInvalidVersion = errors.New("invalid target version")
)

// Controller owns deployment state transitions and their side effects.
type Controller struct {
	db       *database.DB
	assigner *canary.Assigner
	agg      *canary.Aggregator
	cache    cache.Store
	auditor  *audit.Logger
	producer *kafka.Producer
	notifier *notify.Notifier
	metrics  *telemetry.Metrics
	log      *logger.Logger
}

// NewController assembles a controller. The producer and notifier may be
// nil; transitions then skip the corresponding announcements.
func NewController(
	db *database.DB,
	assigner *canary.Assigner,
	agg *canary.Aggregator,
	store cache.Store,
	auditor *audit.Logger,
	producer *kafka.Producer,
	notifier *notify.Notifier,
	metrics *telemetry.Metrics,
	log *logger.Logger,
) *Controller {
	return &Controller{
		db:       db,
		assigner: assigner,
		agg:      agg,
		cache:    store,
		auditor:  auditor,
		producer: producer,
		notifier: notifier,
		metrics:  metrics,
		log:      log.WithComponent("deployment"),
	}
}

// CreateParams are the caller-supplied fields for a new draft deployment.
type CreateParams struct {
	RulesetID            uuid.UUID                   `json:"ruleset_id"`
	TargetVersion        int                         `json:"target_version"`
	CanaryConfig         models.CanaryConfig         `json:"canary_config"`
	CompensationStrategy models.CompensationStrategy `json:"compensation_strategy"`
	CreatedBy            string                      `json:"created_by"`
}

// Create inserts a draft deployment targeting a published ruleset version.
// The previous version is captured from the ruleset's active version at
// creation time so rollback has a fixed restore point.
func (c *Controller) Create(ctx context.Context, tenantID string, params CreateParams) (*models.Deployment, error) {
	var activeVersion int
	err := c.db.QueryRow(ctx, `
		SELECT active_version FROM rulesets WHERE id = $1 AND tenant_id = $2
	`, params.RulesetID, tenantID).Scan(&activeVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRulesetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ruleset: %w", err)
	}

	if params.TargetVersion <= 0 || params.TargetVersion == activeVersion {
		return nil, ErrInvalidVersion
	}

	var versionExists bool
	err = c.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ruleset_versions
			WHERE ruleset_id = $1 AND version = $2
		)
	`, params.RulesetID, params.TargetVersion).Scan(&versionExists)
	if err != nil {
		return nil, fmt.Errorf("failed to check target version: %w", err)
	}
	if !versionExists {
		return nil, ErrInvalidVersion
	}

	strategy := params.CompensationStrategy
	if strategy == "" {
		strategy = models.CompensationIgnore
	}

	now := time.Now().UTC()
	d := &models.Deployment{
		ID:                   uuid.New(),
		TenantID:             tenantID,
		RulesetID:            params.RulesetID,
		Status:               models.DeploymentStatusDraft,
		TargetVersion:        params.TargetVersion,
		PreviousVersion:      activeVersion,
		CanaryConfig:         params.CanaryConfig,
		CompensationStrategy: strategy,
		CreatedBy:            params.CreatedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	cfgJSON, err := json.Marshal(d.CanaryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canary config: %w", err)
	}

	err = c.db.Exec(ctx, `
		INSERT INTO deployments (
			id, tenant_id, ruleset_id, status, target_version,
			previous_version, canary_config, compensation_strategy,
			canary_traffic_percentage, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, d.ID, d.TenantID, d.RulesetID, string(d.Status), d.TargetVersion,
		d.PreviousVersion, cfgJSON, string(d.CompensationStrategy),
		d.CanaryTrafficPercentage, d.CreatedBy, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert deployment: %w", err)
	}

	c.auditAction(ctx, tenantID, params.CreatedBy, audit.ActionDeploymentCreate, d.ID)
	c.log.Info("deployment created",
		"deployment_id", d.ID, "ruleset_id", d.RulesetID,
		"target_version", d.TargetVersion)
	return d, nil
}

// Get returns one deployment.
func (c *Controller) Get(ctx context.Context, tenantID string, id uuid.UUID) (*models.Deployment, error) {
	return c.load(ctx, c.db.Pool, tenantID, id, false)
}

// List returns the tenant's deployments, newest first, optionally filtered
// by ruleset and status.
func (c *Controller) List(ctx context.Context, tenantID string, rulesetID *uuid.UUID, status models.DeploymentStatus, limit int) ([]models.Deployment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, tenant_id, ruleset_id, status, target_version,
		       previous_version, canary_config, compensation_strategy,
		       canary_traffic_percentage, started_at, promoted_at,
		       rolled_back_at, rollback_reason, created_by, created_at,
		       updated_at
		FROM deployments
		WHERE tenant_id = $1`
	args := []any{tenantID}
	if rulesetID != nil {
		args = append(args, *rulesetID)
		query += fmt.Sprintf(" AND ruleset_id = $%d", len(args))
	}
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var out []models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// StartCanary moves a draft deployment into canary at the given initial
// traffic percentage. At most one deployment per ruleset may hold the
// canary or active slot; the ruleset's deployment rows are locked for the
// duration of the check so two concurrent starts cannot both pass it.
func (c *Controller) StartCanary(ctx context.Context, tenantID string, id uuid.UUID, initialPct int, actor string) (*models.Deployment, error) {
	if initialPct < 0 || initialPct > 100 {
		return nil, ErrInvalidTraffic
	}

	var d *models.Deployment
	now := time.Now().UTC()

	err := c.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		d, err = c.load(ctx, tx, tenantID, id, true)
		if err != nil {
			return err
		}
		if d.Status != models.DeploymentStatusDraft {
			return ErrInvalidTransition
		}

		var conflicting int
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM (
				SELECT id FROM deployments
				WHERE ruleset_id = $1 AND tenant_id = $2
				  AND id <> $3 AND status IN ('canary', 'active')
				FOR UPDATE
			) held
		`, d.RulesetID, tenantID, d.ID).Scan(&conflicting)
		if err != nil {
			return fmt.Errorf("failed to check deployment slot: %w", err)
		}
		if conflicting > 0 {
			return ErrConflict
		}

		_, err = tx.Exec(ctx, `
			UPDATE deployments SET
				status = $1, canary_traffic_percentage = $2,
				started_at = $3, updated_at = $3
			WHERE id = $4
		`, string(models.DeploymentStatusCanary), initialPct, now, d.ID)
		if err != nil {
			return fmt.Errorf("failed to start canary: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	prev := d.Status
	d.Status = models.DeploymentStatusCanary
	d.CanaryTrafficPercentage = initialPct
	d.StartedAt = &now
	d.UpdatedAt = now

	c.afterTransition(ctx, d, prev, "", actor)
	c.auditAction(ctx, tenantID, actor, audit.ActionDeploymentStartCanary, d.ID)
	if c.notifier != nil {
		name := c.rulesetName(ctx, tenantID, d.RulesetID)
		if err := c.notifier.NotifyCanaryStarted(ctx, tenantID, d.ID.String(), name, d.TargetVersion, initialPct); err != nil {
			c.log.Error("failed to send canary start notification", "error", err, "deployment_id", d.ID)
		}
	}
	return d, nil
}

// SetTraffic adjusts the canary traffic percentage. Existing assignments
// stay sticky; only unassigned identifiers see the new split.
func (c *Controller) SetTraffic(ctx context.Context, tenantID string, id uuid.UUID, pct int, actor string) (*models.Deployment, error) {
	if pct < 0 || pct > 100 {
		return nil, ErrInvalidTraffic
	}

	var d *models.Deployment
	now := time.Now().UTC()

	err := c.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		d, err = c.load(ctx, tx, tenantID, id, true)
		if err != nil {
			return err
		}
		if d.Status != models.DeploymentStatusCanary {
			return ErrInvalidTransition
		}
		_, err = tx.Exec(ctx, `
			UPDATE deployments
			SET canary_traffic_percentage = $1, updated_at = $2
			WHERE id = $3
		`, pct, now, d.ID)
		if err != nil {
			return fmt.Errorf("failed to set traffic: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("canary traffic updated",
		"deployment_id", d.ID, "from", d.CanaryTrafficPercentage, "to", pct)
	d.CanaryTrafficPercentage = pct
	d.UpdatedAt = now

	c.auditAction(ctx, tenantID, actor, audit.ActionDeploymentSetTraffic, d.ID)
	return d, nil
}

// Promote moves a canary deployment to active. The ruleset's previous
// active deployment is deprecated, its active version advances to the
// target, canary assignments are drained and the tenant's judgment cache
// for the ruleset is invalidated before returning. A concurrent promote on
// the same deployment loses the row lock race and gets ErrInvalidTransition
// once the winner has committed.
func (c *Controller) Promote(ctx context.Context, tenantID string, id uuid.UUID, actor string) (*models.Deployment, error) {
	var d *models.Deployment
	now := time.Now().UTC()

	err := c.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		d, err = c.load(ctx, tx, tenantID, id, true)
		if err != nil {
			return err
		}
		if d.Status != models.DeploymentStatusCanary {
			return ErrInvalidTransition
		}

		_, err = tx.Exec(ctx, `
			UPDATE deployments SET status = $1, updated_at = $2
			WHERE ruleset_id = $3 AND tenant_id = $4
			  AND id <> $5 AND status = 'active'
		`, string(models.DeploymentStatusDeprecated), now, d.RulesetID, tenantID, d.ID)
		if err != nil {
			return fmt.Errorf("failed to deprecate previous deployment: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE deployments SET status = $1, promoted_at = $2, updated_at = $2
			WHERE id = $3
		`, string(models.DeploymentStatusActive), now, d.ID)
		if err != nil {
			return fmt.Errorf("failed to promote deployment: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE rulesets SET active_version = $1, updated_at = $2
			WHERE id = $3 AND tenant_id = $4
		`, d.TargetVersion, now, d.RulesetID, tenantID)
		if err != nil {
			return fmt.Errorf("failed to advance active version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	prev := d.Status
	d.Status = models.DeploymentStatusActive
	d.PromotedAt = &now
	d.UpdatedAt = now

	if _, err := c.assigner.DeleteForDeployment(ctx, d.ID); err != nil {
		c.log.Error("failed to drain canary assignments", "error", err, "deployment_id", d.ID)
	}
	c.invalidateCache(ctx, tenantID, d.RulesetID)

	c.afterTransition(ctx, d, prev, "", actor)
	c.auditAction(ctx, tenantID, actor, audit.ActionDeploymentPromote, d.ID)
	if c.notifier != nil {
		name := c.rulesetName(ctx, tenantID, d.RulesetID)
		if err := c.notifier.NotifyDeploymentPromoted(ctx, tenantID, d.ID.String(), name, d.TargetVersion, actor); err != nil {
			c.log.Error("failed to send promotion notification", "error", err, "deployment_id", d.ID)
		}
	}
	return d, nil
}

// RollbackResult reports what a rollback touched.
type RollbackResult struct {
	Deployment         *models.Deployment `json:"deployment"`
	AssignmentsDeleted int64              `json:"assignments_deleted"`
	LogsCompensated    int64              `json:"logs_compensated"`
	JudgmentsMarked    int64              `json:"judgments_marked"`
}

// RollbackOptions controls how a rollback is applied.
type RollbackOptions struct {
	// Auto marks rollbacks initiated by the canary monitor.
	Auto bool
	// SkipCompensation leaves canary-side judgment records untouched.
	SkipCompensation bool
}

// Rollback aborts a canary or active deployment, restores the previous
// version and, unless opted out, runs the declared compensation over
// judgments made on the canary side. triggeredBy is recorded verbatim.
func (c *Controller) Rollback(ctx context.Context, tenantID string, id uuid.UUID, reason, triggeredBy string, opts RollbackOptions) (*RollbackResult, error) {
	var d *models.Deployment
	now := time.Now().UTC()

	err := c.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		d, err = c.load(ctx, tx, tenantID, id, true)
		if err != nil {
			return err
		}
		if d.Status != models.DeploymentStatusCanary && d.Status != models.DeploymentStatusActive {
			return ErrInvalidTransition
		}

		_, err = tx.Exec(ctx, `
			UPDATE deployments SET
				status = $1, rolled_back_at = $2, rollback_reason = $3,
				updated_at = $2
			WHERE id = $4
		`, string(models.DeploymentStatusRolledBack), now, reason, d.ID)
		if err != nil {
			return fmt.Errorf("failed to roll back deployment: %w", err)
		}

		// Restore the most recently deprecated deployment, if any, so
		// the ruleset keeps an owner of the active slot.
		_, err = tx.Exec(ctx, `
			UPDATE deployments SET status = 'active', updated_at = $1
			WHERE id = (
				SELECT id FROM deployments
				WHERE ruleset_id = $2 AND tenant_id = $3 AND status = 'deprecated'
				ORDER BY updated_at DESC
				LIMIT 1
			)
		`, now, d.RulesetID, tenantID)
		if err != nil {
			return fmt.Errorf("failed to restore previous deployment: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE rulesets SET active_version = $1, updated_at = $2
			WHERE id = $3 AND tenant_id = $4
		`, d.PreviousVersion, now, d.RulesetID, tenantID)
		if err != nil {
			return fmt.Errorf("failed to restore active version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	prev := d.Status
	d.Status = models.DeploymentStatusRolledBack
	d.RolledBackAt = &now
	d.RollbackReason = reason
	d.UpdatedAt = now

	result := &RollbackResult{Deployment: d}

	result.AssignmentsDeleted, err = c.assigner.DeleteForDeployment(ctx, d.ID)
	if err != nil {
		c.log.Error("failed to drain canary assignments", "error", err, "deployment_id", d.ID)
	}

	if !opts.SkipCompensation {
		result.LogsCompensated, result.JudgmentsMarked = c.compensate(ctx, d)
	}
	c.invalidateCache(ctx, tenantID, d.RulesetID)

	c.afterTransition(ctx, d, prev, reason, triggeredBy)
	c.auditAction(ctx, tenantID, triggeredBy, audit.ActionDeploymentRollback, d.ID)
	if c.metrics != nil {
		c.metrics.RecordCanaryRollback(opts.Auto)
	}
	if c.notifier != nil {
		name := c.rulesetName(ctx, tenantID, d.RulesetID)
		if err := c.notifier.NotifyDeploymentRolledBack(ctx, tenantID, d.ID.String(), name, reason, triggeredBy); err != nil {
			c.log.Error("failed to send rollback notification", "error", err, "deployment_id", d.ID)
		}
	}

	c.log.Info("deployment rolled back",
		"deployment_id", d.ID, "reason", reason, "triggered_by", triggeredBy,
		"strategy", d.CompensationStrategy,
		"judgments_marked", result.JudgmentsMarked)
	return result, nil
}

// compensate applies the deployment's strategy to canary-side execution
// logs and the judgment records linked to them. Failures are logged, not
// propagated; the rollback itself has already committed.
func (c *Controller) compensate(ctx context.Context, d *models.Deployment) (logs, judgments int64) {
	logs, err := c.agg.MarkOutcomes(ctx, d.ID, d.CompensationStrategy)
	if err != nil {
		c.log.Error("failed to compensate execution logs", "error", err, "deployment_id", d.ID)
		return 0, 0
	}

	marker := compensationMarker(d.CompensationStrategy)
	if marker == "" {
		return logs, 0
	}

	tag, err := c.db.Pool.Exec(ctx, fmt.Sprintf(`
		UPDATE judgment_executions
		SET execution_metadata = jsonb_set(
			COALESCE(execution_metadata, '{}'::jsonb), '{%s}', 'true')
		WHERE tenant_id = $1 AND id IN (
			SELECT execution_id FROM canary_execution_logs
			WHERE deployment_id = $2 AND canary_version = $3
		)
	`, marker), d.TenantID, d.ID, string(models.CanaryVersionV2))
	if err != nil {
		c.log.Error("failed to mark judgment records", "error", err, "deployment_id", d.ID)
		return logs, 0
	}
	return logs, tag.RowsAffected()
}

// compensationMarker returns the metadata key a strategy sets on affected
// judgment records, or "" when the strategy touches none.
func compensationMarker(s models.CompensationStrategy) string {
	switch s {
	case models.CompensationMarkAndReprocess:
		return "needs_reprocess"
	case models.CompensationSoftDelete:
		return "soft_deleted"
	default:
		return ""
	}
}

// Reexecutor re-runs one judgment input against the restored version.
// Implemented by the judgment engine; declared here so the controller does
// not depend on the HTTP service.
type Reexecutor interface {
	Reexecute(ctx context.Context, tenantID string, executionID uuid.UUID) error
}

// ReprocessBatch drains up to limit marked executions through the
// re-executor and stamps each processed log. Individual failures are
// logged and skipped so one poisoned record cannot stall the backlog.
func (c *Controller) ReprocessBatch(ctx context.Context, tenantID string, id uuid.UUID, limit int, exec Reexecutor) (int, error) {
	d, err := c.Get(ctx, tenantID, id)
	if err != nil {
		return 0, err
	}
	if d.Status != models.DeploymentStatusRolledBack {
		return 0, ErrInvalidTransition
	}
	if d.CompensationStrategy != models.CompensationMarkAndReprocess {
		return 0, nil
	}

	pending, err := c.agg.PendingReprocess(ctx, d.ID, limit)
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 && c.notifier != nil {
		if err := c.notifier.NotifyReprocessStarted(ctx, tenantID, d.ID.String(), len(pending)); err != nil {
			c.log.Error("failed to send reprocess notification", "error", err, "deployment_id", d.ID)
		}
	}

	processed := 0
	for _, entry := range pending {
		if err := exec.Reexecute(ctx, tenantID, entry.ExecutionID); err != nil {
			c.log.Error("failed to reprocess judgment",
				"error", err, "execution_id", entry.ExecutionID)
			continue
		}
		if err := c.agg.MarkReprocessed(ctx, entry.ID); err != nil {
			c.log.Error("failed to stamp reprocessed log",
				"error", err, "log_id", entry.ID)
			continue
		}
		processed++
	}

	c.auditAction(ctx, tenantID, "scheduler", audit.ActionDeploymentReprocess, d.ID)
	return processed, nil
}

// ActiveCanaries returns every canary deployment across tenants. Used by
// the canary monitor.
func (c *Controller) ActiveCanaries(ctx context.Context) ([]models.Deployment, error) {
	rows, err := c.db.Query(ctx, `
		SELECT id, tenant_id, ruleset_id, status, target_version,
		       previous_version, canary_config, compensation_strategy,
		       canary_traffic_percentage, started_at, promoted_at,
		       rolled_back_at, rollback_reason, created_by, created_at,
		       updated_at
		FROM deployments
		WHERE status = 'canary'
		ORDER BY started_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list canary deployments: %w", err)
	}
	defer rows.Close()

	var out []models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// CurrentCanary returns the canary deployment for a ruleset, or nil.
func (c *Controller) CurrentCanary(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Deployment, error) {
	row := c.db.QueryRow(ctx, `
		SELECT id, tenant_id, ruleset_id, status, target_version,
		       previous_version, canary_config, compensation_strategy,
		       canary_traffic_percentage, started_at, promoted_at,
		       rolled_back_at, rollback_reason, created_by, created_at,
		       updated_at
		FROM deployments
		WHERE ruleset_id = $1 AND tenant_id = $2 AND status = 'canary'
	`, rulesetID, tenantID)
	d, err := scanDeployment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (c *Controller) load(ctx context.Context, q querier, tenantID string, id uuid.UUID, lock bool) (*models.Deployment, error) {
	query := `
		SELECT id, tenant_id, ruleset_id, status, target_version,
		       previous_version, canary_config, compensation_strategy,
		       canary_traffic_percentage, started_at, promoted_at,
		       rolled_back_at, rollback_reason, created_by, created_at,
		       updated_at
		FROM deployments
		WHERE id = $1 AND tenant_id = $2`
	if lock {
		query += " FOR UPDATE"
	}
	d, err := scanDeployment(q.QueryRow(ctx, query, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func scanDeployment(row pgx.Row) (*models.Deployment, error) {
	var d models.Deployment
	var cfgJSON []byte
	err := row.Scan(
		&d.ID, &d.TenantID, &d.RulesetID, &d.Status, &d.TargetVersion,
		&d.PreviousVersion, &cfgJSON, &d.CompensationStrategy,
		&d.CanaryTrafficPercentage, &d.StartedAt, &d.PromotedAt,
		&d.RolledBackAt, &d.RollbackReason, &d.CreatedBy, &d.CreatedAt,
		&d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan deployment: %w", err)
	}
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &d.CanaryConfig); err != nil {
			return nil, fmt.Errorf("failed to decode canary config: %w", err)
		}
	}
	return &d, nil
}

func (c *Controller) rulesetName(ctx context.Context, tenantID string, rulesetID uuid.UUID) string {
	var name string
	err := c.db.QueryRow(ctx, `
		SELECT name FROM rulesets WHERE id = $1 AND tenant_id = $2
	`, rulesetID, tenantID).Scan(&name)
	if err != nil {
		return rulesetID.String()
	}
	return name
}

func (c *Controller) invalidateCache(ctx context.Context, tenantID string, rulesetID uuid.UUID) {
	if c.cache == nil {
		return
	}
	if _, err := c.cache.DeleteByPrefix(ctx, cache.JudgmentPrefix(tenantID, rulesetID)); err != nil {
		c.log.Error("failed to invalidate judgment cache",
			"error", err, "ruleset_id", rulesetID)
	}
}

// afterTransition publishes the committed transition. Failures are logged;
// the state change itself stands.
func (c *Controller) afterTransition(ctx context.Context, d *models.Deployment, prev models.DeploymentStatus, reason, triggeredBy string) {
	if c.metrics != nil {
		c.metrics.RecordDeploymentTransition(string(prev), string(d.Status))
	}
	if c.producer == nil {
		return
	}
	ev := models.DeploymentStatusChangedEvent{
		TenantID:       d.TenantID,
		DeploymentID:   d.ID,
		RulesetID:      d.RulesetID,
		PreviousStatus: prev,
		NewStatus:      d.Status,
		Reason:         reason,
		TriggeredBy:    triggeredBy,
		Timestamp:      time.Now().UTC(),
	}
	if err := c.producer.PublishDeployment(ctx, ev); err != nil {
		c.log.Error("failed to publish deployment event", "error", err, "deployment_id", d.ID)
	}
}

func (c *Controller) auditAction(ctx context.Context, tenantID, actor, action string, deploymentID uuid.UUID) {
	if c.auditor == nil {
		return
	}
	resource := audit.ResourceInfo{Type: "deployment", ID: deploymentID.String()}
	if actor == "" || actor == "scheduler" {
		c.auditor.LogSchedulerAction(ctx, tenantID, action, resource, audit.StatusSuccess)
		return
	}
	c.auditor.LogUserAction(ctx, actor, tenantID, action, resource, audit.StatusSuccess)
}
