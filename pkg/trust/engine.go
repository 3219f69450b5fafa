package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/database"
	"github.com/fabrikhq/decision-core/pkg/featureflags"
	"github.com/fabrikhq/decision-core/pkg/kafka"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/pkg/notify"
)

var (
	ErrRulesetNotFound = errors.New("ruleset not found")
	ErrReasonRequired  = errors.New("a reason is required for manual level changes")
	ErrInvalidLevel    = errors.New("trust level must be between 0 and 3")
	ErrSameLevel       = errors.New("ruleset is already at the requested level")
)

// consistencyWindow bounds how many recent executions feed the consistency
// component.
const consistencyWindow = 100

// negativeBurstWindow bounds how far back the demotion burst check looks.
const negativeBurstWindow = 24 * time.Hour

// liveExecutionFilter excludes judgment rows soft-deleted by rollback
// compensation from every trust input.
const liveExecutionFilter = `COALESCE(execution_metadata->>'soft_deleted','') <> 'true'`

// consistencyQuery loads the recent executions feeding the consistency
// component.
const consistencyQuery = `
	SELECT input_hash, result_hash FROM (
		SELECT md5(input_data::text) AS input_hash,
		       md5(result::text) AS result_hash,
		       created_at
		FROM judgment_executions
		WHERE tenant_id = $1 AND ruleset_id = $2 AND success
		  AND ` + liveExecutionFilter + `
		ORDER BY created_at DESC
		LIMIT $3
	) recent
`

// FlagSource resolves gated features per tenant. Satisfied by
// featureflags.Service.
type FlagSource interface {
	IsEnabled(ctx context.Context, tenantID, feature string) (bool, error)
}

// Engine scores rulesets and applies level transitions. All transitions,
// automatic or manual, go through applyTransition so the history row and the
// cached level on the ruleset move together.
type Engine struct {
	db       *database.DB
	scorer   *Scorer
	cfg      config.TrustConfig
	producer *kafka.Producer
	notifier *notify.Notifier
	flags    FlagSource
	log      *logger.Logger
}

// NewEngine creates a trust engine. producer, notifier and flags may be nil;
// level changes are then applied without announcements or flag gating.
func NewEngine(db *database.DB, cfg config.TrustConfig, producer *kafka.Producer, notifier *notify.Notifier, flags FlagSource, log *logger.Logger) *Engine {
	return &Engine{
		db:       db,
		scorer:   NewScorer(cfg),
		cfg:      cfg,
		producer: producer,
		notifier: notifier,
		flags:    flags,
		log:      log.WithComponent("trust"),
	}
}

// CalculateScore scores a ruleset without changing anything. The returned
// evaluation carries the level the ruleset would move to if evaluated now.
func (e *Engine) CalculateScore(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.TrustEvaluation, error) {
	r, variance, negatives, err := e.gather(ctx, tenantID, rulesetID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	score, components := e.scorer.Score(r, variance, now)
	target, reason := decideTransition(e.cfg, r, score, negatives, now)

	return &models.TrustEvaluation{
		RulesetID:    rulesetID,
		Score:        score,
		Components:   components,
		CurrentLevel: r.TrustLevel,
		TargetLevel:  target,
		Reason:       reason,
		EvaluatedAt:  now,
	}, nil
}

// Evaluate rescores a ruleset and applies any level transition the
// thresholds call for. The fresh score is stored either way.
func (e *Engine) Evaluate(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.TrustEvaluation, error) {
	r, variance, negatives, err := e.gather(ctx, tenantID, rulesetID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	score, components := e.scorer.Score(r, variance, now)
	target, reason := decideTransition(e.cfg, r, score, negatives, now)

	// Promotions only happen with progressive trust on for the tenant.
	// Demotions always apply.
	enabled, flagErr := e.flagEnabled(ctx, tenantID, featureflags.FlagProgressiveTrust)
	if holdPromotion(r.TrustLevel, target, enabled, flagErr) {
		target = r.TrustLevel
		reason = "promotion held: progressive trust is disabled for this tenant"
	}

	eval := &models.TrustEvaluation{
		RulesetID:    rulesetID,
		Score:        score,
		Components:   components,
		CurrentLevel: r.TrustLevel,
		TargetLevel:  target,
		Reason:       reason,
		EvaluatedAt:  now,
	}

	if target == r.TrustLevel {
		if err := e.storeScore(ctx, r, score, components, now); err != nil {
			return nil, err
		}
		return eval, nil
	}

	snapshot := snapshotOf(r, score, components)
	if err := e.applyTransition(ctx, r, target, snapshot, reason, models.TriggeredByAuto, now); err != nil {
		return nil, err
	}
	eval.Transitioned = true

	e.announce(ctx, r, target, reason, models.TriggeredByAuto)
	e.log.Info("trust level changed",
		"ruleset_id", rulesetID,
		"tenant_id", tenantID,
		"from", r.TrustLevel.String(),
		"to", target.String(),
		"score", score,
		"reason", reason)

	return eval, nil
}

// BatchEvaluate rescores every active ruleset, or only one tenant's when
// tenantID is set. Per-ruleset failures are logged and skipped so one bad
// ruleset does not stall the batch.
func (e *Engine) BatchEvaluate(ctx context.Context, tenantID string) ([]models.TrustEvaluation, error) {
	query := `SELECT tenant_id, id FROM rulesets WHERE status = 'active'`
	args := []any{}
	if tenantID != "" {
		query += ` AND tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` ORDER BY last_execution_at DESC NULLS LAST`

	rows, err := e.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rulesets: %w", err)
	}

	type target struct {
		tenant string
		id     uuid.UUID
	}
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.tenant, &t.id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan ruleset: %w", err)
		}
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	evals := make([]models.TrustEvaluation, 0, len(targets))
	for _, t := range targets {
		if ctx.Err() != nil {
			return evals, ctx.Err()
		}
		eval, err := e.Evaluate(ctx, t.tenant, t.id)
		if err != nil {
			e.log.Error("trust evaluation failed", "error", err, "ruleset_id", t.id, "tenant_id", t.tenant)
			continue
		}
		evals = append(evals, *eval)
	}
	return evals, nil
}

// SetLevel applies a manual level change. Thresholds are bypassed but the
// reason is mandatory and the transition is recorded like any other.
func (e *Engine) SetLevel(ctx context.Context, tenantID string, rulesetID uuid.UUID, level models.TrustLevel, reason string) (*models.TrustEvaluation, error) {
	if !level.Valid() {
		return nil, ErrInvalidLevel
	}
	if reason == "" {
		return nil, ErrReasonRequired
	}

	r, variance, _, err := e.gather(ctx, tenantID, rulesetID)
	if err != nil {
		return nil, err
	}
	if r.TrustLevel == level {
		return nil, ErrSameLevel
	}

	now := time.Now().UTC()
	score, components := e.scorer.Score(r, variance, now)
	snapshot := snapshotOf(r, score, components)
	if err := e.applyTransition(ctx, r, level, snapshot, reason, models.TriggeredByManual, now); err != nil {
		return nil, err
	}

	e.announce(ctx, r, level, reason, models.TriggeredByManual)
	e.log.Info("trust level set manually",
		"ruleset_id", rulesetID,
		"tenant_id", tenantID,
		"from", r.TrustLevel.String(),
		"to", level.String(),
		"reason", reason)

	return &models.TrustEvaluation{
		RulesetID:    rulesetID,
		Score:        score,
		Components:   components,
		CurrentLevel: r.TrustLevel,
		TargetLevel:  level,
		Transitioned: true,
		Reason:       reason,
		EvaluatedAt:  now,
	}, nil
}

// History returns the transition log for a ruleset, most recent first.
func (e *Engine) History(ctx context.Context, tenantID string, rulesetID uuid.UUID, limit int) ([]models.TrustHistory, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := e.db.Query(ctx, `
		SELECT id, tenant_id, ruleset_id, previous_level, new_level,
		       reason, triggered_by, metrics_snapshot, created_at
		FROM trust_level_history
		WHERE tenant_id = $1 AND ruleset_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, tenantID, rulesetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust history: %w", err)
	}
	defer rows.Close()

	var history []models.TrustHistory
	for rows.Next() {
		var h models.TrustHistory
		err := rows.Scan(
			&h.ID, &h.TenantID, &h.RulesetID, &h.PreviousLevel, &h.NewLevel,
			&h.Reason, &h.TriggeredBy, &h.Snapshot, &h.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trust history: %w", err)
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// gather loads the ruleset plus the derived inputs scoring needs.
func (e *Engine) gather(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, float64, int64, error) {
	r, err := e.loadRuleset(ctx, tenantID, rulesetID)
	if err != nil {
		return nil, 0, 0, err
	}
	variance, err := e.consistencyVariance(ctx, tenantID, rulesetID)
	if err != nil {
		return nil, 0, 0, err
	}
	negatives, err := e.negativeBurst(ctx, tenantID, rulesetID)
	if err != nil {
		return nil, 0, 0, err
	}
	return r, variance, negatives, nil
}

func (e *Engine) loadRuleset(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, error) {
	var r models.Ruleset
	err := e.db.QueryRow(ctx, `
		SELECT id, tenant_id, name, trust_level, trust_score,
		       execution_count, positive_feedback, negative_feedback,
		       accuracy_rate, last_demoted_at, created_at
		FROM rulesets
		WHERE id = $1 AND tenant_id = $2
	`, rulesetID, tenantID).Scan(
		&r.ID, &r.TenantID, &r.Name, &r.TrustLevel, &r.TrustScore,
		&r.ExecutionCount, &r.PositiveFeedback, &r.NegativeFeedback,
		&r.AccuracyRate, &r.LastDemotedAt, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRulesetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ruleset: %w", err)
	}
	return &r, nil
}

// consistencyVariance measures how often equivalent inputs produced
// different results over the most recent executions. Inputs are compared on
// their normalized jsonb text.
func (e *Engine) consistencyVariance(ctx context.Context, tenantID string, rulesetID uuid.UUID) (float64, error) {
	rows, err := e.db.Query(ctx, consistencyQuery, tenantID, rulesetID, consistencyWindow)
	if err != nil {
		return 0, fmt.Errorf("failed to load recent executions: %w", err)
	}
	defer rows.Close()

	groups := make(map[string]map[string]int)
	for rows.Next() {
		var in, out string
		if err := rows.Scan(&in, &out); err != nil {
			return 0, fmt.Errorf("failed to scan execution: %w", err)
		}
		if groups[in] == nil {
			groups[in] = make(map[string]int)
		}
		groups[in][out]++
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	return disagreement(groups), nil
}

// disagreement averages, over inputs seen more than once, the share of
// executions that strayed from that input's modal result.
func disagreement(groups map[string]map[string]int) float64 {
	var total float64
	var counted int
	for _, results := range groups {
		size, modal := 0, 0
		for _, n := range results {
			size += n
			if n > modal {
				modal = n
			}
		}
		if size < 2 {
			continue
		}
		total += 1 - float64(modal)/float64(size)
		counted++
	}
	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}

func (e *Engine) negativeBurst(ctx context.Context, tenantID string, rulesetID uuid.UUID) (int64, error) {
	var count int64
	err := e.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM feedback_logs
		WHERE tenant_id = $1 AND ruleset_id = $2 AND type = $3 AND created_at > $4
	`, tenantID, rulesetID, string(models.FeedbackNegative),
		time.Now().UTC().Add(-negativeBurstWindow)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent negative feedback: %w", err)
	}
	return count, nil
}

func (e *Engine) flagEnabled(ctx context.Context, tenantID, flag string) (bool, error) {
	if e.flags == nil {
		return true, nil
	}
	return e.flags.IsEnabled(ctx, tenantID, flag)
}

// holdPromotion reports whether a proposed transition is an upward move
// that must be held. A flag resolution failure holds the promotion rather
// than raising autonomy on a guess.
func holdPromotion(current, target models.TrustLevel, enabled bool, flagErr error) bool {
	return target > current && (flagErr != nil || !enabled)
}

// decideTransition returns the level a ruleset should hold given its score
// and recent feedback. Demotion checks run first; a ruleset failing its
// accuracy floor never promotes in the same pass.
func decideTransition(cfg config.TrustConfig, r *models.Ruleset, score float64, recentNegatives int64, now time.Time) (models.TrustLevel, string) {
	level := r.TrustLevel

	if level > models.TrustLevelProposed {
		if floor, ok := floatAt(cfg.DemoteAccuracy, int(level)); ok && r.AccuracyRate != nil && *r.AccuracyRate < floor {
			return level - 1, fmt.Sprintf("accuracy %.3f below floor %.2f", *r.AccuracyRate, floor)
		}
		if burst, ok := intAt(cfg.DemoteNegCount, int(level)); ok && burst > 0 && recentNegatives > burst {
			return level - 1, fmt.Sprintf("negative feedback burst: %d entries in 24h", recentNegatives)
		}
	}

	if level < models.TrustLevelFullAuto {
		threshold, okT := floatAt(cfg.PromoteThresholds, int(level))
		minExec, okE := intAt(cfg.MinExecutions, int(level))
		minAcc, okA := floatAt(cfg.MinAccuracy, int(level))
		if okT && okE && okA &&
			score >= threshold &&
			r.ExecutionCount >= minExec &&
			r.AccuracyRate != nil && *r.AccuracyRate >= minAcc &&
			!inCooldown(r.LastDemotedAt, cfg.DemotionCooldown, now) {
			return level + 1, fmt.Sprintf("score %.3f reached threshold %.2f", score, threshold)
		}
	}

	return level, ""
}

func inCooldown(lastDemoted *time.Time, cooldown time.Duration, now time.Time) bool {
	if lastDemoted == nil || cooldown <= 0 {
		return false
	}
	return now.Sub(*lastDemoted) < cooldown
}

func floatAt(s []float64, i int) (float64, bool) {
	if i < 0 || i >= len(s) {
		return 0, false
	}
	return s[i], true
}

func intAt(s []int64, i int) (int64, bool) {
	if i < 0 || i >= len(s) {
		return 0, false
	}
	return s[i], true
}

func snapshotOf(r *models.Ruleset, score float64, components models.TrustComponents) models.TrustSnapshot {
	return models.TrustSnapshot{
		TrustScore:       score,
		Components:       components,
		ExecutionCount:   r.ExecutionCount,
		PositiveFeedback: r.PositiveFeedback,
		NegativeFeedback: r.NegativeFeedback,
		AccuracyRate:     r.AccuracyRate,
	}
}

// applyTransition writes the history row and the new cached state on the
// ruleset in one transaction.
func (e *Engine) applyTransition(ctx context.Context, r *models.Ruleset, target models.TrustLevel, snapshot models.TrustSnapshot, reason string, trigger models.TriggeredBy, now time.Time) error {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal trust snapshot: %w", err)
	}
	componentsJSON, err := json.Marshal(snapshot.Components)
	if err != nil {
		return fmt.Errorf("failed to marshal trust components: %w", err)
	}

	timestampColumn := "last_promoted_at"
	if target < r.TrustLevel {
		timestampColumn = "last_demoted_at"
	}

	return e.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO trust_level_history (
				id, tenant_id, ruleset_id, previous_level, new_level,
				reason, triggered_by, metrics_snapshot, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, uuid.New(), r.TenantID, r.ID, int(r.TrustLevel), int(target),
			reason, string(trigger), snapshotJSON, now)
		if err != nil {
			return fmt.Errorf("failed to insert trust history: %w", err)
		}

		_, err = tx.Exec(ctx, fmt.Sprintf(`
			UPDATE rulesets SET
				trust_level = $1, trust_score = $2, trust_components = $3,
				%s = $4, updated_at = $4
			WHERE id = $5 AND tenant_id = $6
		`, timestampColumn), int(target), snapshot.TrustScore, componentsJSON,
			now, r.ID, r.TenantID)
		if err != nil {
			return fmt.Errorf("failed to update ruleset trust: %w", err)
		}
		return nil
	})
}

func (e *Engine) storeScore(ctx context.Context, r *models.Ruleset, score float64, components models.TrustComponents, now time.Time) error {
	componentsJSON, err := json.Marshal(components)
	if err != nil {
		return fmt.Errorf("failed to marshal trust components: %w", err)
	}
	err = e.db.Exec(ctx, `
		UPDATE rulesets SET trust_score = $1, trust_components = $2, updated_at = $3
		WHERE id = $4 AND tenant_id = $5
	`, score, componentsJSON, now, r.ID, r.TenantID)
	if err != nil {
		return fmt.Errorf("failed to store trust score: %w", err)
	}
	return nil
}

// announce publishes the transition downstream. Failures are logged; the
// transition itself is already committed.
func (e *Engine) announce(ctx context.Context, r *models.Ruleset, target models.TrustLevel, reason string, trigger models.TriggeredBy) {
	ev := models.TrustLevelChangedEvent{
		TenantID:      r.TenantID,
		RulesetID:     r.ID,
		PreviousLevel: r.TrustLevel,
		NewLevel:      target,
		Reason:        reason,
		TriggeredBy:   trigger,
		Timestamp:     time.Now().UTC(),
	}
	if e.producer != nil {
		if err := e.producer.PublishTrustChange(ctx, ev); err != nil {
			e.log.Error("failed to publish trust change", "error", err, "ruleset_id", r.ID)
		}
	}
	if e.notifier != nil {
		if err := e.notifier.NotifyTrustChange(ctx, ev); err != nil {
			e.log.Error("failed to send trust notification", "error", err, "ruleset_id", r.ID)
		}
	}
}
