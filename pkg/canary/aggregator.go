package canary

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fabrikhq/decision-core/pkg/database"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
)

// DefaultWindow is the aggregation bucket size.
const DefaultWindow = 60 * time.Second

// Aggregator rolls canary execution logs into append-only metric windows.
type Aggregator struct {
	db  *database.DB
	log *logger.Logger
}

// NewAggregator creates a metrics aggregator.
func NewAggregator(db *database.DB, log *logger.Logger) *Aggregator {
	return &Aggregator{db: db, log: log.WithComponent("canary")}
}

// sample is one observed execution inside a window, in arrival order.
type sample struct {
	success bool
	latency float64
}

// RecordExecution appends one canary observation for a deployment.
func (a *Aggregator) RecordExecution(ctx context.Context, entry models.CanaryExecutionLog) error {
	id := entry.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err := a.db.Exec(ctx, `
		INSERT INTO canary_execution_logs (
			id, deployment_id, execution_id, canary_version, success,
			latency_ms, error_message, rollback_safe, needs_reprocess, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, id, entry.DeploymentID, entry.ExecutionID, string(entry.CanaryVersion),
		entry.Success, entry.LatencyMS, entry.ErrorMessage,
		entry.RollbackSafe, entry.NeedsReproc, createdAt)
	if err != nil {
		return fmt.Errorf("failed to record canary execution: %w", err)
	}
	return nil
}

// AggregateWindow reads the execution logs inside [windowEnd-window,
// windowEnd) and appends one metrics row per version side that saw traffic.
func (a *Aggregator) AggregateWindow(ctx context.Context, deploymentID uuid.UUID, windowEnd time.Time, window time.Duration) ([]models.MetricsWindow, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	windowStart := windowEnd.Add(-window)

	rows, err := a.db.Query(ctx, `
		SELECT canary_version, success, latency_ms
		FROM canary_execution_logs
		WHERE deployment_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at
	`, deploymentID, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to load canary executions: %w", err)
	}
	defer rows.Close()

	samples := map[models.VersionType][]sample{}
	for rows.Next() {
		var version string
		var s sample
		if err := rows.Scan(&version, &s.success, &s.latency); err != nil {
			return nil, fmt.Errorf("failed to scan canary execution: %w", err)
		}
		side := models.VersionTypeStable
		if models.CanaryVersion(version) == models.CanaryVersionV2 {
			side = models.VersionTypeCanary
		}
		samples[side] = append(samples[side], s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var windows []models.MetricsWindow
	for _, side := range []models.VersionType{models.VersionTypeCanary, models.VersionTypeStable} {
		observed := samples[side]
		if len(observed) == 0 {
			continue
		}
		w := summarize(deploymentID, side, observed, windowStart, windowEnd)
		if err := a.store(ctx, &w); err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, nil
}

func (a *Aggregator) store(ctx context.Context, w *models.MetricsWindow) error {
	err := a.db.Exec(ctx, `
		INSERT INTO deployment_metrics (
			id, deployment_id, version_type, sample_count, success_count,
			error_count, error_rate, latency_p50, latency_p95, latency_p99,
			latency_avg, consecutive_failures, window_start, window_end
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, w.ID, w.DeploymentID, string(w.VersionType), w.SampleCount,
		w.SuccessCount, w.ErrorCount, w.ErrorRate, w.LatencyP50, w.LatencyP95,
		w.LatencyP99, w.LatencyAvg, w.ConsecutiveFailures, w.WindowStart, w.WindowEnd)
	if err != nil {
		return fmt.Errorf("failed to store metrics window: %w", err)
	}
	return nil
}

// LatestWindows returns the most recent window per version side, nil when a
// side has never seen traffic.
func (a *Aggregator) LatestWindows(ctx context.Context, deploymentID uuid.UUID) (canary, stable *models.MetricsWindow, err error) {
	rows, err := a.db.Query(ctx, `
		SELECT DISTINCT ON (version_type)
		       id, deployment_id, version_type, sample_count, success_count,
		       error_count, error_rate, latency_p50, latency_p95, latency_p99,
		       latency_avg, consecutive_failures, window_start, window_end
		FROM deployment_metrics
		WHERE deployment_id = $1
		ORDER BY version_type, window_end DESC
	`, deploymentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load metric windows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var w models.MetricsWindow
		err := rows.Scan(
			&w.ID, &w.DeploymentID, &w.VersionType, &w.SampleCount,
			&w.SuccessCount, &w.ErrorCount, &w.ErrorRate, &w.LatencyP50,
			&w.LatencyP95, &w.LatencyP99, &w.LatencyAvg,
			&w.ConsecutiveFailures, &w.WindowStart, &w.WindowEnd,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan metrics window: %w", err)
		}
		switch w.VersionType {
		case models.VersionTypeCanary:
			canary = &w
		case models.VersionTypeStable:
			stable = &w
		}
	}
	return canary, stable, rows.Err()
}

// MarkOutcomes flags the canary-side logs of a deployment per the
// compensation strategy. Returns the number of rows touched.
func (a *Aggregator) MarkOutcomes(ctx context.Context, deploymentID uuid.UUID, strategy models.CompensationStrategy) (int64, error) {
	switch strategy {
	case models.CompensationMarkAndReprocess:
		tag, err := a.db.Pool.Exec(ctx, `
			UPDATE canary_execution_logs
			SET needs_reprocess = TRUE
			WHERE deployment_id = $1 AND canary_version = $2
		`, deploymentID, string(models.CanaryVersionV2))
		if err != nil {
			return 0, fmt.Errorf("failed to mark logs for reprocess: %w", err)
		}
		return tag.RowsAffected(), nil
	case models.CompensationSoftDelete:
		tag, err := a.db.Pool.Exec(ctx, `
			UPDATE canary_execution_logs
			SET rollback_safe = FALSE
			WHERE deployment_id = $1 AND canary_version = $2
		`, deploymentID, string(models.CanaryVersionV2))
		if err != nil {
			return 0, fmt.Errorf("failed to soft delete logs: %w", err)
		}
		return tag.RowsAffected(), nil
	default:
		return 0, nil
	}
}

// PendingReprocess returns canary logs still waiting for reprocessing.
func (a *Aggregator) PendingReprocess(ctx context.Context, deploymentID uuid.UUID, limit int) ([]models.CanaryExecutionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.Query(ctx, `
		SELECT id, deployment_id, execution_id, canary_version, success,
		       latency_ms, error_message, rollback_safe, needs_reprocess,
		       reprocessed_at, created_at
		FROM canary_execution_logs
		WHERE deployment_id = $1 AND needs_reprocess AND reprocessed_at IS NULL
		ORDER BY created_at
		LIMIT $2
	`, deploymentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load reprocess backlog: %w", err)
	}
	defer rows.Close()

	var logs []models.CanaryExecutionLog
	for rows.Next() {
		var l models.CanaryExecutionLog
		err := rows.Scan(
			&l.ID, &l.DeploymentID, &l.ExecutionID, &l.CanaryVersion,
			&l.Success, &l.LatencyMS, &l.ErrorMessage, &l.RollbackSafe,
			&l.NeedsReproc, &l.ReprocessedAt, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// MarkReprocessed stamps one log row as reprocessed.
func (a *Aggregator) MarkReprocessed(ctx context.Context, logID uuid.UUID) error {
	err := a.db.Exec(ctx, `
		UPDATE canary_execution_logs SET reprocessed_at = $1 WHERE id = $2
	`, time.Now().UTC(), logID)
	if err != nil {
		return fmt.Errorf("failed to mark log reprocessed: %w", err)
	}
	return nil
}

// summarize computes one metrics window over samples in arrival order.
func summarize(deploymentID uuid.UUID, side models.VersionType, samples []sample, windowStart, windowEnd time.Time) models.MetricsWindow {
	w := models.MetricsWindow{
		ID:           uuid.New(),
		DeploymentID: deploymentID,
		VersionType:  side,
		SampleCount:  len(samples),
		WindowStart:  windowStart,
		WindowEnd:    windowEnd,
	}

	latencies := make([]float64, 0, len(samples))
	var latencySum float64
	for _, s := range samples {
		if s.success {
			w.SuccessCount++
		} else {
			w.ErrorCount++
		}
		latencies = append(latencies, s.latency)
		latencySum += s.latency
	}
	w.ErrorRate = float64(w.ErrorCount) / float64(w.SampleCount)
	w.ConsecutiveFailures = trailingFailures(samples)

	sort.Float64s(latencies)
	p50 := percentile(latencies, 50)
	p95 := percentile(latencies, 95)
	p99 := percentile(latencies, 99)
	avg := latencySum / float64(len(latencies))
	w.LatencyP50, w.LatencyP95, w.LatencyP99, w.LatencyAvg = &p50, &p95, &p99, &avg

	return w
}

// percentile is the nearest-rank quantile over an ascending sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// trailingFailures is the failure streak running up to the window end.
func trailingFailures(samples []sample) int {
	streak := 0
	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i].success {
			break
		}
		streak++
	}
	return streak
}
