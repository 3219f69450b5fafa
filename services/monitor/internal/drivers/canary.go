// Package drivers holds the monitor's periodic jobs.
package drivers

import (
	"context"
	"fmt"
	"time"

	"github.com/fabrikhq/decision-core/pkg/canary"
	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/deployment"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/pkg/notify"
	"github.com/fabrikhq/decision-core/pkg/telemetry"
)

// CanaryMonitor aggregates fresh metric windows for every live canary
// and acts on the circuit verdict: auto-rollback on critical, operator
// notification on warnings.
type CanaryMonitor struct {
	ctrl     *deployment.Controller
	agg      *canary.Aggregator
	notifier *notify.Notifier
	metrics  *telemetry.Metrics
	cfg      config.CanaryConfig
	log      *logger.Logger
}

// NewCanaryMonitor creates a CanaryMonitor.
func NewCanaryMonitor(ctrl *deployment.Controller, agg *canary.Aggregator, notifier *notify.Notifier, metrics *telemetry.Metrics, cfg config.CanaryConfig, log *logger.Logger) *CanaryMonitor {
	return &CanaryMonitor{
		ctrl:     ctrl,
		agg:      agg,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		log:      log.WithComponent("canary-monitor"),
	}
}

// Name implements scheduler.Driver.
func (m *CanaryMonitor) Name() string { return "canary_monitor" }

// Run checks every canary-phase deployment once. A failure on one
// deployment does not stop the sweep; the first error is reported after
// all deployments were visited.
func (m *CanaryMonitor) Run(ctx context.Context) error {
	deployments, err := m.ctrl.ActiveCanaries(ctx)
	if err != nil {
		return fmt.Errorf("list active canaries: %w", err)
	}

	var firstErr error
	for i := range deployments {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.check(ctx, &deployments[i]); err != nil {
			m.log.Error("canary check failed", "deployment_id", deployments[i].ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *CanaryMonitor) check(ctx context.Context, d *models.Deployment) error {
	now := time.Now().UTC()
	if _, err := m.agg.AggregateWindow(ctx, d.ID, now, m.cfg.Window); err != nil {
		return fmt.Errorf("aggregate window: %w", err)
	}

	canaryWin, stableWin, err := m.agg.LatestWindows(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("load windows: %w", err)
	}

	effective := canary.EffectiveConfig(d.CanaryConfig, m.cfg)
	status := canary.EvaluateCircuit(canaryWin, stableWin, effective)
	if m.metrics != nil {
		m.metrics.RecordCanaryCheck(string(status.State))
	}

	switch {
	case status.ShouldHalt && effective.AutoRollbackEnabled:
		m.log.Warn("circuit critical, rolling back",
			"deployment_id", d.ID, "tenant_id", d.TenantID, "reason", status.HaltReason)
		// The controller records the rollback metric.
		if _, err := m.ctrl.Rollback(ctx, d.TenantID, d.ID, status.HaltReason, "canary-monitor",
			deployment.RollbackOptions{Auto: true}); err != nil {
			return fmt.Errorf("auto rollback: %w", err)
		}

	case status.ShouldHalt:
		// Auto-rollback disabled: surface the verdict and leave the
		// decision to an operator.
		m.log.Warn("circuit critical, auto-rollback disabled",
			"deployment_id", d.ID, "tenant_id", d.TenantID, "reason", status.HaltReason)
		m.notifyWarning(ctx, d, append([]string{status.HaltReason}, status.Warnings...))

	case len(status.Warnings) > 0:
		m.notifyWarning(ctx, d, status.Warnings)
	}
	return nil
}

func (m *CanaryMonitor) notifyWarning(ctx context.Context, d *models.Deployment, warnings []string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyCanaryWarning(ctx, d.TenantID, d.ID.String(), d.RulesetID.String(), warnings); err != nil {
		m.log.Error("canary warning notification failed", "deployment_id", d.ID, "error", err)
	}
}
