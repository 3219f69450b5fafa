package judgment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fabrikhq/decision-core/pkg/models"
)

// classify determines the risk level of a judgment result and the gate
// decision for it. Lookup failures fall back to the conservative defaults:
// risk HIGH, decision require_approval.
func (e *Engine) classify(ctx context.Context, tenantID string, ruleset *models.Ruleset, result json.RawMessage) (models.RiskLevel, models.Decision) {
	actionType := actionTypeOf(result)

	defs, err := e.store.RiskDefinitions(ctx, tenantID)
	if err != nil {
		e.log.Warn("failed to load risk definitions, defaulting to HIGH", "error", err)
		defs = nil
	}
	risk := ResolveRisk(actionType, defs)

	entry, err := e.store.MatrixEntry(ctx, tenantID, ruleset.TrustLevel, risk)
	if err != nil {
		e.log.Warn("failed to load decision matrix entry", "error", err)
		return risk, models.DecisionRequireApproval
	}
	if entry == nil {
		return risk, models.DecisionRequireApproval
	}

	decision := entry.Decision
	if decision == models.DecisionAutoExecute && !e.guardsPass(ctx, tenantID, ruleset, entry) {
		decision = models.DecisionRequireApproval
	}
	return risk, decision
}

// guardsPass tests the matrix row's optional guards. Any guard that cannot
// be evaluated counts as failed; auto-execution never proceeds on missing
// evidence.
func (e *Engine) guardsPass(ctx context.Context, tenantID string, ruleset *models.Ruleset, entry *models.DecisionMatrixEntry) bool {
	if entry.MinTrustScore != nil && ruleset.TrustScore < *entry.MinTrustScore {
		return false
	}

	if entry.MaxConsecutiveFailures != nil {
		streak, err := e.store.FailureStreak(ctx, tenantID, ruleset.ID)
		if err != nil {
			e.log.Warn("failed to load failure streak for guard", "error", err)
			return false
		}
		if streak > *entry.MaxConsecutiveFailures {
			return false
		}
	}

	if entry.CooldownSeconds != nil && *entry.CooldownSeconds > 0 {
		last, err := e.store.LastAutoExecutionAt(ctx, tenantID, ruleset.ID)
		if err != nil {
			e.log.Warn("failed to load last auto-execution for guard", "error", err)
			return false
		}
		if last != nil && time.Since(*last) < time.Duration(*entry.CooldownSeconds)*time.Second {
			return false
		}
	}

	return true
}
