package drivers

import (
	"context"
	"fmt"

	"github.com/fabrikhq/decision-core/pkg/database"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/pkg/trust"
)

// TrustEvaluator is the slice of the trust engine the reevaluator needs.
type TrustEvaluator interface {
	BatchEvaluate(ctx context.Context, tenantID string) ([]models.TrustEvaluation, error)
}

// TrustReevaluator periodically recomputes trust scores for every
// tenant with active rulesets and applies any automatic transitions.
type TrustReevaluator struct {
	db     *database.DB
	engine TrustEvaluator
	log    *logger.Logger
}

// NewTrustReevaluator creates a TrustReevaluator.
func NewTrustReevaluator(db *database.DB, engine *trust.Engine, log *logger.Logger) *TrustReevaluator {
	return &TrustReevaluator{
		db:     db,
		engine: engine,
		log:    log.WithComponent("trust-reevaluator"),
	}
}

// Name implements scheduler.Driver.
func (t *TrustReevaluator) Name() string { return "trust_reevaluator" }

// Run walks the tenants one by one. A tenant failing does not stop the
// sweep.
func (t *TrustReevaluator) Run(ctx context.Context) error {
	tenants, err := t.tenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	var firstErr error
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		evals, err := t.engine.BatchEvaluate(ctx, tenantID)
		if err != nil {
			t.log.Error("batch trust evaluation failed", "tenant_id", tenantID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		transitioned := 0
		for _, ev := range evals {
			if ev.Transitioned {
				transitioned++
			}
		}
		t.log.Debug("tenant trust sweep complete",
			"tenant_id", tenantID, "evaluated", len(evals), "transitioned", transitioned)
	}
	return firstErr
}

func (t *TrustReevaluator) tenants(ctx context.Context) ([]string, error) {
	rows, err := t.db.Query(ctx, `
		SELECT DISTINCT tenant_id FROM rulesets WHERE status = 'active'
		ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}
