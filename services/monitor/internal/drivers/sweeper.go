package drivers

import (
	"context"
	"fmt"

	"github.com/fabrikhq/decision-core/pkg/canary"
	"github.com/fabrikhq/decision-core/pkg/logger"
)

// Sweeper deletes expired rows. Satisfied by canary.Assigner.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// AssignmentSweeper drops expired canary assignments so identifiers get
// re-bucketed on their next judgment.
type AssignmentSweeper struct {
	assigner Sweeper
	log      *logger.Logger
}

// NewAssignmentSweeper creates an AssignmentSweeper.
func NewAssignmentSweeper(assigner *canary.Assigner, log *logger.Logger) *AssignmentSweeper {
	return &AssignmentSweeper{
		assigner: assigner,
		log:      log.WithComponent("assignment-sweeper"),
	}
}

// Name implements scheduler.Driver.
func (s *AssignmentSweeper) Name() string { return "assignment_sweeper" }

// Run implements scheduler.Driver.
func (s *AssignmentSweeper) Run(ctx context.Context) error {
	deleted, err := s.assigner.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep expired assignments: %w", err)
	}
	if deleted > 0 {
		s.log.Info("expired assignments swept", "deleted", deleted)
	}
	return nil
}
