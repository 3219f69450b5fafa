// Package service provides the business layer between HTTP handlers and
// the repositories and engines.
package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/services/api/internal/evaluator"
	"github.com/fabrikhq/decision-core/services/api/internal/judgment"
	"github.com/fabrikhq/decision-core/services/api/internal/repository"
)

var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidScript indicates a ruleset script failed validation.
	ErrInvalidScript = errors.New("ruleset script is invalid")
	// ErrValidation indicates bad caller input.
	ErrValidation = errors.New("validation failed")
)

// RulesetRepository is the persistence surface of the ruleset service.
// Implemented by repository.RulesetRepo.
type RulesetRepository interface {
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*models.Ruleset, error)
	List(ctx context.Context, tenantID string, filter models.RulesetFilter, page, pageSize int) (*models.RulesetListResponse, error)
	Create(ctx context.Context, rs *models.Ruleset, script, changelog string) (*models.RulesetVersion, error)
	Update(ctx context.Context, tenantID string, id uuid.UUID, p repository.UpdateParams) (*models.Ruleset, error)
	Archive(ctx context.Context, tenantID string, id uuid.UUID) error
	CreateVersion(ctx context.Context, tenantID string, rulesetID uuid.UUID, script, changelog, createdBy string) (*models.RulesetVersion, error)
	ListVersions(ctx context.Context, tenantID string, rulesetID uuid.UUID) ([]models.RulesetVersion, error)
}

// ScriptValidator validates rule scripts without executing effects.
// Implemented by the evaluator HTTP client.
type ScriptValidator interface {
	Validate(ctx context.Context, script string) (*evaluator.Validation, error)
}

// JudgmentRunner executes judgments. Implemented by judgment.Engine.
type JudgmentRunner interface {
	Execute(ctx context.Context, in judgment.Input) (*models.JudgmentResult, error)
}
