package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/services/api/internal/evaluator"
	"github.com/fabrikhq/decision-core/services/api/internal/judgment"
	"github.com/fabrikhq/decision-core/services/api/internal/repository"
)

// RulesetService manages rulesets and their versions. Scripts are
// validated through the evaluator before they are stored.
type RulesetService struct {
	repo      RulesetRepository
	validator ScriptValidator
	runner    JudgmentRunner
	log       *logger.Logger
}

// NewRulesetService creates a ruleset service. validator and runner may
// be nil; validation then accepts any script and ad-hoc execution fails.
func NewRulesetService(repo RulesetRepository, validator ScriptValidator, runner JudgmentRunner, log *logger.Logger) *RulesetService {
	return &RulesetService{
		repo:      repo,
		validator: validator,
		runner:    runner,
		log:       log.WithComponent("rulesets"),
	}
}

// CreateRulesetParams are the inputs for creating a ruleset.
type CreateRulesetParams struct {
	TenantID        string `json:"-"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Category        string `json:"category,omitempty"`
	Script          string `json:"script"`
	Changelog       string `json:"changelog,omitempty"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds,omitempty"`
	CreatedBy       string `json:"-"`
}

// Create validates the script and stores the ruleset with version 1.
// New rulesets start at trust level 0 (everything needs approval).
func (s *RulesetService) Create(ctx context.Context, p CreateRulesetParams) (*models.Ruleset, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if strings.TrimSpace(p.Script) == "" {
		return nil, fmt.Errorf("%w: script is required", ErrValidation)
	}
	if err := s.validateScript(ctx, p.Script); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rs := &models.Ruleset{
		ID:              uuid.New(),
		TenantID:        p.TenantID,
		Name:            p.Name,
		Description:     p.Description,
		Category:        p.Category,
		Status:          models.RulesetStatusActive,
		ActiveVersion:   1,
		TrustLevel:      models.TrustLevelProposed,
		CacheTTLSeconds: p.CacheTTLSeconds,
		CreatedBy:       p.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := s.repo.Create(ctx, rs, p.Script, p.Changelog); err != nil {
		return nil, err
	}
	s.log.Info("ruleset created", "ruleset_id", rs.ID, "tenant_id", p.TenantID, "name", p.Name)
	return rs, nil
}

// Get returns one ruleset.
func (s *RulesetService) Get(ctx context.Context, tenantID string, id uuid.UUID) (*models.Ruleset, error) {
	rs, err := s.repo.Get(ctx, tenantID, id)
	if errors.Is(err, repository.ErrRulesetNotFound) {
		return nil, ErrNotFound
	}
	return rs, err
}

// List returns a filtered ruleset page.
func (s *RulesetService) List(ctx context.Context, tenantID string, filter models.RulesetFilter, page, pageSize int) (*models.RulesetListResponse, error) {
	return s.repo.List(ctx, tenantID, filter, page, pageSize)
}

// Update patches ruleset metadata.
func (s *RulesetService) Update(ctx context.Context, tenantID string, id uuid.UUID, p repository.UpdateParams) (*models.Ruleset, error) {
	rs, err := s.repo.Update(ctx, tenantID, id, p)
	if errors.Is(err, repository.ErrRulesetNotFound) {
		return nil, ErrNotFound
	}
	return rs, err
}

// Archive soft-deletes a ruleset.
func (s *RulesetService) Archive(ctx context.Context, tenantID string, id uuid.UUID) error {
	err := s.repo.Archive(ctx, tenantID, id)
	if errors.Is(err, repository.ErrRulesetNotFound) {
		return ErrNotFound
	}
	return err
}

// CreateVersion validates and appends a new script version. The new
// version does not serve traffic until a deployment promotes it.
func (s *RulesetService) CreateVersion(ctx context.Context, tenantID string, rulesetID uuid.UUID, script, changelog, createdBy string) (*models.RulesetVersion, error) {
	if strings.TrimSpace(script) == "" {
		return nil, fmt.Errorf("%w: script is required", ErrValidation)
	}
	if err := s.validateScript(ctx, script); err != nil {
		return nil, err
	}
	v, err := s.repo.CreateVersion(ctx, tenantID, rulesetID, script, changelog, createdBy)
	if errors.Is(err, repository.ErrRulesetNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("ruleset version created", "ruleset_id", rulesetID, "version", v.Version)
	return v, nil
}

// ListVersions returns a ruleset's versions, newest first.
func (s *RulesetService) ListVersions(ctx context.Context, tenantID string, rulesetID uuid.UUID) ([]models.RulesetVersion, error) {
	return s.repo.ListVersions(ctx, tenantID, rulesetID)
}

// Validate checks a script without storing anything.
func (s *RulesetService) Validate(ctx context.Context, script string) (*evaluator.Validation, error) {
	if s.validator == nil {
		return &evaluator.Validation{Valid: true}, nil
	}
	return s.validator.Validate(ctx, script)
}

// Execute runs an ad-hoc judgment against a ruleset.
func (s *RulesetService) Execute(ctx context.Context, tenantID string, rulesetID uuid.UUID, input json.RawMessage, policy models.JudgmentPolicy, needExplanation bool) (*models.JudgmentResult, error) {
	if s.runner == nil {
		return nil, errors.New("judgment engine unavailable")
	}
	return s.runner.Execute(ctx, judgment.Input{
		TenantID:        tenantID,
		RulesetID:       rulesetID,
		InputData:       input,
		Policy:          policy,
		NeedExplanation: needExplanation,
	})
}

func (s *RulesetService) validateScript(ctx context.Context, script string) error {
	if s.validator == nil {
		return nil
	}
	v, err := s.validator.Validate(ctx, script)
	if err != nil {
		return fmt.Errorf("script validation unavailable: %w", err)
	}
	if !v.Valid {
		return fmt.Errorf("%w: %s", ErrInvalidScript, strings.Join(v.Errors, "; "))
	}
	return nil
}
