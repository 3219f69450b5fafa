// Package mocks provides hand-written repository mocks for service
// tests. Each mock keeps an in-memory map and exposes XFunc fields to
// override individual calls.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/services/api/internal/repository"
)

// MockRulesetRepository is an in-memory RulesetRepository.
type MockRulesetRepository struct {
	mu       sync.RWMutex
	rulesets map[uuid.UUID]*models.Ruleset
	versions map[uuid.UUID][]models.RulesetVersion

	GetFunc           func(ctx context.Context, tenantID string, id uuid.UUID) (*models.Ruleset, error)
	ListFunc          func(ctx context.Context, tenantID string, filter models.RulesetFilter, page, pageSize int) (*models.RulesetListResponse, error)
	CreateFunc        func(ctx context.Context, rs *models.Ruleset, script, changelog string) (*models.RulesetVersion, error)
	UpdateFunc        func(ctx context.Context, tenantID string, id uuid.UUID, p repository.UpdateParams) (*models.Ruleset, error)
	ArchiveFunc       func(ctx context.Context, tenantID string, id uuid.UUID) error
	CreateVersionFunc func(ctx context.Context, tenantID string, rulesetID uuid.UUID, script, changelog, createdBy string) (*models.RulesetVersion, error)
	ListVersionsFunc  func(ctx context.Context, tenantID string, rulesetID uuid.UUID) ([]models.RulesetVersion, error)
}

// NewMockRulesetRepository creates an empty mock.
func NewMockRulesetRepository() *MockRulesetRepository {
	return &MockRulesetRepository{
		rulesets: make(map[uuid.UUID]*models.Ruleset),
		versions: make(map[uuid.UUID][]models.RulesetVersion),
	}
}

func (m *MockRulesetRepository) Get(ctx context.Context, tenantID string, id uuid.UUID) (*models.Ruleset, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, tenantID, id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rs, ok := m.rulesets[id]; ok && rs.TenantID == tenantID {
		copied := *rs
		return &copied, nil
	}
	return nil, repository.ErrRulesetNotFound
}

func (m *MockRulesetRepository) List(ctx context.Context, tenantID string, filter models.RulesetFilter, page, pageSize int) (*models.RulesetListResponse, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, tenantID, filter, page, pageSize)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Ruleset
	for _, rs := range m.rulesets {
		if rs.TenantID != tenantID {
			continue
		}
		if filter.Status != "" && rs.Status != filter.Status {
			continue
		}
		out = append(out, *rs)
	}
	return &models.RulesetListResponse{
		Rulesets: out,
		Total:    len(out),
		Page:     1,
		PageSize: len(out),
	}, nil
}

func (m *MockRulesetRepository) Create(ctx context.Context, rs *models.Ruleset, script, changelog string) (*models.RulesetVersion, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, rs, script, changelog)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *rs
	m.rulesets[rs.ID] = &copied
	v := models.RulesetVersion{
		ID:        uuid.New(),
		RulesetID: rs.ID,
		Version:   1,
		Script:    script,
		Changelog: changelog,
		Status:    models.VersionStatusPublished,
		CreatedAt: time.Now().UTC(),
	}
	m.versions[rs.ID] = append(m.versions[rs.ID], v)
	return &v, nil
}

func (m *MockRulesetRepository) Update(ctx context.Context, tenantID string, id uuid.UUID, p repository.UpdateParams) (*models.Ruleset, error) {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, tenantID, id, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.rulesets[id]
	if !ok || rs.TenantID != tenantID {
		return nil, repository.ErrRulesetNotFound
	}
	if p.Name != nil {
		rs.Name = *p.Name
	}
	if p.Description != nil {
		rs.Description = *p.Description
	}
	if p.Status != nil {
		rs.Status = *p.Status
	}
	if p.CacheTTLSeconds != nil {
		rs.CacheTTLSeconds = *p.CacheTTLSeconds
	}
	rs.UpdatedAt = time.Now().UTC()
	copied := *rs
	return &copied, nil
}

func (m *MockRulesetRepository) Archive(ctx context.Context, tenantID string, id uuid.UUID) error {
	if m.ArchiveFunc != nil {
		return m.ArchiveFunc(ctx, tenantID, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.rulesets[id]
	if !ok || rs.TenantID != tenantID {
		return repository.ErrRulesetNotFound
	}
	rs.Status = models.RulesetStatusArchived
	return nil
}

func (m *MockRulesetRepository) CreateVersion(ctx context.Context, tenantID string, rulesetID uuid.UUID, script, changelog, createdBy string) (*models.RulesetVersion, error) {
	if m.CreateVersionFunc != nil {
		return m.CreateVersionFunc(ctx, tenantID, rulesetID, script, changelog, createdBy)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.rulesets[rulesetID]
	if !ok || rs.TenantID != tenantID {
		return nil, repository.ErrRulesetNotFound
	}
	v := models.RulesetVersion{
		ID:        uuid.New(),
		RulesetID: rulesetID,
		Version:   len(m.versions[rulesetID]) + 1,
		Script:    script,
		Changelog: changelog,
		Status:    models.VersionStatusPublished,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}
	m.versions[rulesetID] = append(m.versions[rulesetID], v)
	return &v, nil
}

func (m *MockRulesetRepository) ListVersions(ctx context.Context, tenantID string, rulesetID uuid.UUID) ([]models.RulesetVersion, error) {
	if m.ListVersionsFunc != nil {
		return m.ListVersionsFunc(ctx, tenantID, rulesetID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs := m.versions[rulesetID]
	out := make([]models.RulesetVersion, len(vs))
	for i := range vs {
		out[len(vs)-1-i] = vs[i]
	}
	return out, nil
}
