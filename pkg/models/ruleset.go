// Package models provides domain models for the decision core.
package models

import (
	"time"

	"github.com/google/uuid"
)

// RulesetStatus represents the lifecycle state of a ruleset.
type RulesetStatus string

const (
	RulesetStatusActive   RulesetStatus = "active"
	RulesetStatusInactive RulesetStatus = "inactive"
	RulesetStatusArchived RulesetStatus = "archived"
)

// Ruleset is a named, versioned decision artifact. Its trust fields are
// derived from the latest TrustHistory row; C7 is the only writer.
type Ruleset struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	TenantID      string        `json:"tenant_id" db:"tenant_id"`
	Name          string        `json:"name" db:"name"`
	Description   string        `json:"description,omitempty" db:"description"`
	Category      string        `json:"category,omitempty" db:"category"`
	Status        RulesetStatus `json:"status" db:"status"`
	ActiveVersion int           `json:"active_version" db:"active_version"`

	TrustLevel      TrustLevel      `json:"trust_level" db:"trust_level"`
	TrustScore      float64         `json:"trust_score" db:"trust_score"` // 0..1
	TrustComponents TrustComponents `json:"trust_components" db:"trust_components"`

	ExecutionCount    int64    `json:"execution_count" db:"execution_count"`
	PositiveFeedback  int64    `json:"positive_feedback" db:"positive_feedback"`
	NegativeFeedback  int64    `json:"negative_feedback" db:"negative_feedback"`
	AccuracyRate      *float64 `json:"accuracy_rate,omitempty" db:"accuracy_rate"` // nil until feedback exists
	CacheTTLSeconds   int      `json:"cache_ttl_seconds" db:"cache_ttl_seconds"`
	AutoExecutionDays int      `json:"auto_execution_days,omitempty" db:"auto_execution_days"`

	LastExecutionAt *time.Time `json:"last_execution_at,omitempty" db:"last_execution_at"`
	LastPromotedAt  *time.Time `json:"last_promoted_at,omitempty" db:"last_promoted_at"`
	LastDemotedAt   *time.Time `json:"last_demoted_at,omitempty" db:"last_demoted_at"`

	CreatedBy string    `json:"created_by,omitempty" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TrustComponents holds the weighted sub-scores behind a trust score.
// All values are in [0,1].
type TrustComponents struct {
	Accuracy    float64 `json:"accuracy"`
	Consistency float64 `json:"consistency"`
	Frequency   float64 `json:"frequency"`
	Feedback    float64 `json:"feedback"`
	Age         float64 `json:"age"`
}

// VersionStatus represents the publication state of a ruleset version.
type VersionStatus string

const (
	VersionStatusDraft     VersionStatus = "draft"
	VersionStatusPublished VersionStatus = "published"
)

// RulesetVersion is an immutable revision of a ruleset's script body.
type RulesetVersion struct {
	ID                uuid.UUID     `json:"id" db:"id"`
	RulesetID         uuid.UUID     `json:"ruleset_id" db:"ruleset_id"`
	Version           int           `json:"version" db:"version"` // monotonic per ruleset
	Script            string        `json:"script" db:"script"`
	Changelog         string        `json:"changelog,omitempty" db:"changelog"`
	Status            VersionStatus `json:"status" db:"status"`
	InitialTrustLevel TrustLevel    `json:"initial_trust_level" db:"initial_trust_level"`
	CreatedBy         string        `json:"created_by,omitempty" db:"created_by"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
}

// RulesetFilter represents filters for listing rulesets.
type RulesetFilter struct {
	Status     RulesetStatus `json:"status,omitempty"`
	Category   string        `json:"category,omitempty"`
	TrustLevel *TrustLevel   `json:"trust_level,omitempty"`
	Search     string        `json:"search,omitempty"`
}

// RulesetListResponse represents a paginated list of rulesets.
type RulesetListResponse struct {
	Rulesets   []Ruleset `json:"rulesets"`
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	PageSize   int       `json:"page_size"`
	TotalPages int       `json:"total_pages"`
}
