package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FeedbackType classifies user feedback on a judgment.
type FeedbackType string

const (
	FeedbackPositive   FeedbackType = "positive"
	FeedbackNegative   FeedbackType = "negative"
	FeedbackCorrection FeedbackType = "correction"
)

// FeedbackLog records one piece of user feedback on a judgment execution.
type FeedbackLog struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	TenantID    string          `json:"tenant_id" db:"tenant_id"`
	ExecutionID uuid.UUID       `json:"execution_id" db:"execution_id"`
	RulesetID   uuid.UUID       `json:"ruleset_id" db:"ruleset_id"`
	Type        FeedbackType    `json:"type" db:"type"`
	Comment     string          `json:"comment,omitempty" db:"comment"`
	Correction  json.RawMessage `json:"correction,omitempty" db:"correction"` // set when type == correction
	CreatedBy   string          `json:"created_by,omitempty" db:"created_by"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Sample is a deduplicated input/output pair promoted from feedback.
// ContentHash deduplicates across promotions.
type Sample struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	TenantID    string          `json:"tenant_id" db:"tenant_id"`
	RulesetID   uuid.UUID       `json:"ruleset_id" db:"ruleset_id"`
	InputData   json.RawMessage `json:"input_data" db:"input_data"`
	Expected    json.RawMessage `json:"expected" db:"expected"`
	ContentHash string          `json:"content_hash" db:"content_hash"`
	SourceType  FeedbackType    `json:"source_type" db:"source_type"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// GoldenSampleSet is a curated set of samples used for few-shot selection.
type GoldenSampleSet struct {
	ID          uuid.UUID `json:"id" db:"id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	RulesetID   uuid.UUID `json:"ruleset_id" db:"ruleset_id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	SampleCount int       `json:"sample_count" db:"sample_count"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// GoldenSampleSetMember links a sample into a golden set.
type GoldenSampleSetMember struct {
	SetID    uuid.UUID `json:"set_id" db:"set_id"`
	SampleID uuid.UUID `json:"sample_id" db:"sample_id"`
	Position int       `json:"position" db:"position"`
	AddedAt  time.Time `json:"added_at" db:"added_at"`
}
