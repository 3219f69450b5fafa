package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TrustLevel represents the autonomy level granted to a ruleset.
type TrustLevel int

const (
	TrustLevelProposed    TrustLevel = 0 // observe only, everything needs approval
	TrustLevelAlertOnly   TrustLevel = 1 // judgments raise alerts, no execution
	TrustLevelLowRiskAuto TrustLevel = 2 // auto-execute low-risk actions
	TrustLevelFullAuto    TrustLevel = 3 // auto-execute per decision matrix
)

// String returns the human-readable level name.
func (l TrustLevel) String() string {
	switch l {
	case TrustLevelProposed:
		return "proposed"
	case TrustLevelAlertOnly:
		return "alert_only"
	case TrustLevelLowRiskAuto:
		return "low_risk_auto"
	case TrustLevelFullAuto:
		return "full_auto"
	default:
		return "unknown"
	}
}

// Valid reports whether the level is within the defined range.
func (l TrustLevel) Valid() bool {
	return l >= TrustLevelProposed && l <= TrustLevelFullAuto
}

// TriggeredBy identifies what initiated a trust transition.
type TriggeredBy string

const (
	TriggeredByAuto     TriggeredBy = "auto"
	TriggeredByManual   TriggeredBy = "manual"
	TriggeredByFeedback TriggeredBy = "feedback"
)

// TrustHistory is the append-only record of trust level transitions.
// The current level on Ruleset is derived from the latest row.
type TrustHistory struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	TenantID      string          `json:"tenant_id" db:"tenant_id"`
	RulesetID     uuid.UUID       `json:"ruleset_id" db:"ruleset_id"`
	PreviousLevel TrustLevel      `json:"previous_level" db:"previous_level"`
	NewLevel      TrustLevel      `json:"new_level" db:"new_level"`
	Reason        string          `json:"reason" db:"reason"`
	TriggeredBy   TriggeredBy     `json:"triggered_by" db:"triggered_by"`
	Snapshot      json.RawMessage `json:"metrics_snapshot,omitempty" db:"metrics_snapshot"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// TrustSnapshot is the metrics state captured at a transition decision point.
type TrustSnapshot struct {
	TrustScore       float64         `json:"trust_score"`
	Components       TrustComponents `json:"components"`
	ExecutionCount   int64           `json:"execution_count"`
	PositiveFeedback int64           `json:"positive_feedback"`
	NegativeFeedback int64           `json:"negative_feedback"`
	AccuracyRate     *float64        `json:"accuracy_rate,omitempty"`
}

// TrustEvaluation is the outcome of one scoring pass over a ruleset.
type TrustEvaluation struct {
	RulesetID    uuid.UUID       `json:"ruleset_id"`
	Score        float64         `json:"score"`
	Components   TrustComponents `json:"components"`
	CurrentLevel TrustLevel      `json:"current_level"`
	TargetLevel  TrustLevel      `json:"target_level"`
	Transitioned bool            `json:"transitioned"`
	Reason       string          `json:"reason,omitempty"`
	EvaluatedAt  time.Time       `json:"evaluated_at"`
}

// TrustLevelChangedEvent is published when a ruleset changes trust level.
type TrustLevelChangedEvent struct {
	TenantID      string      `json:"tenant_id"`
	RulesetID     uuid.UUID   `json:"ruleset_id"`
	PreviousLevel TrustLevel  `json:"previous_level"`
	NewLevel      TrustLevel  `json:"new_level"`
	Reason        string      `json:"reason"`
	TriggeredBy   TriggeredBy `json:"triggered_by"`
	Timestamp     time.Time   `json:"timestamp"`
}
