package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JudgmentPolicy selects how rule and model outputs are combined.
type JudgmentPolicy string

const (
	PolicyRuleOnly       JudgmentPolicy = "rule_only"
	PolicyLLMOnly        JudgmentPolicy = "llm_only"
	PolicyHybridWeighted JudgmentPolicy = "hybrid_weighted"
)

// Valid reports whether the policy is a known value.
func (p JudgmentPolicy) Valid() bool {
	switch p {
	case PolicyRuleOnly, PolicyLLMOnly, PolicyHybridWeighted:
		return true
	}
	return false
}

// RiskLevel represents the risk classification of a judged action.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Valid reports whether the risk level is a known value.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Decision is the gate outcome of the decision matrix.
type Decision string

const (
	DecisionAutoExecute     Decision = "auto_execute"
	DecisionRequireApproval Decision = "require_approval"
	DecisionReject          Decision = "reject"
)

// JudgmentExecution is the append-only record of one judgment call.
type JudgmentExecution struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	TenantID         string          `json:"tenant_id" db:"tenant_id"`
	RulesetID        uuid.UUID       `json:"ruleset_id" db:"ruleset_id"`
	RulesetVersion   int             `json:"ruleset_version" db:"ruleset_version"`
	InputData        json.RawMessage `json:"input_data" db:"input_data"`
	Result           json.RawMessage `json:"result" db:"result"`
	Confidence       float64         `json:"confidence" db:"confidence"` // 0..1
	MethodUsed       JudgmentPolicy  `json:"method_used" db:"method_used"`
	TrustLevelAtTime TrustLevel      `json:"trust_level_at_time" db:"trust_level_at_time"`
	RiskLevel        RiskLevel       `json:"risk_level" db:"risk_level"`
	Decision         Decision        `json:"decision" db:"decision"`
	AutoExecuted     bool            `json:"auto_executed" db:"auto_executed"`
	Success          bool            `json:"success" db:"success"`
	ErrorMessage     string          `json:"error_message,omitempty" db:"error_message"`
	LatencyMS        float64         `json:"latency_ms" db:"latency_ms"`
	Metadata         json.RawMessage `json:"execution_metadata,omitempty" db:"execution_metadata"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// ExecutionMetadata is the free-form bag carried on a judgment record.
// Compensation markers land here on rollback.
type ExecutionMetadata struct {
	CacheHit       bool   `json:"cache_hit,omitempty"`
	CanaryVersion  string `json:"canary_version,omitempty"`
	DeploymentID   string `json:"deployment_id,omitempty"`
	NeedsReprocess bool   `json:"needs_reprocess,omitempty"`
	SoftDeleted    bool   `json:"soft_deleted,omitempty"`
	ReplayOf       string `json:"replay_of,omitempty"`
}

// DecisionMatrixEntry maps (trust_level, risk_level) to a decision with
// optional guards. Unique per tenant on that pair.
type DecisionMatrixEntry struct {
	ID                     uuid.UUID  `json:"id" db:"id"`
	TenantID               string     `json:"tenant_id" db:"tenant_id"`
	TrustLevel             TrustLevel `json:"trust_level" db:"trust_level"`
	RiskLevel              RiskLevel  `json:"risk_level" db:"risk_level"`
	Decision               Decision   `json:"decision" db:"decision"`
	MinTrustScore          *float64   `json:"min_trust_score,omitempty" db:"min_trust_score"`
	MaxConsecutiveFailures *int       `json:"max_consecutive_failures,omitempty" db:"max_consecutive_failures"`
	CooldownSeconds        *int       `json:"cooldown_seconds,omitempty" db:"cooldown_seconds"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at" db:"updated_at"`
}

// ActionRiskDefinition maps an action type to its risk classification.
type ActionRiskDefinition struct {
	ID                uuid.UUID `json:"id" db:"id"`
	TenantID          string    `json:"tenant_id" db:"tenant_id"`
	ActionType        string    `json:"action_type" db:"action_type"` // exact name or glob pattern
	RiskLevel         RiskLevel `json:"risk_level" db:"risk_level"`
	Reversible        bool      `json:"reversible" db:"reversible"`
	AffectsProduction bool      `json:"affects_production" db:"affects_production"`
	AffectsFinance    bool      `json:"affects_finance" db:"affects_finance"`
	AffectsCompliance bool      `json:"affects_compliance" db:"affects_compliance"`
	Priority          int       `json:"priority" db:"priority"` // pattern resolution order, higher first
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// ExecutionStatus tracks the downstream fate of an auto-execute decision.
type ExecutionStatus string

const (
	ExecutionStatusStaged    ExecutionStatus = "staged"
	ExecutionStatusApproved  ExecutionStatus = "approved"
	ExecutionStatusRejected  ExecutionStatus = "rejected"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// AutoExecutionLog is the append-only record of each decision effect.
type AutoExecutionLog struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	TenantID        string          `json:"tenant_id" db:"tenant_id"`
	ExecutionID     uuid.UUID       `json:"execution_id" db:"execution_id"`
	RulesetID       uuid.UUID       `json:"ruleset_id" db:"ruleset_id"`
	Decision        Decision        `json:"decision" db:"decision"`
	ExecutionStatus ExecutionStatus `json:"execution_status" db:"execution_status"`
	ActionType      string          `json:"action_type,omitempty" db:"action_type"`
	ApprovalRef     string          `json:"approval_ref,omitempty" db:"approval_ref"`
	ApprovedBy      string          `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty" db:"approved_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// JudgmentResult is the caller-facing outcome of a judgment call.
type JudgmentResult struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	Result      json.RawMessage `json:"result"`
	Confidence  float64         `json:"confidence"`
	MethodUsed  JudgmentPolicy  `json:"method_used"`
	CacheHit    bool            `json:"cache_hit"`
	Decision    Decision        `json:"decision"`
	RiskLevel   RiskLevel       `json:"risk_level"`
	TrustLevel  TrustLevel      `json:"trust_level"`
	Explanation string          `json:"explanation,omitempty"`
	CanaryInfo  *CanaryInfo     `json:"canary_info,omitempty"`
	LatencyMS   float64         `json:"latency_ms"`
}

// CanaryInfo annotates a judgment that went through canary routing.
type CanaryInfo struct {
	DeploymentID uuid.UUID     `json:"deployment_id"`
	Version      CanaryVersion `json:"version"`
}

// JudgmentRecordedEvent is published after a judgment row is appended.
type JudgmentRecordedEvent struct {
	TenantID    string    `json:"tenant_id"`
	ExecutionID uuid.UUID `json:"execution_id"`
	RulesetID   uuid.UUID `json:"ruleset_id"`
	Decision    Decision  `json:"decision"`
	RiskLevel   RiskLevel `json:"risk_level"`
	Success     bool      `json:"success"`
	CacheHit    bool      `json:"cache_hit"`
	Timestamp   time.Time `json:"timestamp"`
}
