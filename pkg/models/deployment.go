package models

import (
	"time"

	"github.com/google/uuid"
)

// DeploymentStatus represents the lifecycle state of a deployment.
type DeploymentStatus string

const (
	DeploymentStatusDraft      DeploymentStatus = "draft"
	DeploymentStatusCanary     DeploymentStatus = "canary"
	DeploymentStatusActive     DeploymentStatus = "active"
	DeploymentStatusDeprecated DeploymentStatus = "deprecated"
	DeploymentStatusRolledBack DeploymentStatus = "rolled_back"
)

// CompensationStrategy declares how judgments made on a rolled-back
// canary version are treated.
type CompensationStrategy string

const (
	CompensationIgnore           CompensationStrategy = "ignore"
	CompensationMarkAndReprocess CompensationStrategy = "mark_and_reprocess"
	CompensationSoftDelete       CompensationStrategy = "soft_delete"
)

// CanaryConfig holds the health thresholds for one deployment. Zero values
// fall back to the configured defaults.
type CanaryConfig struct {
	MinSamples                  int     `json:"min_samples"`
	ErrorRateThreshold          float64 `json:"error_rate_threshold"`
	RelativeErrorThreshold      float64 `json:"relative_error_threshold"`
	LatencyP95Threshold         float64 `json:"latency_p95_threshold"`
	ConsecutiveFailureThreshold int     `json:"consecutive_failure_threshold"`
	AutoRollbackEnabled         bool    `json:"auto_rollback_enabled"`
}

// Deployment is a planned transition between two versions of a ruleset.
// At most one deployment per ruleset may be in {canary, active}.
type Deployment struct {
	ID                      uuid.UUID            `json:"id" db:"id"`
	TenantID                string               `json:"tenant_id" db:"tenant_id"`
	RulesetID               uuid.UUID            `json:"ruleset_id" db:"ruleset_id"`
	Status                  DeploymentStatus     `json:"status" db:"status"`
	TargetVersion           int                  `json:"target_version" db:"target_version"`
	PreviousVersion         int                  `json:"previous_version" db:"previous_version"`
	CanaryConfig            CanaryConfig         `json:"canary_config" db:"canary_config"`
	CompensationStrategy    CompensationStrategy `json:"compensation_strategy" db:"compensation_strategy"`
	CanaryTrafficPercentage int                  `json:"canary_traffic_percentage" db:"canary_traffic_percentage"` // 0..100
	StartedAt               *time.Time           `json:"started_at,omitempty" db:"started_at"`
	PromotedAt              *time.Time           `json:"promoted_at,omitempty" db:"promoted_at"`
	RolledBackAt            *time.Time           `json:"rolled_back_at,omitempty" db:"rolled_back_at"`
	RollbackReason          string               `json:"rollback_reason,omitempty" db:"rollback_reason"`
	CreatedBy               string               `json:"created_by,omitempty" db:"created_by"`
	CreatedAt               time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time            `json:"updated_at" db:"updated_at"`
}

// CanaryVersion identifies which side of a canary an execution used.
type CanaryVersion string

const (
	CanaryVersionV1 CanaryVersion = "v1" // previous (stable) version
	CanaryVersionV2 CanaryVersion = "v2" // target (canary) version
)

// IdentifierType classifies the identifier used for sticky assignment.
type IdentifierType string

const (
	IdentifierTypeUser             IdentifierType = "user"
	IdentifierTypeSession          IdentifierType = "session"
	IdentifierTypeWorkflowInstance IdentifierType = "workflow_instance"
)

// Priority returns the resolution order when a request carries several
// identifier types. Higher wins.
func (t IdentifierType) Priority() int {
	switch t {
	case IdentifierTypeWorkflowInstance:
		return 3
	case IdentifierTypeSession:
		return 2
	case IdentifierTypeUser:
		return 1
	default:
		return 0
	}
}

// CanaryAssignment is the sticky mapping of one identifier to a canary
// version. Unique on (deployment_id, identifier).
type CanaryAssignment struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	DeploymentID   uuid.UUID      `json:"deployment_id" db:"deployment_id"`
	Identifier     string         `json:"identifier" db:"identifier"`
	IdentifierType IdentifierType `json:"identifier_type" db:"identifier_type"`
	Version        CanaryVersion  `json:"version" db:"version"`
	AssignedAt     time.Time      `json:"assigned_at" db:"assigned_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty" db:"expires_at"`
}

// Expired reports whether the assignment is past its expiry.
func (a *CanaryAssignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// VersionType labels a metrics window as canary or stable traffic.
type VersionType string

const (
	VersionTypeCanary VersionType = "canary"
	VersionTypeStable VersionType = "stable"
)

// MetricsWindow is a time-bucketed aggregate over canary execution logs
// for one (deployment, version_type). Append-only; queries take the latest.
type MetricsWindow struct {
	ID                  uuid.UUID   `json:"id" db:"id"`
	DeploymentID        uuid.UUID   `json:"deployment_id" db:"deployment_id"`
	VersionType         VersionType `json:"version_type" db:"version_type"`
	SampleCount         int         `json:"sample_count" db:"sample_count"`
	SuccessCount        int         `json:"success_count" db:"success_count"`
	ErrorCount          int         `json:"error_count" db:"error_count"`
	ErrorRate           float64     `json:"error_rate" db:"error_rate"`
	LatencyP50          *float64    `json:"latency_p50,omitempty" db:"latency_p50"` // ms
	LatencyP95          *float64    `json:"latency_p95,omitempty" db:"latency_p95"`
	LatencyP99          *float64    `json:"latency_p99,omitempty" db:"latency_p99"`
	LatencyAvg          *float64    `json:"latency_avg,omitempty" db:"latency_avg"`
	ConsecutiveFailures int         `json:"consecutive_failures" db:"consecutive_failures"`
	WindowStart         time.Time   `json:"window_start" db:"window_start"`
	WindowEnd           time.Time   `json:"window_end" db:"window_end"`
}

// CanaryExecutionLog records one judgment observed while a deployment was
// in canary. Compensation markers let rollback find affected rows.
type CanaryExecutionLog struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	DeploymentID  uuid.UUID     `json:"deployment_id" db:"deployment_id"`
	ExecutionID   uuid.UUID     `json:"execution_id" db:"execution_id"`
	CanaryVersion CanaryVersion `json:"canary_version" db:"canary_version"`
	Success       bool          `json:"success" db:"success"`
	LatencyMS     float64       `json:"latency_ms" db:"latency_ms"`
	ErrorMessage  string        `json:"error_message,omitempty" db:"error_message"`
	RollbackSafe  bool          `json:"rollback_safe" db:"rollback_safe"`
	NeedsReproc   bool          `json:"needs_reprocess" db:"needs_reprocess"`
	ReprocessedAt *time.Time    `json:"reprocessed_at,omitempty" db:"reprocessed_at"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}

// CircuitState is the canary health verdict.
type CircuitState string

const (
	CircuitHealthy  CircuitState = "HEALTHY"
	CircuitWarning  CircuitState = "WARNING"
	CircuitCritical CircuitState = "CRITICAL"
)

// Worse reports whether s is more severe than other.
func (s CircuitState) Worse(other CircuitState) bool {
	return s.rank() > other.rank()
}

func (s CircuitState) rank() int {
	switch s {
	case CircuitCritical:
		return 2
	case CircuitWarning:
		return 1
	default:
		return 0
	}
}

// CircuitStatus is the stateless breaker verdict over the latest canary
// and stable metric windows.
type CircuitStatus struct {
	State      CircuitState   `json:"state"`
	ShouldHalt bool           `json:"should_halt"`
	HaltReason string         `json:"halt_reason,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
	Canary     *MetricsWindow `json:"canary,omitempty"`
	Stable     *MetricsWindow `json:"stable,omitempty"`
	CheckedAt  time.Time      `json:"checked_at"`
}

// DeploymentFilter represents filters for listing deployments.
type DeploymentFilter struct {
	RulesetID *uuid.UUID       `json:"ruleset_id,omitempty"`
	Status    DeploymentStatus `json:"status,omitempty"`
}

// DeploymentStatusChangedEvent is published on every state transition.
type DeploymentStatusChangedEvent struct {
	TenantID       string           `json:"tenant_id"`
	DeploymentID   uuid.UUID        `json:"deployment_id"`
	RulesetID      uuid.UUID        `json:"ruleset_id"`
	PreviousStatus DeploymentStatus `json:"previous_status"`
	NewStatus      DeploymentStatus `json:"new_status"`
	Reason         string           `json:"reason,omitempty"`
	TriggeredBy    string           `json:"triggered_by,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}
