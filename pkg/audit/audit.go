// Package audit provides the append-only audit trail for every
// state-changing call. Writes are best-effort: a failed audit insert is
// logged and never blocks the originating request. Request bodies are
// PII-masked before they reach the database.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabrikhq/decision-core/pkg/logger"
)

// Logger provides audit logging functionality.
type Logger struct {
	db     *pgxpool.Pool
	log    *logger.Logger
	masker *Masker
}

// NewLogger creates a new audit logger.
func NewLogger(db *pgxpool.Pool, log *logger.Logger) *Logger {
	return &Logger{
		db:     db,
		log:    log.WithComponent("audit"),
		masker: NewMasker(),
	}
}

// Entry represents an audit log entry.
type Entry struct {
	// Actor information
	ActorType ActorType `json:"actor_type"`
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`

	// Action details
	Action         string         `json:"action"`
	ActionCategory ActionCategory `json:"action_category,omitempty"`

	// Resource affected
	Resource   string `json:"resource"`
	ResourceID string `json:"resource_id,omitempty"`

	// Request context
	Method    string    `json:"method,omitempty"`
	Path      string    `json:"path,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	RequestID uuid.UUID `json:"request_id,omitempty"`

	// Payloads. RequestBody is masked before persistence.
	RequestBody     json.RawMessage `json:"request_body,omitempty"`
	ResponseSummary string          `json:"response_summary,omitempty"`

	// Outcome
	Status       Status `json:"status"`
	StatusCode   int    `json:"status_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Duration
	DurationMS int `json:"duration_ms,omitempty"`
}

// ActorType defines who performed the action.
type ActorType string

const (
	ActorTypeUser      ActorType = "user"
	ActorTypeSystem    ActorType = "system"
	ActorTypeScheduler ActorType = "scheduler"
)

// ActionCategory classifies the action type.
type ActionCategory string

const (
	ActionCategoryRead    ActionCategory = "read"
	ActionCategoryCreate  ActionCategory = "create"
	ActionCategoryUpdate  ActionCategory = "update"
	ActionCategoryDelete  ActionCategory = "delete"
	ActionCategoryExecute ActionCategory = "execute"
)

// Status indicates the outcome of the action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusDenied  Status = "denied"
)

// Log writes an audit entry to the database.
func (l *Logger) Log(ctx context.Context, entry Entry) error {
	if entry.ActionCategory == "" {
		entry.ActionCategory = categorizeAction(entry.Action)
	}

	var maskedBody []byte
	var maskCounts []byte
	if len(entry.RequestBody) > 0 {
		masked, counts := l.masker.Mask(string(entry.RequestBody))
		maskedBody = []byte(masked)
		if len(counts) > 0 {
			maskCounts, _ = json.Marshal(counts)
		}
	}

	var requestID *uuid.UUID
	if entry.RequestID != uuid.Nil {
		requestID = &entry.RequestID
	}

	query := `
		INSERT INTO audit.audit_logs (
			actor_type, user_id, tenant_id,
			action, action_category,
			resource, resource_id,
			method, path, ip, user_agent, request_id,
			request_body, mask_counts, response_summary,
			status, status_code, error_message, duration_ms
		) VALUES (
			$1, $2, $3,
			$4, $5,
			$6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15,
			$16, $17, $18, $19
		)
	`

	_, err := l.db.Exec(ctx, query,
		entry.ActorType, entry.UserID, entry.TenantID,
		entry.Action, entry.ActionCategory,
		entry.Resource, entry.ResourceID,
		entry.Method, entry.Path, entry.IP, entry.UserAgent, requestID,
		maskedBody, maskCounts, entry.ResponseSummary,
		entry.Status, entry.StatusCode, entry.ErrorMessage, entry.DurationMS,
	)

	if err != nil {
		l.log.Error("failed to write audit log", "error", err, "action", entry.Action)
		return fmt.Errorf("failed to write audit log: %w", err)
	}

	return nil
}

// LogAsync writes an audit entry asynchronously (fire and forget).
func (l *Logger) LogAsync(ctx context.Context, entry Entry) {
	go func() {
		// Create a new context with timeout since the original may be cancelled
		logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := l.Log(logCtx, entry); err != nil {
			l.log.Error("async audit log failed", "error", err, "action", entry.Action)
		}
	}()
}

// Query retrieves audit logs with filters.
func (l *Logger) Query(ctx context.Context, filters QueryFilters) ([]Row, error) {
	query := `
		SELECT
			id, created_at, actor_type, user_id, tenant_id,
			action, action_category,
			resource, resource_id,
			method, path, ip, user_agent, request_id,
			request_body, mask_counts, response_summary,
			status, status_code, error_message, duration_ms
		FROM audit.audit_logs
		WHERE tenant_id = $1
	`
	args := []interface{}{filters.TenantID}
	argIdx := 2

	if filters.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filters.UserID)
		argIdx++
	}

	if filters.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, filters.Action)
		argIdx++
	}

	if filters.Resource != "" {
		query += fmt.Sprintf(" AND resource = $%d", argIdx)
		args = append(args, filters.Resource)
		argIdx++
	}

	if filters.ResourceID != "" {
		query += fmt.Sprintf(" AND resource_id = $%d", argIdx)
		args = append(args, filters.ResourceID)
		argIdx++
	}

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	if !filters.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filters.StartTime)
		argIdx++
	}

	if !filters.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filters.EndTime)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filters.Limit)
	} else {
		query += " LIMIT 100"
	}

	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var results []Row
	for rows.Next() {
		var row Row
		var requestID *uuid.UUID
		var maskCounts []byte

		err := rows.Scan(
			&row.ID, &row.CreatedAt, &row.ActorType, &row.UserID, &row.TenantID,
			&row.Action, &row.ActionCategory,
			&row.Resource, &row.ResourceID,
			&row.Method, &row.Path, &row.IP, &row.UserAgent, &requestID,
			&row.RequestBody, &maskCounts, &row.ResponseSummary,
			&row.Status, &row.StatusCode, &row.ErrorMessage, &row.DurationMS,
		)
		if err != nil {
			l.log.Warn("failed to scan audit row", "error", err)
			continue
		}

		if requestID != nil {
			row.RequestID = *requestID
		}
		if len(maskCounts) > 0 {
			_ = json.Unmarshal(maskCounts, &row.MaskCounts)
		}

		results = append(results, row)
	}

	return results, rows.Err()
}

// QueryFilters contains filters for querying audit logs.
type QueryFilters struct {
	TenantID   string
	UserID     string
	Action     string
	Resource   string
	ResourceID string
	Status     string
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
	Offset     int
}

// Row represents a row from the audit_logs table.
type Row struct {
	ID              uuid.UUID       `json:"id"`
	CreatedAt       time.Time       `json:"created_at"`
	ActorType       string          `json:"actor_type"`
	UserID          string          `json:"user_id"`
	TenantID        string          `json:"tenant_id"`
	Action          string          `json:"action"`
	ActionCategory  string          `json:"action_category"`
	Resource        string          `json:"resource"`
	ResourceID      string          `json:"resource_id,omitempty"`
	Method          string          `json:"method,omitempty"`
	Path            string          `json:"path,omitempty"`
	IP              string          `json:"ip,omitempty"`
	UserAgent       string          `json:"user_agent,omitempty"`
	RequestID       uuid.UUID       `json:"request_id,omitempty"`
	RequestBody     json.RawMessage `json:"request_body,omitempty"`
	MaskCounts      map[string]int  `json:"mask_counts,omitempty"`
	ResponseSummary string          `json:"response_summary,omitempty"`
	Status          string          `json:"status"`
	StatusCode      int             `json:"status_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	DurationMS      int             `json:"duration_ms,omitempty"`
}

// Predefined action strings for consistency
const (
	// Ruleset actions
	ActionRulesetCreate        = "ruleset.create"
	ActionRulesetUpdate        = "ruleset.update"
	ActionRulesetDelete        = "ruleset.delete"
	ActionRulesetVersionCreate = "ruleset.version.create"
	ActionRulesetValidate      = "ruleset.validate"

	// Judgment actions
	ActionJudgmentExecute = "judgment.execute"
	ActionJudgmentReplay  = "judgment.replay"
	ActionJudgmentWhatIf  = "judgment.whatif"

	// Deployment actions
	ActionDeploymentCreate      = "deployment.create"
	ActionDeploymentStartCanary = "deployment.start_canary"
	ActionDeploymentSetTraffic  = "deployment.set_traffic"
	ActionDeploymentPromote     = "deployment.promote"
	ActionDeploymentRollback    = "deployment.rollback"
	ActionDeploymentReprocess   = "deployment.reprocess"

	// Trust actions
	ActionTrustCalculate   = "trust.calculate"
	ActionTrustLevelChange = "trust.level_change"
	ActionTrustEvaluate    = "trust.evaluate"

	// Feature flag actions
	ActionFlagEnable  = "flag.enable"
	ActionFlagDisable = "flag.disable"
	ActionFlagRollout = "flag.rollout"

	// Feedback actions
	ActionFeedbackCreate = "feedback.create"

	// Chat actions
	ActionChatRequest = "chat.request"
)

// LogUserAction logs a user-initiated action.
func (l *Logger) LogUserAction(ctx context.Context, userID, tenantID, action string, resource ResourceInfo, status Status) {
	l.LogAsync(ctx, Entry{
		ActorType:  ActorTypeUser,
		UserID:     userID,
		TenantID:   tenantID,
		Action:     action,
		Resource:   resource.Type,
		ResourceID: resource.ID,
		Status:     status,
	})
}

// LogSchedulerAction logs a background-driver action.
func (l *Logger) LogSchedulerAction(ctx context.Context, tenantID, action string, resource ResourceInfo, status Status) {
	l.LogAsync(ctx, Entry{
		ActorType:  ActorTypeScheduler,
		UserID:     "scheduler",
		TenantID:   tenantID,
		Action:     action,
		Resource:   resource.Type,
		ResourceID: resource.ID,
		Status:     status,
	})
}

// ResourceInfo contains information about a resource.
type ResourceInfo struct {
	Type string
	ID   string
}

func categorizeAction(action string) ActionCategory {
	switch {
	case strings.HasSuffix(action, "create"):
		return ActionCategoryCreate
	case strings.HasSuffix(action, "update"), strings.HasSuffix(action, "set_traffic"),
		strings.HasSuffix(action, "level_change"), strings.HasSuffix(action, "rollout"):
		return ActionCategoryUpdate
	case strings.HasSuffix(action, "delete"):
		return ActionCategoryDelete
	case strings.HasSuffix(action, "view"), strings.HasSuffix(action, "list"):
		return ActionCategoryRead
	default:
		return ActionCategoryExecute
	}
}
