package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/fabrikhq/decision-core/pkg/audit"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/rbac"
)

// AuditQuerier is the read side of the audit log.
type AuditQuerier interface {
	Query(ctx context.Context, filters audit.QueryFilters) ([]audit.Row, error)
}

// AuditHandler serves the audit log to administrators.
type AuditHandler struct {
	store AuditQuerier
	log   *logger.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(store AuditQuerier, log *logger.Logger) *AuditHandler {
	return &AuditHandler{
		store: store,
		log:   log.WithComponent("audit-handler"),
	}
}

// Logs returns audit rows for the tenant, newest first. The route is
// restricted to admins; the tenant filter is always forced from the
// request context.
func (h *AuditHandler) Logs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filters := audit.QueryFilters{
		TenantID:   rbac.GetTenantIDFromContext(ctx),
		UserID:     q.Get("user_id"),
		Action:     q.Get("action"),
		Resource:   q.Get("resource"),
		ResourceID: q.Get("resource_id"),
		Status:     q.Get("status"),
	}
	filters.Limit, _ = strconv.Atoi(q.Get("limit"))
	filters.Offset, _ = strconv.Atoi(q.Get("offset"))

	if raw := q.Get("start_time"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeBadRequest(w, "start_time must be RFC 3339")
			return
		}
		filters.StartTime = t
	}
	if raw := q.Get("end_time"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeBadRequest(w, "end_time must be RFC 3339")
			return
		}
		filters.EndTime = t
	}

	rows, err := h.store.Query(ctx, filters)
	if err != nil {
		h.log.Error("audit query failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  rows,
		"total": len(rows),
	})
}
