package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fabrikhq/decision-core/pkg/canary"
	"github.com/fabrikhq/decision-core/pkg/deployment"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/pkg/rbac"
)

// DeploymentHandler handles deployment lifecycle requests.
type DeploymentHandler struct {
	ctrl *deployment.Controller
	agg  *canary.Aggregator
	exec deployment.Reexecutor
	log  *logger.Logger
}

// NewDeploymentHandler creates a new DeploymentHandler.
func NewDeploymentHandler(ctrl *deployment.Controller, agg *canary.Aggregator, exec deployment.Reexecutor, log *logger.Logger) *DeploymentHandler {
	return &DeploymentHandler{
		ctrl: ctrl,
		agg:  agg,
		exec: exec,
		log:  log.WithComponent("deployment-handler"),
	}
}

func deploymentID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

// Create registers a draft deployment for a ruleset version.
func (h *DeploymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var params deployment.CreateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if params.RulesetID == uuid.Nil {
		writeBadRequest(w, "ruleset_id is required")
		return
	}
	params.CreatedBy = rbac.GetUserIDFromContext(ctx)

	d, err := h.ctrl.Create(ctx, rbac.GetTenantIDFromContext(ctx), params)
	if err != nil {
		h.log.Error("failed to create deployment", "error", err, "ruleset_id", params.RulesetID)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// List returns deployments, optionally filtered by ruleset and status.
func (h *DeploymentHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var rulesetID *uuid.UUID
	if raw := q.Get("ruleset_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeBadRequest(w, "invalid ruleset_id")
			return
		}
		rulesetID = &id
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	deployments, err := h.ctrl.List(ctx, rbac.GetTenantIDFromContext(ctx),
		rulesetID, models.DeploymentStatus(q.Get("status")), limit)
	if err != nil {
		h.log.Error("failed to list deployments", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployments": deployments,
		"total":       len(deployments),
	})
}

// Get returns a single deployment.
func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := deploymentID(r)
	if !ok {
		writeBadRequest(w, "invalid deployment id")
		return
	}

	d, err := h.ctrl.Get(ctx, rbac.GetTenantIDFromContext(ctx), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type startCanaryRequest struct {
	CanaryPct int `json:"canary_pct,omitempty"`
}

// StartCanary moves a draft deployment into the canary phase.
func (h *DeploymentHandler) StartCanary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := deploymentID(r)
	if !ok {
		writeBadRequest(w, "invalid deployment id")
		return
	}

	var body startCanaryRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeBadRequest(w, "invalid request body")
			return
		}
	}

	d, err := h.ctrl.StartCanary(ctx, rbac.GetTenantIDFromContext(ctx), id,
		body.CanaryPct, rbac.GetUserIDFromContext(ctx))
	if err != nil {
		h.log.Error("failed to start canary", "error", err, "deployment_id", id)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type setTrafficRequest struct {
	TrafficPercentage int `json:"traffic_percentage"`
}

// SetTraffic adjusts the canary traffic share.
func (h *DeploymentHandler) SetTraffic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := deploymentID(r)
	if !ok {
		writeBadRequest(w, "invalid deployment id")
		return
	}

	var body setTrafficRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	d, err := h.ctrl.SetTraffic(ctx, rbac.GetTenantIDFromContext(ctx), id,
		body.TrafficPercentage, rbac.GetUserIDFromContext(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Promote makes the canary version the active ruleset version.
func (h *DeploymentHandler) Promote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := deploymentID(r)
	if !ok {
		writeBadRequest(w, "invalid deployment id")
		return
	}

	d, err := h.ctrl.Promote(ctx, rbac.GetTenantIDFromContext(ctx), id, rbac.GetUserIDFromContext(ctx))
	if err != nil {
		h.log.Error("failed to promote deployment", "error", err, "deployment_id", id)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type rollbackRequest struct {
	Reason string `json:"reason,omitempty"`
	// ApplyCompensation defaults to true when absent.
	ApplyCompensation *bool `json:"apply_compensation,omitempty"`
}

func (b rollbackRequest) options() deployment.RollbackOptions {
	return deployment.RollbackOptions{
		SkipCompensation: b.ApplyCompensation != nil && !*b.ApplyCompensation,
	}
}

// Rollback aborts the deployment and runs compensation unless the caller
// opts out.
func (h *DeploymentHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := deploymentID(r)
	if !ok {
		writeBadRequest(w, "invalid deployment id")
		return
	}

	var body rollbackRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeBadRequest(w, "invalid request body")
			return
		}
	}
	reason := body.Reason
	if reason == "" {
		reason = "manual rollback"
	}
	result, err := h.ctrl.Rollback(ctx, rbac.GetTenantIDFromContext(ctx), id,
		reason, rbac.GetUserIDFromContext(ctx), body.options())
	if err != nil {
		h.log.Error("failed to roll back deployment", "error", err, "deployment_id", id)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type reprocessRequest struct {
	Limit int `json:"limit,omitempty"`
}

// Reprocess re-executes judgments that were flagged for reprocessing
// when the deployment rolled back.
func (h *DeploymentHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := deploymentID(r)
	if !ok {
		writeBadRequest(w, "invalid deployment id")
		return
	}

	var body reprocessRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeBadRequest(w, "invalid request body")
			return
		}
	}

	processed, err := h.ctrl.ReprocessBatch(ctx, rbac.GetTenantIDFromContext(ctx), id, body.Limit, h.exec)
	if err != nil {
		h.log.Error("reprocess batch failed", "error", err, "deployment_id", id)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": processed})
}

// Metrics returns the latest aggregated canary and stable windows.
func (h *DeploymentHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := deploymentID(r)
	if !ok {
		writeBadRequest(w, "invalid deployment id")
		return
	}

	// Tenant scoping happens through the deployment lookup.
	if _, err := h.ctrl.Get(ctx, rbac.GetTenantIDFromContext(ctx), id); err != nil {
		writeError(w, err)
		return
	}

	canaryWin, stableWin, err := h.agg.LatestWindows(ctx, id)
	if err != nil {
		h.log.Error("failed to load metric windows", "error", err, "deployment_id", id)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"canary": canaryWin,
		"stable": stableWin,
	})
}

// Health evaluates the circuit breaker verdict for the deployment's
// latest metric windows.
func (h *DeploymentHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := deploymentID(r)
	if !ok {
		writeBadRequest(w, "invalid deployment id")
		return
	}

	d, err := h.ctrl.Get(ctx, rbac.GetTenantIDFromContext(ctx), id)
	if err != nil {
		writeError(w, err)
		return
	}

	canaryWin, stableWin, err := h.agg.LatestWindows(ctx, id)
	if err != nil {
		h.log.Error("failed to load metric windows", "error", err, "deployment_id", id)
		writeError(w, err)
		return
	}

	status := canary.EvaluateCircuit(canaryWin, stableWin, d.CanaryConfig)
	writeJSON(w, http.StatusOK, status)
}
