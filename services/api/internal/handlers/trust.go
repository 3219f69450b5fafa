package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/pkg/rbac"
)

// TrustEngine is the subset of the trust engine the HTTP surface needs.
type TrustEngine interface {
	CalculateScore(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.TrustEvaluation, error)
	Evaluate(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.TrustEvaluation, error)
	BatchEvaluate(ctx context.Context, tenantID string) ([]models.TrustEvaluation, error)
	SetLevel(ctx context.Context, tenantID string, rulesetID uuid.UUID, level models.TrustLevel, reason string) (*models.TrustEvaluation, error)
	History(ctx context.Context, tenantID string, rulesetID uuid.UUID, limit int) ([]models.TrustHistory, error)
}

// TrustHandler handles trust score and level requests.
type TrustHandler struct {
	engine TrustEngine
	log    *logger.Logger
}

// NewTrustHandler creates a new TrustHandler.
func NewTrustHandler(engine TrustEngine, log *logger.Logger) *TrustHandler {
	return &TrustHandler{
		engine: engine,
		log:    log.WithComponent("trust-handler"),
	}
}

func trustRulesetID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "rulesetID"))
	return id, err == nil
}

// Get computes the current trust score without triggering a transition.
func (h *TrustHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := trustRulesetID(r)
	if !ok {
		writeBadRequest(w, "invalid ruleset id")
		return
	}

	eval, err := h.engine.CalculateScore(ctx, rbac.GetTenantIDFromContext(ctx), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// Evaluate recomputes the trust score and applies any level transition
// the score and streaks call for.
func (h *TrustHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := trustRulesetID(r)
	if !ok {
		writeBadRequest(w, "invalid ruleset id")
		return
	}

	eval, err := h.engine.Evaluate(ctx, rbac.GetTenantIDFromContext(ctx), id)
	if err != nil {
		h.log.Error("trust evaluation failed", "error", err, "ruleset_id", id)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// BatchEvaluate re-evaluates every active ruleset for the tenant.
func (h *TrustHandler) BatchEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	evals, err := h.engine.BatchEvaluate(ctx, rbac.GetTenantIDFromContext(ctx))
	if err != nil {
		h.log.Error("batch trust evaluation failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"evaluations": evals,
		"total":       len(evals),
	})
}

type setLevelRequest struct {
	Level  *int   `json:"level"`
	Reason string `json:"reason"`
}

// SetLevel pins a ruleset to an explicit trust level.
func (h *TrustHandler) SetLevel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := trustRulesetID(r)
	if !ok {
		writeBadRequest(w, "invalid ruleset id")
		return
	}

	var body setLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if body.Level == nil {
		writeBadRequest(w, "level is required")
		return
	}
	level := models.TrustLevel(*body.Level)
	if !level.Valid() {
		writeBadRequest(w, "level must be between 0 and 3")
		return
	}
	if body.Reason == "" {
		writeBadRequest(w, "reason is required for manual level changes")
		return
	}

	eval, err := h.engine.SetLevel(ctx, rbac.GetTenantIDFromContext(ctx), id, level, body.Reason)
	if err != nil {
		h.log.Error("failed to set trust level", "error", err, "ruleset_id", id, "level", level)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// History returns the trust transition log, newest first.
func (h *TrustHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := trustRulesetID(r)
	if !ok {
		writeBadRequest(w, "invalid ruleset id")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := h.engine.History(ctx, rbac.GetTenantIDFromContext(ctx), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history": history,
		"total":   len(history),
	})
}
