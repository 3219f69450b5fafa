package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/pkg/rbac"
	"github.com/fabrikhq/decision-core/services/api/internal/judgment"
)

// JudgmentEngine is the subset of the judgment engine the HTTP
// surface needs.
type JudgmentEngine interface {
	Execute(ctx context.Context, in judgment.Input) (*models.JudgmentResult, error)
	Replay(ctx context.Context, tenantID string, executionID uuid.UUID, opts judgment.ReplayOptions) (*judgment.ReplayResult, error)
	ReplayBatch(ctx context.Context, tenantID string, executionIDs []uuid.UUID, opts judgment.ReplayOptions) ([]judgment.BatchItem, error)
	WhatIf(ctx context.Context, tenantID string, executionID uuid.UUID, modifications map[string]any) (*judgment.WhatIfResult, error)
}

// JudgmentHandler handles judgment execution and replay requests.
type JudgmentHandler struct {
	engine JudgmentEngine
	log    *logger.Logger
}

// NewJudgmentHandler creates a new JudgmentHandler.
func NewJudgmentHandler(engine JudgmentEngine, log *logger.Logger) *JudgmentHandler {
	return &JudgmentHandler{
		engine: engine,
		log:    log.WithComponent("judgment-handler"),
	}
}

type executeRequest struct {
	RulesetID       uuid.UUID             `json:"ruleset_id"`
	InputData       json.RawMessage       `json:"input_data"`
	Policy          models.JudgmentPolicy `json:"policy,omitempty"`
	NeedExplanation bool                  `json:"need_explanation,omitempty"`
}

// Execute runs a judgment against a ruleset.
func (h *JudgmentHandler) Execute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if body.RulesetID == uuid.Nil {
		writeBadRequest(w, "ruleset_id is required")
		return
	}

	result, err := h.engine.Execute(ctx, judgment.Input{
		TenantID:        rbac.GetTenantIDFromContext(ctx),
		RulesetID:       body.RulesetID,
		InputData:       body.InputData,
		Policy:          body.Policy,
		NeedExplanation: body.NeedExplanation,
		Identifier:      rbac.GetUserIDFromContext(ctx),
		IdentifierType:  models.IdentifierTypeUser,
	})
	if err != nil {
		h.log.Error("judgment execution failed", "error", err, "ruleset_id", body.RulesetID)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type replayRequest struct {
	UseCurrentRuleset bool `json:"use_current_ruleset,omitempty"`
	RulesetVersion    *int `json:"ruleset_version,omitempty"`
}

// Replay re-runs a past execution without side effects.
func (h *JudgmentHandler) Replay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	executionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "invalid execution id")
		return
	}

	var body replayRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeBadRequest(w, "invalid request body")
			return
		}
	}

	result, err := h.engine.Replay(ctx, rbac.GetTenantIDFromContext(ctx), executionID, judgment.ReplayOptions{
		UseCurrentRuleset: body.UseCurrentRuleset,
		RulesetVersion:    body.RulesetVersion,
	})
	if err != nil {
		h.log.Error("replay failed", "error", err, "execution_id", executionID)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type replayBatchRequest struct {
	ExecutionIDs      []uuid.UUID `json:"execution_ids"`
	UseCurrentRuleset bool        `json:"use_current_ruleset,omitempty"`
	RulesetVersion    *int        `json:"ruleset_version,omitempty"`
}

const maxReplayBatch = 100

// ReplayBatch replays a set of executions, continuing past per-item
// failures.
func (h *JudgmentHandler) ReplayBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body replayBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if len(body.ExecutionIDs) == 0 {
		writeBadRequest(w, "execution_ids is required")
		return
	}
	if len(body.ExecutionIDs) > maxReplayBatch {
		writeBadRequest(w, "execution_ids exceeds the batch limit of 100")
		return
	}

	items, err := h.engine.ReplayBatch(ctx, rbac.GetTenantIDFromContext(ctx), body.ExecutionIDs, judgment.ReplayOptions{
		UseCurrentRuleset: body.UseCurrentRuleset,
		RulesetVersion:    body.RulesetVersion,
	})
	if err != nil {
		h.log.Error("batch replay failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

type whatIfRequest struct {
	Modifications map[string]any `json:"modifications"`
}

// WhatIf replays an execution with modified input fields.
func (h *JudgmentHandler) WhatIf(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	executionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "invalid execution id")
		return
	}

	var body whatIfRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if len(body.Modifications) == 0 {
		writeBadRequest(w, "modifications is required")
		return
	}

	result, err := h.engine.WhatIf(ctx, rbac.GetTenantIDFromContext(ctx), executionID, body.Modifications)
	if err != nil {
		h.log.Error("what-if failed", "error", err, "execution_id", executionID)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
