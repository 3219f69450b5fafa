package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/pkg/rbac"
	"github.com/fabrikhq/decision-core/services/api/internal/repository"
	"github.com/fabrikhq/decision-core/services/api/internal/service"
)

// RulesetHandler handles ruleset CRUD and execution requests.
type RulesetHandler struct {
	svc *service.RulesetService
	log *logger.Logger
}

// NewRulesetHandler creates a new RulesetHandler.
func NewRulesetHandler(svc *service.RulesetService, log *logger.Logger) *RulesetHandler {
	return &RulesetHandler{
		svc: svc,
		log: log.WithComponent("ruleset-handler"),
	}
}

func rulesetID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

// List returns a paginated, filtered list of rulesets.
func (h *RulesetHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	filter := models.RulesetFilter{
		Status:   models.RulesetStatus(q.Get("status")),
		Category: q.Get("category"),
		Search:   q.Get("search"),
	}
	if lv := q.Get("trust_level"); lv != "" {
		n, err := strconv.Atoi(lv)
		if err != nil {
			writeBadRequest(w, "trust_level must be an integer")
			return
		}
		level := models.TrustLevel(n)
		filter.TrustLevel = &level
	}

	result, err := h.svc.List(ctx, rbac.GetTenantIDFromContext(ctx), filter, page, pageSize)
	if err != nil {
		h.log.Error("failed to list rulesets", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Get returns a single ruleset.
func (h *RulesetHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := rulesetID(r)
	if !ok {
		writeBadRequest(w, "invalid ruleset id")
		return
	}

	ruleset, err := h.svc.Get(ctx, rbac.GetTenantIDFromContext(ctx), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleset)
}

// Create registers a new ruleset with its version 1 script.
func (h *RulesetHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var params service.CreateRulesetParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	params.TenantID = rbac.GetTenantIDFromContext(ctx)
	params.CreatedBy = rbac.GetUserIDFromContext(ctx)

	ruleset, err := h.svc.Create(ctx, params)
	if err != nil {
		h.log.Error("failed to create ruleset", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ruleset)
}

type updateRulesetRequest struct {
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	Category        *string `json:"category,omitempty"`
	Status          *string `json:"status,omitempty"`
	CacheTTLSeconds *int    `json:"cache_ttl_seconds,omitempty"`
}

// Update patches ruleset metadata.
func (h *RulesetHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := rulesetID(r)
	if !ok {
		writeBadRequest(w, "invalid ruleset id")
		return
	}

	var body updateRulesetRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	params := repository.UpdateParams{
		Name:            body.Name,
		Description:     body.Description,
		Category:        body.Category,
		CacheTTLSeconds: body.CacheTTLSeconds,
	}
	if body.Status != nil {
		status := models.RulesetStatus(*body.Status)
		params.Status = &status
	}

	ruleset, err := h.svc.Update(ctx, rbac.GetTenantIDFromContext(ctx), id, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleset)
}

// Archive retires a ruleset. Archived rulesets no longer execute.
func (h *RulesetHandler) Archive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := rulesetID(r)
	if !ok {
		writeBadRequest(w, "invalid ruleset id")
		return
	}

	if err := h.svc.Archive(ctx, rbac.GetTenantIDFromContext(ctx), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createVersionRequest struct {
	Script    string `json:"script"`
	Changelog string `json:"changelog,omitempty"`
}

// CreateVersion adds a new draft version to a ruleset.
func (h *RulesetHandler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := rulesetID(r)
	if !ok {
		writeBadRequest(w, "invalid ruleset id")
		return
	}

	var body createVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if body.Script == "" {
		writeBadRequest(w, "script is required")
		return
	}

	version, err := h.svc.CreateVersion(ctx, rbac.GetTenantIDFromContext(ctx), id,
		body.Script, body.Changelog, rbac.GetUserIDFromContext(ctx))
	if err != nil {
		h.log.Error("failed to create ruleset version", "error", err, "ruleset_id", id)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

// ListVersions returns a ruleset's versions, newest first.
func (h *RulesetHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := rulesetID(r)
	if !ok {
		writeBadRequest(w, "invalid ruleset id")
		return
	}

	versions, err := h.svc.ListVersions(ctx, rbac.GetTenantIDFromContext(ctx), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"total":    len(versions),
	})
}

type validateScriptRequest struct {
	Script string `json:"script"`
}

// Validate checks a script without storing anything.
func (h *RulesetHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var body validateScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if body.Script == "" {
		writeBadRequest(w, "script is required")
		return
	}

	validation, err := h.svc.Validate(r.Context(), body.Script)
	if err != nil {
		h.log.Error("script validation failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validation)
}

type executeRulesetRequest struct {
	InputData       json.RawMessage       `json:"input_data"`
	Policy          models.JudgmentPolicy `json:"policy,omitempty"`
	NeedExplanation bool                  `json:"need_explanation,omitempty"`
}

// Execute runs a judgment against this ruleset. Convenience wrapper
// around the judgment endpoint with the ruleset taken from the path.
func (h *RulesetHandler) Execute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := rulesetID(r)
	if !ok {
		writeBadRequest(w, "invalid ruleset id")
		return
	}

	var body executeRulesetRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	result, err := h.svc.Execute(ctx, rbac.GetTenantIDFromContext(ctx), id,
		body.InputData, body.Policy, body.NeedExplanation)
	if err != nil {
		h.log.Error("ruleset execution failed", "error", err, "ruleset_id", id)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
