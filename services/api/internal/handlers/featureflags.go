package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fabrikhq/decision-core/pkg/featureflags"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/rbac"
)

// FlagService is the subset of the feature flag service the HTTP
// surface needs.
type FlagService interface {
	List(ctx context.Context, tenantID string) ([]featureflags.Flag, error)
	Get(ctx context.Context, tenantID, feature string) (*featureflags.Flag, error)
	Enable(ctx context.Context, tenantID, feature string) error
	Disable(ctx context.Context, tenantID, feature string) error
	SetRollout(ctx context.Context, feature string, percentage int) error
}

// FlagHandler handles feature flag administration.
type FlagHandler struct {
	flags FlagService
	log   *logger.Logger
}

// NewFlagHandler creates a new FlagHandler.
func NewFlagHandler(flags FlagService, log *logger.Logger) *FlagHandler {
	return &FlagHandler{
		flags: flags,
		log:   log.WithComponent("flag-handler"),
	}
}

// List returns the effective flags for the tenant.
func (h *FlagHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flags, err := h.flags.List(ctx, rbac.GetTenantIDFromContext(ctx))
	if err != nil {
		h.log.Error("failed to list feature flags", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flags": flags,
		"total": len(flags),
	})
}

// Get returns a single flag resolved for the tenant.
func (h *FlagHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	feature := chi.URLParam(r, "feature")

	flag, err := h.flags.Get(ctx, rbac.GetTenantIDFromContext(ctx), feature)
	if err != nil {
		writeError(w, err)
		return
	}
	if flag == nil {
		writeCategory(w, CategoryNotFound, "feature flag not found", "", false)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

// Enable turns a flag on for the tenant.
func (h *FlagHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// Disable turns a flag off for the tenant.
func (h *FlagHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *FlagHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	ctx := r.Context()
	feature := chi.URLParam(r, "feature")
	tenantID := rbac.GetTenantIDFromContext(ctx)

	var err error
	if enabled {
		err = h.flags.Enable(ctx, tenantID, feature)
	} else {
		err = h.flags.Disable(ctx, tenantID, feature)
	}
	if err != nil {
		h.log.Error("failed to update feature flag", "error", err, "feature", feature, "enabled", enabled)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"feature_name": feature,
		"enabled":      enabled,
	})
}

type rolloutRequest struct {
	Percentage *int `json:"percentage"`
}

// SetRollout updates the global percentage rollout for a flag.
func (h *FlagHandler) SetRollout(w http.ResponseWriter, r *http.Request) {
	feature := chi.URLParam(r, "feature")

	var body rolloutRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if body.Percentage == nil {
		writeBadRequest(w, "percentage is required")
		return
	}
	if *body.Percentage < 0 || *body.Percentage > 100 {
		writeBadRequest(w, "percentage must be between 0 and 100")
		return
	}

	if err := h.flags.SetRollout(r.Context(), feature, *body.Percentage); err != nil {
		h.log.Error("failed to set rollout", "error", err, "feature", feature)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"feature_name":       feature,
		"rollout_percentage": *body.Percentage,
	})
}
