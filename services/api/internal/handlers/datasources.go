package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/pkg/rbac"
	"github.com/fabrikhq/decision-core/services/api/internal/repository"
)

// DataSourceHandler manages tenant data-source connections.
type DataSourceHandler struct {
	repo *repository.DataSourceRepo
	log  *logger.Logger
}

// NewDataSourceHandler creates a new DataSourceHandler.
func NewDataSourceHandler(repo *repository.DataSourceRepo, log *logger.Logger) *DataSourceHandler {
	return &DataSourceHandler{
		repo: repo,
		log:  log.WithComponent("datasource-handler"),
	}
}

// List returns the tenant's data sources with credentials masked.
func (h *DataSourceHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sources, err := h.repo.List(ctx, rbac.GetTenantIDFromContext(ctx))
	if err != nil {
		h.log.Error("failed to list data sources", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data_sources": sources,
		"total":        len(sources),
	})
}

type createDataSourceRequest struct {
	Name             string          `json:"name"`
	Type             string          `json:"type"`
	ConnectionConfig json.RawMessage `json:"connection_config"`
	Enabled          bool            `json:"enabled"`
}

// Create registers a data source. Credential fields in the connection
// config are sealed before the row is written.
func (h *DataSourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body createDataSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if body.Name == "" || body.Type == "" {
		writeBadRequest(w, "name and type are required")
		return
	}

	ds := &models.DataSource{
		TenantID:         rbac.GetTenantIDFromContext(ctx),
		Name:             body.Name,
		Type:             models.DataSourceType(body.Type),
		ConnectionConfig: body.ConnectionConfig,
		Enabled:          body.Enabled,
	}
	if err := h.repo.Create(ctx, ds); err != nil {
		h.log.Error("failed to create data source", "error", err, "name", body.Name)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ds)
}

// Get returns one data source with credentials masked.
func (h *DataSourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "invalid data source id")
		return
	}

	ds, err := h.repo.Get(ctx, rbac.GetTenantIDFromContext(ctx), id)
	if err != nil {
		if errors.Is(err, repository.ErrDataSourceNotFound) {
			writeCategory(w, CategoryNotFound, "data source not found", "", false)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// Delete removes a data source.
func (h *DataSourceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "invalid data source id")
		return
	}

	if err := h.repo.Delete(ctx, rbac.GetTenantIDFromContext(ctx), id); err != nil {
		if errors.Is(err, repository.ErrDataSourceNotFound) {
			writeCategory(w, CategoryNotFound, "data source not found", "", false)
			return
		}
		h.log.Error("failed to delete data source", "error", err, "data_source_id", id)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
