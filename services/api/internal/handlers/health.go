package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/fabrikhq/decision-core/pkg/database"
	"github.com/fabrikhq/decision-core/pkg/kafka"
)

// CacheHealth is the slice of the cache backend the readiness probe needs.
type CacheHealth interface {
	Health(ctx context.Context) error
}

// HealthHandler handles the health and version endpoints.
type HealthHandler struct {
	db        *database.DB
	kafka     *kafka.Producer
	cache     CacheHealth
	version   string
	gitCommit string
}

// HealthHandlerConfig contains the probes' dependencies.
type HealthHandlerConfig struct {
	DB        *database.DB
	Kafka     *kafka.Producer
	Cache     CacheHealth
	Version   string
	GitCommit string
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(cfg HealthHandlerConfig) *HealthHandler {
	return &HealthHandler{
		db:        cfg.DB,
		kafka:     cfg.Kafka,
		cache:     cfg.Cache,
		version:   cfg.Version,
		gitCommit: cfg.GitCommit,
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Message string            `json:"message,omitempty"`
}

// VersionResponse represents the version endpoint response.
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	Service   string `json:"service"`
}

// Liveness returns 200 while the process is running.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Readiness returns 200 once the service can take traffic. The database
// is the only hard dependency; Kafka and Redis are reported but do not
// fail the probe.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	ready := true

	if err := h.db.Health(ctx); err != nil {
		checks["database"] = "unhealthy: " + err.Error()
		ready = false
	} else {
		checks["database"] = "healthy"
	}

	if h.kafka != nil && h.kafka.Enabled() {
		if err := h.kafka.Health(ctx); err != nil {
			checks["kafka"] = "unhealthy: " + err.Error()
		} else {
			checks["kafka"] = "healthy"
		}
	} else {
		checks["kafka"] = "not configured"
	}

	if h.cache != nil {
		if err := h.cache.Health(ctx); err != nil {
			checks["cache"] = "unhealthy: " + err.Error()
		} else {
			checks["cache"] = "healthy"
		}
	} else {
		checks["cache"] = "not configured"
	}

	resp := HealthResponse{Status: "ready", Checks: checks}
	if !ready {
		resp.Status = "not ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Version reports the build identity.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version:   h.version,
		GitCommit: h.gitCommit,
		Service:   "decision-core-api",
	})
}
