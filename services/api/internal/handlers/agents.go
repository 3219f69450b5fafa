package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/pkg/rbac"
	"github.com/fabrikhq/decision-core/services/api/internal/orchestrator"
)

// Dispatcher routes a chat request to the right agent.
// Implemented by the orchestrator.
type Dispatcher interface {
	Handle(ctx context.Context, req orchestrator.Request) (*models.AgentResult, error)
	HandleStream(ctx context.Context, req orchestrator.Request) <-chan orchestrator.Event
}

// AgentHandler handles the conversational entry points.
type AgentHandler struct {
	orch Dispatcher
	log  *logger.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(orch Dispatcher, log *logger.Logger) *AgentHandler {
	return &AgentHandler{
		orch: orch,
		log:  log.WithComponent("agent-handler"),
	}
}

type chatRequest struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func (h *AgentHandler) buildRequest(r *http.Request, body chatRequest) orchestrator.Request {
	ctx := r.Context()
	return orchestrator.Request{
		TenantID:  rbac.GetTenantIDFromContext(ctx),
		UserID:    rbac.GetUserIDFromContext(ctx),
		Role:      rbac.GetRoleFromContext(ctx),
		Utterance: body.Message,
		Context:   body.Context,
		Scope:     rbac.GetScopeFromContext(ctx),
	}
}

// Chat handles a single-shot conversational request.
func (h *AgentHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	result, err := h.orch.Handle(r.Context(), h.buildRequest(r, body))
	if err != nil {
		h.log.Error("chat request failed", "error", err)
		writeError(w, err)
		return
	}
	if result.RoutingInfo.PermissionDenied {
		// Keep the result body so the caller sees the required role.
		writeJSON(w, http.StatusForbidden, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ChatStream handles a conversational request over server-sent events.
// Each orchestrator event becomes one SSE frame, flushed immediately.
func (h *AgentHandler) ChatStream(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeCategory(w, CategoryInternal, "streaming not supported", "", false)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := h.orch.HandleStream(r.Context(), h.buildRequest(r, body))
	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			h.log.Error("failed to marshal stream event", "error", err, "type", ev.Type)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}
}
