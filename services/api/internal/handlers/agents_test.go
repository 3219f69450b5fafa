package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/services/api/internal/orchestrator"
)

type fakeDispatcher struct {
	HandleFunc       func(ctx context.Context, req orchestrator.Request) (*models.AgentResult, error)
	HandleStreamFunc func(ctx context.Context, req orchestrator.Request) <-chan orchestrator.Event
}

func (f *fakeDispatcher) Handle(ctx context.Context, req orchestrator.Request) (*models.AgentResult, error) {
	return f.HandleFunc(ctx, req)
}

func (f *fakeDispatcher) HandleStream(ctx context.Context, req orchestrator.Request) <-chan orchestrator.Event {
	return f.HandleStreamFunc(ctx, req)
}

func TestChatBuildsRequestFromContext(t *testing.T) {
	var got orchestrator.Request
	disp := &fakeDispatcher{
		HandleFunc: func(ctx context.Context, req orchestrator.Request) (*models.AgentResult, error) {
			got = req
			return &models.AgentResult{Response: "done", AgentName: "general"}, nil
		},
	}
	h := NewAgentHandler(disp, logger.New("error", "text"))

	body := []byte(`{"message":"check line 2 throughput","context":{"line":"2"}}`)
	rec := httptest.NewRecorder()
	h.Chat(rec, authedRequest(http.MethodPost, "/api/v1/agents/chat", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got.TenantID != "tenant-a" || got.UserID != "user-1" {
		t.Errorf("identity = %q/%q", got.TenantID, got.UserID)
	}
	if got.Role == nil || *got.Role != models.RoleOperator {
		t.Errorf("role = %v, want operator", got.Role)
	}
	if got.Utterance != "check line 2 throughput" {
		t.Errorf("utterance = %q", got.Utterance)
	}
	if got.Context["line"] != "2" {
		t.Errorf("context = %v", got.Context)
	}
}

func TestChatDeniedIntentReturnsForbidden(t *testing.T) {
	disp := &fakeDispatcher{
		HandleFunc: func(ctx context.Context, req orchestrator.Request) (*models.AgentResult, error) {
			return &models.AgentResult{
				Response:  "Permission denied: intent PREDICT requires role operator.",
				AgentName: "general",
				RoutingInfo: models.RoutingInfo{
					Intent:           models.IntentPredict,
					PermissionDenied: true,
					RequiredRole:     models.RoleOperator,
					UserRole:         models.RoleViewer,
				},
			}, nil
		},
	}
	h := NewAgentHandler(disp, logger.New("error", "text"))

	rec := httptest.NewRecorder()
	h.Chat(rec, authedRequest(http.MethodPost, "/api/v1/agents/chat", []byte(`{"message":"predict scrap rate"}`)))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (body %s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"required_role":"operator"`) {
		t.Errorf("body missing required role: %s", rec.Body.String())
	}
}

func TestChatRejectsMalformedBody(t *testing.T) {
	h := NewAgentHandler(&fakeDispatcher{}, logger.New("error", "text"))

	rec := httptest.NewRecorder()
	h.Chat(rec, authedRequest(http.MethodPost, "/api/v1/agents/chat", []byte(`{"message":`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChatStreamWritesSSEFrames(t *testing.T) {
	disp := &fakeDispatcher{
		HandleStreamFunc: func(ctx context.Context, req orchestrator.Request) <-chan orchestrator.Event {
			ch := make(chan orchestrator.Event, 4)
			ch <- orchestrator.Event{Type: orchestrator.EventStart}
			ch <- orchestrator.Event{Type: orchestrator.EventContent, Content: "partial answer"}
			ch <- orchestrator.Event{Type: orchestrator.EventDone, Result: &models.AgentResult{Response: "partial answer"}}
			close(ch)
			return ch
		},
	}
	h := NewAgentHandler(disp, logger.New("error", "text"))

	rec := httptest.NewRecorder()
	h.ChatStream(rec, authedRequest(http.MethodPost, "/api/v1/agents/chat/stream", []byte(`{"message":"hello"}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"event: start\n",
		"event: content\n",
		"event: done\n",
		`"partial answer"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream body missing %q:\n%s", want, body)
		}
	}

	// frames are separated by a blank line
	if !strings.Contains(body, "\n\n") {
		t.Error("stream frames not terminated by blank line")
	}
}
