package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/pkg/rbac"
	"github.com/fabrikhq/decision-core/services/api/internal/judgment"
)

type fakeJudgmentEngine struct {
	ExecuteFunc     func(ctx context.Context, in judgment.Input) (*models.JudgmentResult, error)
	ReplayFunc      func(ctx context.Context, tenantID string, id uuid.UUID, opts judgment.ReplayOptions) (*judgment.ReplayResult, error)
	ReplayBatchFunc func(ctx context.Context, tenantID string, ids []uuid.UUID, opts judgment.ReplayOptions) ([]judgment.BatchItem, error)
	WhatIfFunc      func(ctx context.Context, tenantID string, id uuid.UUID, mods map[string]any) (*judgment.WhatIfResult, error)
}

func (f *fakeJudgmentEngine) Execute(ctx context.Context, in judgment.Input) (*models.JudgmentResult, error) {
	return f.ExecuteFunc(ctx, in)
}

func (f *fakeJudgmentEngine) Replay(ctx context.Context, tenantID string, id uuid.UUID, opts judgment.ReplayOptions) (*judgment.ReplayResult, error) {
	return f.ReplayFunc(ctx, tenantID, id, opts)
}

func (f *fakeJudgmentEngine) ReplayBatch(ctx context.Context, tenantID string, ids []uuid.UUID, opts judgment.ReplayOptions) ([]judgment.BatchItem, error) {
	return f.ReplayBatchFunc(ctx, tenantID, ids, opts)
}

func (f *fakeJudgmentEngine) WhatIf(ctx context.Context, tenantID string, id uuid.UUID, mods map[string]any) (*judgment.WhatIfResult, error) {
	return f.WhatIfFunc(ctx, tenantID, id, mods)
}

func authedRequest(method, target string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	ctx := rbac.SetUserContext(req.Context(), "user-1", "tenant-a", models.RoleOperator)
	return req.WithContext(ctx)
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestJudgmentExecuteFillsIdentityFromContext(t *testing.T) {
	rulesetID := uuid.New()
	var got judgment.Input

	engine := &fakeJudgmentEngine{
		ExecuteFunc: func(ctx context.Context, in judgment.Input) (*models.JudgmentResult, error) {
			got = in
			return &models.JudgmentResult{
				ExecutionID: uuid.New(),
				Result:      json.RawMessage(`{"action_type":"hold"}`),
				Confidence:  0.9,
			}, nil
		},
	}
	h := NewJudgmentHandler(engine, logger.New("error", "text"))

	body, _ := json.Marshal(map[string]any{
		"ruleset_id": rulesetID,
		"input_data": map[string]any{"temperature": 81.2},
	})
	rec := httptest.NewRecorder()
	h.Execute(rec, authedRequest(http.MethodPost, "/api/v1/judgment/execute", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got.TenantID != "tenant-a" {
		t.Errorf("tenant = %q, want tenant-a", got.TenantID)
	}
	if got.Identifier != "user-1" || got.IdentifierType != models.IdentifierTypeUser {
		t.Errorf("identifier = %q/%q", got.Identifier, got.IdentifierType)
	}
	if got.RulesetID != rulesetID {
		t.Errorf("ruleset = %s, want %s", got.RulesetID, rulesetID)
	}
}

func TestJudgmentExecuteRequiresRulesetID(t *testing.T) {
	h := NewJudgmentHandler(&fakeJudgmentEngine{}, logger.New("error", "text"))

	body := []byte(`{"input_data":{"x":1}}`)
	rec := httptest.NewRecorder()
	h.Execute(rec, authedRequest(http.MethodPost, "/api/v1/judgment/execute", body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error.Category != CategoryValidation {
		t.Errorf("category = %q", resp.Error.Category)
	}
}

func TestJudgmentExecuteMapsEngineErrors(t *testing.T) {
	engine := &fakeJudgmentEngine{
		ExecuteFunc: func(ctx context.Context, in judgment.Input) (*models.JudgmentResult, error) {
			return nil, judgment.ErrRulesetNotFound
		},
	}
	h := NewJudgmentHandler(engine, logger.New("error", "text"))

	body, _ := json.Marshal(map[string]any{
		"ruleset_id": uuid.New(),
		"input_data": map[string]any{"x": 1},
	})
	rec := httptest.NewRecorder()
	h.Execute(rec, authedRequest(http.MethodPost, "/api/v1/judgment/execute", body))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestReplayPassesOptions(t *testing.T) {
	executionID := uuid.New()
	version := 4
	var gotOpts judgment.ReplayOptions

	engine := &fakeJudgmentEngine{
		ReplayFunc: func(ctx context.Context, tenantID string, id uuid.UUID, opts judgment.ReplayOptions) (*judgment.ReplayResult, error) {
			if tenantID != "tenant-a" {
				t.Errorf("tenant = %q", tenantID)
			}
			if id != executionID {
				t.Errorf("execution = %s", id)
			}
			gotOpts = opts
			return &judgment.ReplayResult{ExecutionID: id}, nil
		},
	}
	h := NewJudgmentHandler(engine, logger.New("error", "text"))

	body, _ := json.Marshal(map[string]any{"ruleset_version": version})
	req := authedRequest(http.MethodPost, "/api/v1/judgment/replay/"+executionID.String(), body)
	req = withURLParam(req, "id", executionID.String())

	rec := httptest.NewRecorder()
	h.Replay(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if gotOpts.RulesetVersion == nil || *gotOpts.RulesetVersion != version {
		t.Errorf("ruleset version option not forwarded: %+v", gotOpts)
	}
}

func TestReplayRejectsBadID(t *testing.T) {
	h := NewJudgmentHandler(&fakeJudgmentEngine{}, logger.New("error", "text"))

	req := authedRequest(http.MethodPost, "/api/v1/judgment/replay/nope", nil)
	req = withURLParam(req, "id", "nope")

	rec := httptest.NewRecorder()
	h.Replay(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestReplayBatchEnforcesLimit(t *testing.T) {
	h := NewJudgmentHandler(&fakeJudgmentEngine{}, logger.New("error", "text"))

	ids := make([]uuid.UUID, maxReplayBatch+1)
	for i := range ids {
		ids[i] = uuid.New()
	}
	body, _ := json.Marshal(map[string]any{"execution_ids": ids})

	rec := httptest.NewRecorder()
	h.ReplayBatch(rec, authedRequest(http.MethodPost, "/api/v1/judgment/replay/batch", body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWhatIfRequiresModifications(t *testing.T) {
	executionID := uuid.New()
	h := NewJudgmentHandler(&fakeJudgmentEngine{}, logger.New("error", "text"))

	req := authedRequest(http.MethodPost, "/api/v1/judgment/what-if/"+executionID.String(), []byte(`{}`))
	req = withURLParam(req, "id", executionID.String())

	rec := httptest.NewRecorder()
	h.WhatIf(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWhatIfForwardsModifications(t *testing.T) {
	executionID := uuid.New()
	var gotMods map[string]any

	engine := &fakeJudgmentEngine{
		WhatIfFunc: func(ctx context.Context, tenantID string, id uuid.UUID, mods map[string]any) (*judgment.WhatIfResult, error) {
			gotMods = mods
			return &judgment.WhatIfResult{ExecutionID: id}, nil
		},
	}
	h := NewJudgmentHandler(engine, logger.New("error", "text"))

	body := []byte(`{"modifications":{"temperature":95.5}}`)
	req := authedRequest(http.MethodPost, "/api/v1/judgment/what-if/"+executionID.String(), body)
	req = withURLParam(req, "id", executionID.String())

	rec := httptest.NewRecorder()
	h.WhatIf(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if gotMods["temperature"] != 95.5 {
		t.Errorf("modifications = %v", gotMods)
	}
}
