package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fabrikhq/decision-core/pkg/featureflags"
	"github.com/fabrikhq/decision-core/pkg/logger"
)

type fakeFlagService struct {
	ListFunc       func(ctx context.Context, tenantID string) ([]featureflags.Flag, error)
	GetFunc        func(ctx context.Context, tenantID, feature string) (*featureflags.Flag, error)
	EnableFunc     func(ctx context.Context, tenantID, feature string) error
	DisableFunc    func(ctx context.Context, tenantID, feature string) error
	SetRolloutFunc func(ctx context.Context, feature string, percentage int) error
}

func (f *fakeFlagService) List(ctx context.Context, tenantID string) ([]featureflags.Flag, error) {
	return f.ListFunc(ctx, tenantID)
}

func (f *fakeFlagService) Get(ctx context.Context, tenantID, feature string) (*featureflags.Flag, error) {
	return f.GetFunc(ctx, tenantID, feature)
}

func (f *fakeFlagService) Enable(ctx context.Context, tenantID, feature string) error {
	return f.EnableFunc(ctx, tenantID, feature)
}

func (f *fakeFlagService) Disable(ctx context.Context, tenantID, feature string) error {
	return f.DisableFunc(ctx, tenantID, feature)
}

func (f *fakeFlagService) SetRollout(ctx context.Context, feature string, percentage int) error {
	return f.SetRolloutFunc(ctx, feature, percentage)
}

func TestFlagGetUnknownReturnsNotFound(t *testing.T) {
	svc := &fakeFlagService{
		GetFunc: func(ctx context.Context, tenantID, feature string) (*featureflags.Flag, error) {
			return nil, nil
		},
	}
	h := NewFlagHandler(svc, logger.New("error", "text"))

	req := authedRequest(http.MethodGet, "/api/v1/feature-flags/unknown", nil)
	req = withURLParam(req, "feature", "unknown")

	rec := httptest.NewRecorder()
	h.Get(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestFlagEnableScopesToTenant(t *testing.T) {
	var gotTenant, gotFeature string
	svc := &fakeFlagService{
		EnableFunc: func(ctx context.Context, tenantID, feature string) error {
			gotTenant, gotFeature = tenantID, feature
			return nil
		},
	}
	h := NewFlagHandler(svc, logger.New("error", "text"))

	req := authedRequest(http.MethodPost, "/api/v1/feature-flags/auto_execution/enable", nil)
	req = withURLParam(req, "feature", "auto_execution")

	rec := httptest.NewRecorder()
	h.Enable(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if gotTenant != "tenant-a" || gotFeature != "auto_execution" {
		t.Errorf("enable called with %q/%q", gotTenant, gotFeature)
	}
}

func TestFlagSetRolloutValidatesPercentage(t *testing.T) {
	h := NewFlagHandler(&fakeFlagService{}, logger.New("error", "text"))

	for _, body := range []string{`{}`, `{"percentage":-1}`, `{"percentage":101}`} {
		req := authedRequest(http.MethodPut, "/api/v1/feature-flags/auto_execution/rollout", []byte(body))
		req = withURLParam(req, "feature", "auto_execution")

		rec := httptest.NewRecorder()
		h.SetRollout(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
}
