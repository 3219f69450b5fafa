package evaluator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/logger"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.EvaluatorConfig{URL: srv.URL}, nil, logger.New("error", "text"))
}

func TestEvaluate(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/evaluate" {
			t.Errorf("path = %q, want /evaluate", r.URL.Path)
		}
		var req evaluateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Script != "return input.temp > 80" {
			t.Errorf("script = %q", req.Script)
		}
		json.NewEncoder(w).Encode(evaluateResponse{
			Result:     json.RawMessage(`{"alert":true}`),
			Confidence: 0.85,
			DurationMS: 12,
		})
	})

	result, err := client.Evaluate(context.Background(), "return input.temp > 80", json.RawMessage(`{"temp":92}`))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want 0.85", result.Confidence)
	}
	if string(result.Result) != `{"alert":true}` {
		t.Errorf("Result = %s", result.Result)
	}
}

func TestEvaluateScriptError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(evaluateResponse{Error: "undefined variable: temp"})
	})

	_, err := client.Evaluate(context.Background(), "bad", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected evaluation error")
	}
}

func TestEvaluateServerError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := client.Evaluate(context.Background(), "s", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestValidate(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/validate" {
			t.Errorf("path = %q, want /validate", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Validation{Valid: false, Errors: []string{"syntax error at line 3"}})
	})

	v, err := client.Validate(context.Background(), "if (")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Valid {
		t.Error("expected invalid script")
	}
	if len(v.Errors) != 1 {
		t.Errorf("Errors = %v", v.Errors)
	}
}
