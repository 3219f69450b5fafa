// Package evaluator is the HTTP client for the external sandboxed script
// evaluator. The evaluator runs tenant scripts against judgment inputs and
// returns a result with a confidence estimate.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/resilience"
)

// Result is one evaluation outcome.
type Result struct {
	Result     json.RawMessage `json:"result"`
	Confidence float64         `json:"confidence"` // 0..1
	Duration   time.Duration   `json:"duration"`
}

// Validation reports whether a script is runnable.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Client talks to the evaluator service. Calls go through an outbound
// circuit breaker so a down evaluator fails fast instead of tying up
// request goroutines.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.Breaker
	log        *logger.Logger
}

// NewClient builds a client from configuration. breakers may be nil for
// tests; calls then go out unguarded.
func NewClient(cfg config.EvaluatorConfig, breakers *resilience.Registry, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	var breaker *resilience.Breaker
	if breakers != nil {
		breaker = breakers.Get("evaluator")
	}
	return &Client{
		baseURL:    cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		log:        log.WithComponent("evaluator"),
	}
}

type evaluateRequest struct {
	Script string          `json:"script"`
	Input  json.RawMessage `json:"input"`
}

type evaluateResponse struct {
	Result     json.RawMessage `json:"result"`
	Confidence float64         `json:"confidence"`
	DurationMS float64         `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
}

// Evaluate runs a script against an input.
func (c *Client) Evaluate(ctx context.Context, script string, input json.RawMessage) (*Result, error) {
	out, err := c.guarded(ctx, func(ctx context.Context) (any, error) {
		return c.evaluate(ctx, script, input)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Result), nil
}

func (c *Client) evaluate(ctx context.Context, script string, input json.RawMessage) (*Result, error) {
	start := time.Now()

	var resp evaluateResponse
	if err := c.post(ctx, "/evaluate", evaluateRequest{Script: script, Input: input}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("script evaluation failed: %s", resp.Error)
	}

	duration := time.Duration(resp.DurationMS * float64(time.Millisecond))
	if duration == 0 {
		duration = time.Since(start)
	}
	return &Result{
		Result:     resp.Result,
		Confidence: resp.Confidence,
		Duration:   duration,
	}, nil
}

type validateRequest struct {
	Script string `json:"script"`
}

// Validate checks a script without running it. Backs ruleset validation.
func (c *Client) Validate(ctx context.Context, script string) (*Validation, error) {
	out, err := c.guarded(ctx, func(ctx context.Context) (any, error) {
		var v Validation
		if err := c.post(ctx, "/validate", validateRequest{Script: script}, &v); err != nil {
			return nil, err
		}
		return &v, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*Validation), nil
}

func (c *Client) guarded(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if c.breaker == nil {
		return fn(ctx)
	}
	return c.breaker.Execute(ctx, fn)
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal evaluator request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create evaluator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("evaluator request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read evaluator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("evaluator returned status %d: %s", resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return fmt.Errorf("failed to decode evaluator response: %w", err)
	}
	return nil
}
