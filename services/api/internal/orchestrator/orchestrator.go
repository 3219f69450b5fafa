// Package orchestrator routes classified user requests to their target
// agent: the judgment engine, external domain executors, or a model
// passthrough. Every path returns the same result envelope.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fabrikhq/decision-core/pkg/cache"
	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/pkg/rbac"
	"github.com/fabrikhq/decision-core/services/api/internal/judgment"
	"github.com/fabrikhq/decision-core/services/api/internal/llm"
)

var (
	// ErrRateLimited indicates the tenant exhausted its request window.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrNoUtterance indicates an empty request.
	ErrNoUtterance = errors.New("request has no utterance")
)

// Classifier resolves an utterance to an intent and target agent.
// Satisfied by intent.Classifier.
type Classifier interface {
	Classify(ctx context.Context, tenantID, utterance string, scope *models.DataScope) *models.Classification
}

// Judge runs judgments. Satisfied by judgment.Engine.
type Judge interface {
	Execute(ctx context.Context, in judgment.Input) (*models.JudgmentResult, error)
}

// ExecutorRequest is the payload handed to a downstream agent executor.
type ExecutorRequest struct {
	TenantID         string          `json:"tenant_id"`
	UserID           string          `json:"user_id,omitempty"`
	Intent           models.Intent   `json:"intent"`
	ProcessedRequest string          `json:"processed_request"`
	Slots            map[string]any  `json:"slots,omitempty"`
	Context          map[string]any  `json:"context,omitempty"`
	Scope            *models.DataScope `json:"scope,omitempty"`
}

// ExecutorResult is what a downstream executor produces.
type ExecutorResult struct {
	Response  string            `json:"response"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
}

// Executor runs requests for one target agent. The workflow, bi and
// learning agents live in external services reached through this
// interface.
type Executor interface {
	Name() string
	Execute(ctx context.Context, req ExecutorRequest) (*ExecutorResult, error)
}

// Request is one orchestrated user request.
type Request struct {
	TenantID  string            `json:"tenant_id"`
	UserID    string            `json:"user_id,omitempty"`
	Role      *models.Role      `json:"role,omitempty"` // nil skips the permission check
	Utterance string            `json:"utterance"`
	Context   map[string]any    `json:"context,omitempty"`
	Scope     *models.DataScope `json:"scope,omitempty"`
}

// Orchestrator dispatches requests.
type Orchestrator struct {
	classifier Classifier
	matrix     *rbac.Matrix
	cache      cache.Store
	judge      Judge
	model      llm.Client
	executors  map[models.TargetAgent]Executor
	rl         config.RateLimitConfig
	maxIter    int
	log        *logger.Logger
}

// New assembles an orchestrator. judge, model and individual executors
// may be nil; their targets respond with an unavailable message.
func New(
	classifier Classifier,
	matrix *rbac.Matrix,
	cacheStore cache.Store,
	judge Judge,
	model llm.Client,
	executors map[models.TargetAgent]Executor,
	rl config.RateLimitConfig,
	maxIterations int,
	log *logger.Logger,
) *Orchestrator {
	if maxIterations <= 0 {
		maxIterations = 5
	}
	return &Orchestrator{
		classifier: classifier,
		matrix:     matrix,
		cache:      cacheStore,
		judge:      judge,
		model:      model,
		executors:  executors,
		rl:         rl,
		maxIter:    maxIterations,
		log:        log.WithComponent("orchestrator"),
	}
}

// Handle runs the full pipeline: classify, permission check, rate limit,
// dispatch. A permission denial is a result, not an error; the target
// agent is never invoked.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*models.AgentResult, error) {
	if req.Utterance == "" {
		return nil, ErrNoUtterance
	}

	cls := o.classifier.Classify(ctx, req.TenantID, req.Utterance, req.Scope)
	routing := models.RoutingInfo{
		Intent:      cls.Intent,
		TargetAgent: cls.TargetAgent,
		Source:      cls.Source,
		Confidence:  cls.Confidence,
	}

	if check := o.matrix.Check(req.Role, cls.Intent); !check.Allowed {
		routing.PermissionDenied = true
		routing.RequiredRole = check.RequiredRole
		routing.UserRole = check.UserRole
		return &models.AgentResult{
			Response:    fmt.Sprintf("Permission denied: intent %s requires role %s.", cls.Intent, check.RequiredRole),
			AgentName:   "orchestrator",
			Iterations:  0,
			RoutingInfo: routing,
		}, nil
	}

	if err := o.checkRateLimit(ctx, req.TenantID); err != nil {
		return nil, err
	}

	result, err := o.dispatch(ctx, req, cls)
	if err != nil {
		return nil, err
	}
	result.RoutingInfo = routing
	return result, nil
}

func (o *Orchestrator) checkRateLimit(ctx context.Context, tenantID string) error {
	if o.cache == nil || !o.rl.Enabled {
		return nil
	}
	key := cache.RateLimitKey(tenantID, "agents/chat")
	res, err := o.cache.RateLimitCheck(ctx, key, o.rl.RequestsPerWindow, o.rl.Window)
	if err != nil {
		// The limiter is advisory; a broken counter must not take the
		// request path down with it.
		o.log.Warn("rate limit check failed, allowing request", "error", err)
		return nil
	}
	if !res.Allowed {
		return fmt.Errorf("%w: retry after %s", ErrRateLimited, time.Until(res.ResetAt).Round(time.Second))
	}
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, req Request, cls *models.Classification) (*models.AgentResult, error) {
	switch cls.TargetAgent {
	case models.TargetJudgment:
		return o.dispatchJudgment(ctx, req, cls)
	case models.TargetWorkflow, models.TargetBI, models.TargetLearning:
		return o.dispatchExecutor(ctx, req, cls)
	default:
		return o.dispatchGeneral(ctx, req, cls)
	}
}

// dispatchJudgment translates the classified request into a judgment
// call. The ruleset comes from slots or the request context.
func (o *Orchestrator) dispatchJudgment(ctx context.Context, req Request, cls *models.Classification) (*models.AgentResult, error) {
	if o.judge == nil {
		return unavailable("judgment"), nil
	}

	rulesetID, ok := rulesetFrom(cls.Slots, req.Context)
	if !ok {
		return &models.AgentResult{
			Response:   "A judgment request needs a ruleset. Specify which ruleset to evaluate.",
			AgentName:  "judgment",
			Iterations: 1,
		}, nil
	}

	input, err := judgmentInput(req, cls)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	jr, err := o.judge.Execute(ctx, judgment.Input{
		TenantID:        req.TenantID,
		RulesetID:       rulesetID,
		InputData:       input,
		NeedExplanation: true,
		Policy:          models.PolicyHybridWeighted,
		Identifier:      req.UserID,
		IdentifierType:  models.IdentifierTypeUser,
	})
	if err != nil {
		return nil, fmt.Errorf("judgment dispatch failed: %w", err)
	}

	response := jr.Explanation
	if response == "" {
		response = fmt.Sprintf("Judgment complete: %s (risk %s, confidence %.2f).",
			jr.Decision, jr.RiskLevel, jr.Confidence)
	}
	call := models.ToolCall{
		Name:       "judgment.execute",
		Arguments:  map[string]any{"ruleset_id": rulesetID.String()},
		Result:     string(jr.Result),
		DurationMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	return &models.AgentResult{
		Response:   response,
		AgentName:  "judgment",
		ToolCalls:  []models.ToolCall{call},
		Iterations: 1,
	}, nil
}

func (o *Orchestrator) dispatchExecutor(ctx context.Context, req Request, cls *models.Classification) (*models.AgentResult, error) {
	exec, ok := o.executors[cls.TargetAgent]
	if !ok || exec == nil {
		return unavailable(string(cls.TargetAgent)), nil
	}

	out, err := exec.Execute(ctx, ExecutorRequest{
		TenantID:         req.TenantID,
		UserID:           req.UserID,
		Intent:           cls.Intent,
		ProcessedRequest: cls.ProcessedRequest,
		Slots:            cls.Slots,
		Context:          req.Context,
		Scope:            req.Scope,
	})
	if err != nil {
		return nil, fmt.Errorf("%s executor failed: %w", exec.Name(), err)
	}

	iterations := 1 + len(out.ToolCalls)
	if iterations > o.maxIter {
		iterations = o.maxIter
	}
	return &models.AgentResult{
		Response:   out.Response,
		AgentName:  exec.Name(),
		ToolCalls:  out.ToolCalls,
		Iterations: iterations,
	}, nil
}

const generalPrompt = `You are the assistant of a manufacturing decision
system. Answer the user's question directly and concisely. If the
request needs production data or a judgment you cannot perform, say what
the user should ask for instead.`

func (o *Orchestrator) dispatchGeneral(ctx context.Context, req Request, cls *models.Classification) (*models.AgentResult, error) {
	if o.model == nil {
		return unavailable("general"), nil
	}

	utterance := cls.ProcessedRequest
	if utterance == "" {
		utterance = req.Utterance
	}
	resp, err := o.model.Complete(ctx, &llm.CompletionRequest{
		SystemPrompt: generalPrompt,
		Messages:     []llm.Message{{Role: "user", Content: utterance}},
		MaxTokens:    1024,
	})
	if err != nil {
		o.log.Warn("general passthrough failed", "error", err)
		return &models.AgentResult{
			Response:   "I could not process that request right now. Please try again.",
			AgentName:  "general",
			Iterations: 1,
		}, nil
	}
	return &models.AgentResult{
		Response:   resp.Content,
		AgentName:  "general",
		Iterations: 1,
	}, nil
}

func unavailable(agent string) *models.AgentResult {
	return &models.AgentResult{
		Response:   fmt.Sprintf("The %s agent is not available in this deployment.", agent),
		AgentName:  agent,
		Iterations: 0,
	}
}

// rulesetFrom looks for a ruleset id in the classification slots first,
// then the caller-provided context.
func rulesetFrom(slots, reqContext map[string]any) (uuid.UUID, bool) {
	for _, source := range []map[string]any{slots, reqContext} {
		raw, ok := source["ruleset_id"]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		return id, true
	}
	return uuid.Nil, false
}

// judgmentInput builds the judgment input document from the utterance,
// slots and caller context.
func judgmentInput(req Request, cls *models.Classification) (json.RawMessage, error) {
	doc := map[string]any{
		"request": cls.ProcessedRequest,
		"intent":  string(cls.Intent),
	}
	if doc["request"] == "" {
		doc["request"] = req.Utterance
	}
	for k, v := range cls.Slots {
		if k == "ruleset_id" {
			continue
		}
		doc[k] = v
	}
	for k, v := range req.Context {
		if k == "ruleset_id" {
			continue
		}
		doc[k] = v
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode judgment input: %w", err)
	}
	return raw, nil
}
