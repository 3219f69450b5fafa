package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
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

type fakeClassifier struct {
	result *models.Classification
}

func (f *fakeClassifier) Classify(ctx context.Context, tenantID, utterance string, scope *models.DataScope) *models.Classification {
	return f.result
}

type fakeJudge struct {
	ExecuteFunc func(ctx context.Context, in judgment.Input) (*models.JudgmentResult, error)
	lastInput   judgment.Input
	calls       int
}

func (f *fakeJudge) Execute(ctx context.Context, in judgment.Input) (*models.JudgmentResult, error) {
	f.calls++
	f.lastInput = in
	if f.ExecuteFunc != nil {
		return f.ExecuteFunc(ctx, in)
	}
	return &models.JudgmentResult{
		ExecutionID: uuid.New(),
		Result:      json.RawMessage(`{"action_type":"hold"}`),
		Confidence:  0.8,
		Decision:    models.DecisionRequireApproval,
		RiskLevel:   models.RiskMedium,
	}, nil
}

type fakeExecutor struct {
	name   string
	result *ExecutorResult
	err    error
	calls  int
}

func (f *fakeExecutor) Name() string { return f.name }

func (f *fakeExecutor) Execute(ctx context.Context, req ExecutorRequest) (*ExecutorResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeModel struct {
	response string
	err      error
	calls    int
}

func (f *fakeModel) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.response}, nil
}

func (f *fakeModel) Provider() string { return "fake" }
func (f *fakeModel) Model() string    { return "fake-1" }

func classification(intent models.Intent, target models.TargetAgent) *models.Classification {
	return &models.Classification{
		Intent:      intent,
		TargetAgent: target,
		Source:      models.SourceRule,
		Confidence:  0.95,
	}
}

func roleOf(r models.Role) *models.Role { return &r }

func testOrchestrator(cls *models.Classification, judge Judge, model llm.Client, executors map[models.TargetAgent]Executor) *Orchestrator {
	return New(
		&fakeClassifier{result: cls},
		rbac.NewMatrix(),
		nil,
		judge,
		model,
		executors,
		config.RateLimitConfig{},
		5,
		logger.New("error", "text"),
	)
}

func TestHandleRejectsEmptyUtterance(t *testing.T) {
	o := testOrchestrator(classification(models.IntentCheck, models.TargetBI), nil, nil, nil)
	_, err := o.Handle(context.Background(), Request{TenantID: "tenant-a"})
	if !errors.Is(err, ErrNoUtterance) {
		t.Fatalf("want ErrNoUtterance, got %v", err)
	}
}

func TestHandlePermissionDeniedNeverInvokesTarget(t *testing.T) {
	exec := &fakeExecutor{name: "workflow", result: &ExecutorResult{Response: "done"}}
	o := testOrchestrator(
		classification(models.IntentNotify, models.TargetWorkflow),
		nil, nil,
		map[models.TargetAgent]Executor{models.TargetWorkflow: exec},
	)

	result, err := o.Handle(context.Background(), Request{
		TenantID:  "tenant-a",
		Role:      roleOf(models.RoleViewer),
		Utterance: "notify the night shift",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !result.RoutingInfo.PermissionDenied {
		t.Fatal("routing info should flag the denial")
	}
	if result.RoutingInfo.RequiredRole != models.RoleOperator {
		t.Fatalf("required role = %s, want operator", result.RoutingInfo.RequiredRole)
	}
	if result.RoutingInfo.UserRole != models.RoleViewer {
		t.Fatalf("user role = %s, want viewer", result.RoutingInfo.UserRole)
	}
	if exec.calls != 0 {
		t.Fatalf("denied request must not reach the executor, calls = %d", exec.calls)
	}
}

func TestHandleNilRoleSkipsPermissionCheck(t *testing.T) {
	exec := &fakeExecutor{name: "workflow", result: &ExecutorResult{Response: "scheduled"}}
	o := testOrchestrator(
		classification(models.IntentNotify, models.TargetWorkflow),
		nil, nil,
		map[models.TargetAgent]Executor{models.TargetWorkflow: exec},
	)

	result, err := o.Handle(context.Background(), Request{TenantID: "tenant-a", Utterance: "notify shift"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.RoutingInfo.PermissionDenied {
		t.Fatal("internal caller should skip the permission check")
	}
	if exec.calls != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.calls)
	}
}

func TestHandleDispatchesJudgment(t *testing.T) {
	judge := &fakeJudge{}
	rulesetID := uuid.New()
	o := testOrchestrator(
		&models.Classification{
			Intent:      models.IntentDetectAnomaly,
			TargetAgent: models.TargetJudgment,
			Source:      models.SourceRule,
			Confidence:  0.95,
			Slots:       map[string]any{"ruleset_id": rulesetID.String(), "line": "L1"},
		},
		judge, nil, nil,
	)

	result, err := o.Handle(context.Background(), Request{
		TenantID:  "tenant-a",
		UserID:    "operator-7",
		Role:      roleOf(models.RoleOperator),
		Utterance: "check line L1 for anomalies",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if judge.calls != 1 {
		t.Fatalf("judge calls = %d, want 1", judge.calls)
	}
	if judge.lastInput.RulesetID != rulesetID {
		t.Fatalf("ruleset = %s, want %s", judge.lastInput.RulesetID, rulesetID)
	}
	var input map[string]any
	if err := json.Unmarshal(judge.lastInput.InputData, &input); err != nil {
		t.Fatalf("input unmarshal: %v", err)
	}
	if input["line"] != "L1" {
		t.Fatalf("slot not merged into judgment input: %v", input)
	}
	if _, ok := input["ruleset_id"]; ok {
		t.Fatal("ruleset_id must not leak into the judgment input")
	}
	if result.AgentName != "judgment" {
		t.Fatalf("agent = %s, want judgment", result.AgentName)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Name != "judgment.execute" {
		t.Fatalf("tool calls = %+v, want one judgment.execute", result.ToolCalls)
	}
}

func TestHandleJudgmentWithoutRulesetAsksForOne(t *testing.T) {
	judge := &fakeJudge{}
	o := testOrchestrator(
		classification(models.IntentFindCause, models.TargetJudgment),
		judge, nil, nil,
	)

	result, err := o.Handle(context.Background(), Request{
		TenantID:  "tenant-a",
		Role:      roleOf(models.RoleUser),
		Utterance: "why did yield drop",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if judge.calls != 0 {
		t.Fatalf("judge must not run without a ruleset, calls = %d", judge.calls)
	}
	if result.Response == "" {
		t.Fatal("missing ruleset should produce guidance, not an empty response")
	}
}

func TestHandleGeneralPassthrough(t *testing.T) {
	model := &fakeModel{response: "Line L1 runs three shifts."}
	o := testOrchestrator(
		classification(models.IntentClarify, models.TargetGeneral),
		nil, model, nil,
	)

	result, err := o.Handle(context.Background(), Request{
		TenantID:  "tenant-a",
		Role:      roleOf(models.RoleViewer),
		Utterance: "how many shifts does L1 run?",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if model.calls != 1 {
		t.Fatalf("model calls = %d, want 1", model.calls)
	}
	if result.Response != "Line L1 runs three shifts." {
		t.Fatalf("response = %q", result.Response)
	}
	if result.AgentName != "general" {
		t.Fatalf("agent = %s, want general", result.AgentName)
	}
}

func TestHandleGeneralModelFailureDegrades(t *testing.T) {
	model := &fakeModel{err: errors.New("provider down")}
	o := testOrchestrator(
		classification(models.IntentClarify, models.TargetGeneral),
		nil, model, nil,
	)

	result, err := o.Handle(context.Background(), Request{
		TenantID:  "tenant-a",
		Role:      roleOf(models.RoleViewer),
		Utterance: "hello",
	})
	if err != nil {
		t.Fatalf("model failure must not fail the request: %v", err)
	}
	if result.Response == "" {
		t.Fatal("degraded response should still say something")
	}
}

func TestHandleMissingExecutorIsUnavailable(t *testing.T) {
	o := testOrchestrator(
		classification(models.IntentPredict, models.TargetLearning),
		nil, nil, nil,
	)

	result, err := o.Handle(context.Background(), Request{
		TenantID:  "tenant-a",
		Role:      roleOf(models.RoleOperator),
		Utterance: "predict tomorrow's yield",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.AgentName != "learning" {
		t.Fatalf("agent = %s, want learning", result.AgentName)
	}
	if result.Response == "" {
		t.Fatal("unavailable target should explain itself")
	}
}

func TestHandleRateLimited(t *testing.T) {
	store := cache.NewMemoryStore(nil)
	o := New(
		&fakeClassifier{result: classification(models.IntentCheck, models.TargetGeneral)},
		rbac.NewMatrix(),
		store,
		nil,
		&fakeModel{response: "ok"},
		nil,
		config.RateLimitConfig{Enabled: true, RequestsPerWindow: 2, Window: time.Minute},
		5,
		logger.New("error", "text"),
	)

	req := Request{TenantID: "tenant-a", Role: roleOf(models.RoleViewer), Utterance: "status?"}
	for i := 0; i < 2; i++ {
		if _, err := o.Handle(context.Background(), req); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	_, err := o.Handle(context.Background(), req)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
}

func TestHandleStreamEventOrder(t *testing.T) {
	model := &fakeModel{response: "All lines nominal."}
	o := testOrchestrator(
		classification(models.IntentCheck, models.TargetGeneral),
		nil, model, nil,
	)

	var types []EventType
	var done *Event
	for ev := range o.HandleStream(context.Background(), Request{
		TenantID:  "tenant-a",
		Role:      roleOf(models.RoleViewer),
		Utterance: "status?",
	}) {
		ev := ev
		types = append(types, ev.Type)
		if ev.Type == EventDone {
			done = &ev
		}
	}

	want := []EventType{EventStart, EventRouting, EventRouted, EventProcessing, EventContent, EventDone}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
	if done == nil || done.Result == nil || done.Result.Response != "All lines nominal." {
		t.Fatalf("done event result = %+v", done)
	}
}

func TestHandleStreamPermissionDenied(t *testing.T) {
	exec := &fakeExecutor{name: "workflow"}
	o := testOrchestrator(
		classification(models.IntentSystem, models.TargetGeneral),
		nil, nil,
		map[models.TargetAgent]Executor{models.TargetWorkflow: exec},
	)

	var last Event
	for ev := range o.HandleStream(context.Background(), Request{
		TenantID:  "tenant-a",
		Role:      roleOf(models.RoleViewer),
		Utterance: "restart the system",
	}) {
		last = ev
	}
	if last.Type != EventError {
		t.Fatalf("terminal event = %s, want error", last.Type)
	}
	if last.Routing == nil || !last.Routing.PermissionDenied {
		t.Fatalf("error event routing = %+v, want permission denial", last.Routing)
	}
}
