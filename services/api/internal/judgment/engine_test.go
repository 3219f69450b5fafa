package judgment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fabrikhq/decision-core/pkg/cache"
	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/services/api/internal/evaluator"
	"github.com/fabrikhq/decision-core/services/api/internal/llm"
)

type fakeStore struct {
	GetRulesetFunc             func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, error)
	GetVersionScriptFunc       func(ctx context.Context, rulesetID uuid.UUID, version int) (string, error)
	CurrentCanaryFunc          func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Deployment, error)
	MatrixEntryFunc            func(ctx context.Context, tenantID string, level models.TrustLevel, risk models.RiskLevel) (*models.DecisionMatrixEntry, error)
	RiskDefinitionsFunc        func(ctx context.Context, tenantID string) ([]models.ActionRiskDefinition, error)
	InsertExecutionFunc        func(ctx context.Context, ex *models.JudgmentExecution) error
	GetExecutionFunc           func(ctx context.Context, tenantID string, executionID uuid.UUID) (*models.JudgmentExecution, error)
	InsertAutoExecutionLogFunc func(ctx context.Context, entry *models.AutoExecutionLog) error
	BumpExecutionCountersFunc  func(ctx context.Context, tenantID string, rulesetID uuid.UUID, at time.Time) error
	FailureStreakFunc          func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (int, error)
	LastAutoExecutionAtFunc    func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*time.Time, error)

	inserted []*models.JudgmentExecution
	autoLogs []*models.AutoExecutionLog
}

func (f *fakeStore) GetRuleset(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, error) {
	if f.GetRulesetFunc != nil {
		return f.GetRulesetFunc(ctx, tenantID, rulesetID)
	}
	return nil, ErrRulesetNotFound
}

func (f *fakeStore) GetVersionScript(ctx context.Context, rulesetID uuid.UUID, version int) (string, error) {
	if f.GetVersionScriptFunc != nil {
		return f.GetVersionScriptFunc(ctx, rulesetID, version)
	}
	return "return input", nil
}

func (f *fakeStore) CurrentCanary(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Deployment, error) {
	if f.CurrentCanaryFunc != nil {
		return f.CurrentCanaryFunc(ctx, tenantID, rulesetID)
	}
	return nil, nil
}

func (f *fakeStore) MatrixEntry(ctx context.Context, tenantID string, level models.TrustLevel, risk models.RiskLevel) (*models.DecisionMatrixEntry, error) {
	if f.MatrixEntryFunc != nil {
		return f.MatrixEntryFunc(ctx, tenantID, level, risk)
	}
	return nil, nil
}

func (f *fakeStore) RiskDefinitions(ctx context.Context, tenantID string) ([]models.ActionRiskDefinition, error) {
	if f.RiskDefinitionsFunc != nil {
		return f.RiskDefinitionsFunc(ctx, tenantID)
	}
	return nil, nil
}

func (f *fakeStore) InsertExecution(ctx context.Context, ex *models.JudgmentExecution) error {
	f.inserted = append(f.inserted, ex)
	if f.InsertExecutionFunc != nil {
		return f.InsertExecutionFunc(ctx, ex)
	}
	return nil
}

func (f *fakeStore) GetExecution(ctx context.Context, tenantID string, executionID uuid.UUID) (*models.JudgmentExecution, error) {
	if f.GetExecutionFunc != nil {
		return f.GetExecutionFunc(ctx, tenantID, executionID)
	}
	return nil, ErrExecutionNotFound
}

func (f *fakeStore) InsertAutoExecutionLog(ctx context.Context, entry *models.AutoExecutionLog) error {
	f.autoLogs = append(f.autoLogs, entry)
	if f.InsertAutoExecutionLogFunc != nil {
		return f.InsertAutoExecutionLogFunc(ctx, entry)
	}
	return nil
}

func (f *fakeStore) BumpExecutionCounters(ctx context.Context, tenantID string, rulesetID uuid.UUID, at time.Time) error {
	if f.BumpExecutionCountersFunc != nil {
		return f.BumpExecutionCountersFunc(ctx, tenantID, rulesetID, at)
	}
	return nil
}

func (f *fakeStore) FailureStreak(ctx context.Context, tenantID string, rulesetID uuid.UUID) (int, error) {
	if f.FailureStreakFunc != nil {
		return f.FailureStreakFunc(ctx, tenantID, rulesetID)
	}
	return 0, nil
}

func (f *fakeStore) LastAutoExecutionAt(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*time.Time, error) {
	if f.LastAutoExecutionAtFunc != nil {
		return f.LastAutoExecutionAtFunc(ctx, tenantID, rulesetID)
	}
	return nil, nil
}

type fakeEvaluator struct {
	EvaluateFunc func(ctx context.Context, script string, input json.RawMessage) (*evaluator.Result, error)
	calls        int
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, script string, input json.RawMessage) (*evaluator.Result, error) {
	f.calls++
	if f.EvaluateFunc != nil {
		return f.EvaluateFunc(ctx, script, input)
	}
	return &evaluator.Result{Result: json.RawMessage(`{"action_type":"adjust_speed","value":1}`), Confidence: 0.8, Duration: 5 * time.Millisecond}, nil
}

type fakeModel struct {
	CompleteFunc func(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error)
	calls        int
}

func (f *fakeModel) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls++
	if f.CompleteFunc != nil {
		return f.CompleteFunc(ctx, req)
	}
	return nil, errors.New("no model configured")
}

func (f *fakeModel) Provider() string { return "fake" }
func (f *fakeModel) Model() string    { return "fake-1" }

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (m *memCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (m *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memCache) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func (m *memCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 1, nil
}

func (m *memCache) RateLimitCheck(ctx context.Context, key string, maxRequests int, window time.Duration) (*cache.RateLimitResult, error) {
	return &cache.RateLimitResult{Allowed: true}, nil
}

func (m *memCache) Health(ctx context.Context) error { return nil }

func (m *memCache) Stats() *cache.Stats { return &cache.Stats{} }

type fakeFlags struct {
	disabled map[string]bool
}

func (f *fakeFlags) IsEnabled(ctx context.Context, tenantID, feature string) (bool, error) {
	if f.disabled == nil {
		return true, nil
	}
	return !f.disabled[feature], nil
}

type fakeAssigner struct {
	version models.CanaryVersion
	calls   int
}

func (f *fakeAssigner) Assign(ctx context.Context, deployment *models.Deployment, identifier string, identifierType models.IdentifierType) (models.CanaryVersion, error) {
	f.calls++
	return f.version, nil
}

type fakeObserver struct {
	entries []models.CanaryExecutionLog
}

func (f *fakeObserver) RecordExecution(ctx context.Context, entry models.CanaryExecutionLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

func testRuleset() *models.Ruleset {
	return &models.Ruleset{
		ID:            uuid.New(),
		TenantID:      "tenant-a",
		Name:          "line-speed",
		Status:        models.RulesetStatusActive,
		ActiveVersion: 3,
		TrustLevel:    models.TrustLevelLowRiskAuto,
		TrustScore:    0.9,
	}
}

func testEngine(store *fakeStore, eval Evaluator, model llm.Client, c *memCache) *Engine {
	log := logger.New("error", "text")
	var cacheStore cache.Store
	if c != nil {
		cacheStore = c
	}
	return NewEngine(store, cacheStore, eval, model, nil, nil, &fakeFlags{}, nil, nil, config.JudgmentConfig{}, log)
}

func TestExecuteRejectsEmptyInput(t *testing.T) {
	e := testEngine(&fakeStore{}, &fakeEvaluator{}, nil, nil)
	for _, raw := range []string{"", "null", "{}", "[]"} {
		_, err := e.Execute(context.Background(), Input{TenantID: "tenant-a", InputData: json.RawMessage(raw)})
		if !errors.Is(err, ErrEmptyInput) {
			t.Fatalf("input %q: want ErrEmptyInput, got %v", raw, err)
		}
	}
}

func TestExecuteRuleOnlyPersistsAndCaches(t *testing.T) {
	ruleset := testRuleset()
	store := &fakeStore{
		GetRulesetFunc: func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, error) {
			return ruleset, nil
		},
		RiskDefinitionsFunc: func(ctx context.Context, tenantID string) ([]models.ActionRiskDefinition, error) {
			return []models.ActionRiskDefinition{{ActionType: "adjust_speed", RiskLevel: models.RiskLow}}, nil
		},
		MatrixEntryFunc: func(ctx context.Context, tenantID string, level models.TrustLevel, risk models.RiskLevel) (*models.DecisionMatrixEntry, error) {
			return &models.DecisionMatrixEntry{TrustLevel: level, RiskLevel: risk, Decision: models.DecisionAutoExecute}, nil
		},
	}
	eval := &fakeEvaluator{}
	c := newMemCache()
	e := testEngine(store, eval, nil, c)

	result, err := e.Execute(context.Background(), Input{
		TenantID:  "tenant-a",
		RulesetID: ruleset.ID,
		InputData: json.RawMessage(`{"line":"L1","speed":120}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.CacheHit {
		t.Fatal("first execution should not be a cache hit")
	}
	if result.MethodUsed != models.PolicyRuleOnly {
		t.Fatalf("method = %s, want rule_only", result.MethodUsed)
	}
	if result.RiskLevel != models.RiskLow {
		t.Fatalf("risk = %s, want LOW", result.RiskLevel)
	}
	if result.Decision != models.DecisionAutoExecute {
		t.Fatalf("decision = %s, want auto_execute", result.Decision)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("inserted %d executions, want 1", len(store.inserted))
	}
	if !store.inserted[0].Success {
		t.Fatal("persisted execution should be marked successful")
	}
	if !store.inserted[0].AutoExecuted {
		t.Fatal("level-2 trust with auto_execute decision should auto-execute")
	}
	if len(c.data) != 1 {
		t.Fatalf("cache has %d entries, want 1", len(c.data))
	}
}

func TestExecuteCacheHitSkipsEvaluator(t *testing.T) {
	ruleset := testRuleset()
	store := &fakeStore{
		GetRulesetFunc: func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, error) {
			return ruleset, nil
		},
	}
	eval := &fakeEvaluator{}
	c := newMemCache()
	e := testEngine(store, eval, nil, c)

	in := Input{TenantID: "tenant-a", RulesetID: ruleset.ID, InputData: json.RawMessage(`{"line":"L1"}`)}
	if _, err := e.Execute(context.Background(), in); err != nil {
		t.Fatalf("warmup Execute: %v", err)
	}
	if eval.calls != 1 {
		t.Fatalf("warmup evaluator calls = %d, want 1", eval.calls)
	}

	result, err := e.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.CacheHit {
		t.Fatal("second identical execution should hit the cache")
	}
	if eval.calls != 1 {
		t.Fatalf("evaluator calls = %d after cache hit, want 1", eval.calls)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("cache hits must not persist new rows, have %d", len(store.inserted))
	}
}

func TestExecuteEvaluatorFailurePersistsFailedRow(t *testing.T) {
	ruleset := testRuleset()
	store := &fakeStore{
		GetRulesetFunc: func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, error) {
			return ruleset, nil
		},
	}
	eval := &fakeEvaluator{
		EvaluateFunc: func(ctx context.Context, script string, input json.RawMessage) (*evaluator.Result, error) {
			return nil, errors.New("script raised: division by zero")
		},
	}
	e := testEngine(store, eval, nil, nil)

	_, err := e.Execute(context.Background(), Input{TenantID: "tenant-a", RulesetID: ruleset.ID, InputData: json.RawMessage(`{"x":1}`)})
	if err == nil || !strings.Contains(err.Error(), "division by zero") {
		t.Fatalf("want evaluator error propagated, got %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("failed execution should be persisted, have %d rows", len(store.inserted))
	}
	row := store.inserted[0]
	if row.Success {
		t.Fatal("persisted row should be marked failed")
	}
	if row.ErrorMessage == "" {
		t.Fatal("persisted row should carry the error message")
	}
	if row.Decision != models.DecisionRequireApproval || row.RiskLevel != models.RiskHigh {
		t.Fatalf("failed row defaults = %s/%s, want require_approval/HIGH", row.Decision, row.RiskLevel)
	}
}

func TestExecuteCancelledContextLeavesNoTrace(t *testing.T) {
	ruleset := testRuleset()
	store := &fakeStore{
		GetRulesetFunc: func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, error) {
			return ruleset, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	eval := &fakeEvaluator{
		EvaluateFunc: func(ctx context.Context, script string, input json.RawMessage) (*evaluator.Result, error) {
			cancel()
			return nil, ctx.Err()
		},
	}
	e := testEngine(store, eval, nil, nil)

	_, err := e.Execute(ctx, Input{TenantID: "tenant-a", RulesetID: ruleset.ID, InputData: json.RawMessage(`{"x":1}`)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if len(store.inserted) != 0 {
		t.Fatalf("cancelled execution must not persist, have %d rows", len(store.inserted))
	}
}

func TestExecuteHybridOverride(t *testing.T) {
	ruleset := testRuleset()
	store := &fakeStore{
		GetRulesetFunc: func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, error) {
			return ruleset, nil
		},
	}
	eval := &fakeEvaluator{
		EvaluateFunc: func(ctx context.Context, script string, input json.RawMessage) (*evaluator.Result, error) {
			return &evaluator.Result{Result: json.RawMessage(`{"action_type":"hold"}`), Confidence: 0.5}, nil
		},
	}
	model := &fakeModel{
		CompleteFunc: func(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Content: `{"result":{"action_type":"escalate"},"confidence":0.9,"explanation":"sensor drift pattern"}`}, nil
		},
	}
	e := testEngine(store, eval, model, nil)

	result, err := e.Execute(context.Background(), Input{
		TenantID:        "tenant-a",
		RulesetID:       ruleset.ID,
		InputData:       json.RawMessage(`{"x":1}`),
		Policy:          models.PolicyHybridWeighted,
		NeedExplanation: true,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.MethodUsed != models.PolicyHybridWeighted {
		t.Fatalf("method = %s, want hybrid_weighted", result.MethodUsed)
	}
	// model 0.9 > rule 0.5 + margin 0.15 so the model result wins
	if !strings.Contains(string(result.Result), "escalate") {
		t.Fatalf("model opinion should override rule result, got %s", result.Result)
	}
	want := 0.6*0.5 + 0.4*0.9
	if diff := result.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("confidence = %f, want %f", result.Confidence, want)
	}
	if result.Explanation == "" {
		t.Fatal("hybrid result should carry the model explanation")
	}
}

func TestExecuteHybridSkipsModelWithoutExplanation(t *testing.T) {
	ruleset := testRuleset()
	store := &fakeStore{
		GetRulesetFunc: func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, error) {
			return ruleset, nil
		},
	}
	model := &fakeModel{}
	e := testEngine(store, &fakeEvaluator{}, model, nil)

	result, err := e.Execute(context.Background(), Input{
		TenantID:  "tenant-a",
		RulesetID: ruleset.ID,
		InputData: json.RawMessage(`{"x":1}`),
		Policy:    models.PolicyHybridWeighted,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if model.calls != 0 {
		t.Fatalf("model called %d times without need_explanation, want 0", model.calls)
	}
	if result.MethodUsed != models.PolicyRuleOnly {
		t.Fatalf("method = %s, want rule_only degrade", result.MethodUsed)
	}
}

func TestExecuteModelFailureDegradesToRule(t *testing.T) {
	ruleset := testRuleset()
	store := &fakeStore{
		GetRulesetFunc: func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, error) {
			return ruleset, nil
		},
	}
	model := &fakeModel{
		CompleteFunc: func(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return nil, errors.New("provider timeout")
		},
	}
	e := testEngine(store, &fakeEvaluator{}, model, nil)

	result, err := e.Execute(context.Background(), Input{
		TenantID:        "tenant-a",
		RulesetID:       ruleset.ID,
		InputData:       json.RawMessage(`{"x":1}`),
		Policy:          models.PolicyHybridWeighted,
		NeedExplanation: true,
	})
	if err != nil {
		t.Fatalf("model failure must not fail the judgment: %v", err)
	}
	if result.MethodUsed != models.PolicyRuleOnly {
		t.Fatalf("method = %s, want rule_only degrade", result.MethodUsed)
	}
}

func TestExecuteGuardDowngradesAutoExecute(t *testing.T) {
	ruleset := testRuleset()
	ruleset.TrustScore = 0.4
	minScore := 0.8
	store := &fakeStore{
		GetRulesetFunc: func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, error) {
			return ruleset, nil
		},
		RiskDefinitionsFunc: func(ctx context.Context, tenantID string) ([]models.ActionRiskDefinition, error) {
			return []models.ActionRiskDefinition{{ActionType: "adjust_speed", RiskLevel: models.RiskLow}}, nil
		},
		MatrixEntryFunc: func(ctx context.Context, tenantID string, level models.TrustLevel, risk models.RiskLevel) (*models.DecisionMatrixEntry, error) {
			return &models.DecisionMatrixEntry{Decision: models.DecisionAutoExecute, MinTrustScore: &minScore}, nil
		},
	}
	e := testEngine(store, &fakeEvaluator{}, nil, nil)

	result, err := e.Execute(context.Background(), Input{TenantID: "tenant-a", RulesetID: ruleset.ID, InputData: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Decision != models.DecisionRequireApproval {
		t.Fatalf("decision = %s, want require_approval after guard failure", result.Decision)
	}
	if len(store.inserted) != 1 || store.inserted[0].AutoExecuted {
		t.Fatal("guarded judgment must not auto-execute")
	}
}

func TestExecuteRoutesCanaryTraffic(t *testing.T) {
	ruleset := testRuleset()
	deployment := &models.Deployment{
		ID:            uuid.New(),
		TenantID:      "tenant-a",
		RulesetID:     ruleset.ID,
		TargetVersion: 7,
	}
	var scriptVersions []int
	store := &fakeStore{
		GetRulesetFunc: func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, error) {
			return ruleset, nil
		},
		CurrentCanaryFunc: func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Deployment, error) {
			return deployment, nil
		},
		GetVersionScriptFunc: func(ctx context.Context, rulesetID uuid.UUID, version int) (string, error) {
			scriptVersions = append(scriptVersions, version)
			return "return input", nil
		},
	}
	assigner := &fakeAssigner{version: models.CanaryVersionV2}
	observer := &fakeObserver{}
	log := logger.New("error", "text")
	e := NewEngine(store, nil, &fakeEvaluator{}, nil, assigner, observer, &fakeFlags{}, nil, nil, config.JudgmentConfig{}, log)

	result, err := e.Execute(context.Background(), Input{
		TenantID:       "tenant-a",
		RulesetID:      ruleset.ID,
		InputData:      json.RawMessage(`{"x":1}`),
		Identifier:     "operator-7",
		IdentifierType: models.IdentifierTypeUser,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if assigner.calls != 1 {
		t.Fatalf("assigner calls = %d, want 1", assigner.calls)
	}
	if len(scriptVersions) != 1 || scriptVersions[0] != 7 {
		t.Fatalf("script versions = %v, want [7] for a v2 assignment", scriptVersions)
	}
	if result.CanaryInfo == nil || result.CanaryInfo.Version != models.CanaryVersionV2 {
		t.Fatalf("canary info = %+v, want v2", result.CanaryInfo)
	}
	if len(observer.entries) != 1 || observer.entries[0].DeploymentID != deployment.ID {
		t.Fatalf("observer entries = %+v, want one for deployment", observer.entries)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("inserted %d rows, want 1", len(store.inserted))
	}
	var meta models.ExecutionMetadata
	if err := json.Unmarshal(store.inserted[0].Metadata, &meta); err != nil {
		t.Fatalf("metadata unmarshal: %v", err)
	}
	if meta.CanaryVersion != "v2" {
		t.Fatalf("metadata canary version = %q, want v2", meta.CanaryVersion)
	}
}

func TestExecuteCanaryFlagDisabledUsesActiveVersion(t *testing.T) {
	ruleset := testRuleset()
	deployment := &models.Deployment{ID: uuid.New(), TargetVersion: 7}
	var scriptVersions []int
	store := &fakeStore{
		GetRulesetFunc: func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, error) {
			return ruleset, nil
		},
		CurrentCanaryFunc: func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Deployment, error) {
			return deployment, nil
		},
		GetVersionScriptFunc: func(ctx context.Context, rulesetID uuid.UUID, version int) (string, error) {
			scriptVersions = append(scriptVersions, version)
			return "return input", nil
		},
	}
	assigner := &fakeAssigner{version: models.CanaryVersionV2}
	flags := &fakeFlags{disabled: map[string]bool{"canary_deployment": true}}
	log := logger.New("error", "text")
	e := NewEngine(store, nil, &fakeEvaluator{}, nil, assigner, &fakeObserver{}, flags, nil, nil, config.JudgmentConfig{}, log)

	result, err := e.Execute(context.Background(), Input{TenantID: "tenant-a", RulesetID: ruleset.ID, InputData: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if assigner.calls != 0 {
		t.Fatalf("assigner calls = %d with flag disabled, want 0", assigner.calls)
	}
	if len(scriptVersions) != 1 || scriptVersions[0] != ruleset.ActiveVersion {
		t.Fatalf("script versions = %v, want [%d]", scriptVersions, ruleset.ActiveVersion)
	}
	if result.CanaryInfo != nil {
		t.Fatalf("canary info = %+v, want nil", result.CanaryInfo)
	}
}

func TestReplayComparesAgainstRequestedVersion(t *testing.T) {
	execID := uuid.New()
	rulesetID := uuid.New()
	original := &models.JudgmentExecution{
		ID:             execID,
		TenantID:       "tenant-a",
		RulesetID:      rulesetID,
		RulesetVersion: 2,
		InputData:      json.RawMessage(`{"line":"L1"}`),
		Result:         json.RawMessage(`{"action_type":"hold"}`),
		Confidence:     0.7,
	}
	var askedVersion int
	store := &fakeStore{
		GetExecutionFunc: func(ctx context.Context, tenantID string, id uuid.UUID) (*models.JudgmentExecution, error) {
			if id != execID {
				return nil, ErrExecutionNotFound
			}
			return original, nil
		},
		GetVersionScriptFunc: func(ctx context.Context, rulesetID uuid.UUID, version int) (string, error) {
			askedVersion = version
			return "return input", nil
		},
	}
	eval := &fakeEvaluator{
		EvaluateFunc: func(ctx context.Context, script string, input json.RawMessage) (*evaluator.Result, error) {
			return &evaluator.Result{Result: json.RawMessage(`{"action_type":"escalate"}`), Confidence: 0.9}, nil
		},
	}
	e := testEngine(store, eval, nil, nil)

	version := 5
	result, err := e.Replay(context.Background(), "tenant-a", execID, ReplayOptions{RulesetVersion: &version})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if askedVersion != 5 {
		t.Fatalf("replayed version = %d, want 5", askedVersion)
	}
	if !result.Comparison.ResultChanged {
		t.Fatal("differing results should be reported as changed")
	}
	if diff := result.Comparison.ConfidenceChange - 0.2; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("confidence change = %f, want 0.2", result.Comparison.ConfidenceChange)
	}
	if len(store.inserted) != 0 {
		t.Fatal("replay must not persist executions")
	}
}

func TestReplayTreatsKeyOrderAsUnchanged(t *testing.T) {
	execID := uuid.New()
	original := &models.JudgmentExecution{
		ID:             execID,
		TenantID:       "tenant-a",
		RulesetID:      uuid.New(),
		RulesetVersion: 1,
		InputData:      json.RawMessage(`{"line":"L1"}`),
		Result:         json.RawMessage(`{"a":1,"b":2}`),
		Confidence:     0.8,
	}
	store := &fakeStore{
		GetExecutionFunc: func(ctx context.Context, tenantID string, id uuid.UUID) (*models.JudgmentExecution, error) {
			return original, nil
		},
	}
	eval := &fakeEvaluator{
		EvaluateFunc: func(ctx context.Context, script string, input json.RawMessage) (*evaluator.Result, error) {
			return &evaluator.Result{Result: json.RawMessage(`{"b":2,"a":1}`), Confidence: 0.8}, nil
		},
	}
	e := testEngine(store, eval, nil, nil)

	result, err := e.Replay(context.Background(), "tenant-a", execID, ReplayOptions{})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if result.Comparison.ResultChanged {
		t.Fatal("key order must not count as a change")
	}
}

func TestWhatIfOverlaysInput(t *testing.T) {
	execID := uuid.New()
	original := &models.JudgmentExecution{
		ID:             execID,
		TenantID:       "tenant-a",
		RulesetID:      uuid.New(),
		RulesetVersion: 1,
		InputData:      json.RawMessage(`{"line":"L1","speed":100}`),
		Result:         json.RawMessage(`{"action_type":"hold"}`),
		Confidence:     0.7,
	}
	var evaluatedInput json.RawMessage
	store := &fakeStore{
		GetExecutionFunc: func(ctx context.Context, tenantID string, id uuid.UUID) (*models.JudgmentExecution, error) {
			return original, nil
		},
	}
	eval := &fakeEvaluator{
		EvaluateFunc: func(ctx context.Context, script string, input json.RawMessage) (*evaluator.Result, error) {
			evaluatedInput = input
			return &evaluator.Result{Result: json.RawMessage(`{"action_type":"escalate"}`), Confidence: 0.85}, nil
		},
	}
	c := newMemCache()
	e := testEngine(store, eval, nil, c)

	result, err := e.WhatIf(context.Background(), "tenant-a", execID, map[string]any{"speed": 200})
	if err != nil {
		t.Fatalf("WhatIf: %v", err)
	}
	var probe struct {
		Line  string  `json:"line"`
		Speed float64 `json:"speed"`
	}
	if err := json.Unmarshal(evaluatedInput, &probe); err != nil {
		t.Fatalf("evaluated input unmarshal: %v", err)
	}
	if probe.Line != "L1" || probe.Speed != 200 {
		t.Fatalf("evaluated input = %s, want overlay of speed=200", evaluatedInput)
	}
	if !result.Impact.ResultChanged {
		t.Fatal("differing result should report result_changed")
	}
	if len(store.inserted) != 0 || len(c.data) != 0 {
		t.Fatal("what-if must be side-effect free")
	}
}

func TestReexecutePersistsLinkedRow(t *testing.T) {
	execID := uuid.New()
	ruleset := testRuleset()
	original := &models.JudgmentExecution{
		ID:             execID,
		TenantID:       "tenant-a",
		RulesetID:      ruleset.ID,
		RulesetVersion: 2,
		InputData:      json.RawMessage(`{"line":"L1"}`),
		Result:         json.RawMessage(`{"action_type":"hold"}`),
	}
	store := &fakeStore{
		GetRulesetFunc: func(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, error) {
			return ruleset, nil
		},
		GetExecutionFunc: func(ctx context.Context, tenantID string, id uuid.UUID) (*models.JudgmentExecution, error) {
			return original, nil
		},
	}
	e := testEngine(store, &fakeEvaluator{}, nil, nil)

	if err := e.Reexecute(context.Background(), "tenant-a", execID); err != nil {
		t.Fatalf("Reexecute: %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("inserted %d rows, want 1", len(store.inserted))
	}
	row := store.inserted[0]
	if row.RulesetVersion != ruleset.ActiveVersion {
		t.Fatalf("reexecuted version = %d, want active %d", row.RulesetVersion, ruleset.ActiveVersion)
	}
	var meta models.ExecutionMetadata
	if err := json.Unmarshal(row.Metadata, &meta); err != nil {
		t.Fatalf("metadata unmarshal: %v", err)
	}
	if meta.ReplayOf != execID.String() {
		t.Fatalf("replay_of = %q, want %s", meta.ReplayOf, execID)
	}
}
