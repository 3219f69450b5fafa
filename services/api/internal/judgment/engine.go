// Package judgment implements the trust-gated judgment pipeline: resolve
// the ruleset version (canary-aware), consult the result cache, evaluate
// the rule script, optionally merge a model opinion, classify risk, apply
// the decision matrix and persist the outcome.
package judgment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fabrikhq/decision-core/pkg/cache"
	"github.com/fabrikhq/decision-core/pkg/canary"
	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/featureflags"
	"github.com/fabrikhq/decision-core/pkg/kafka"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/pkg/telemetry"
	"github.com/fabrikhq/decision-core/services/api/internal/evaluator"
	"github.com/fabrikhq/decision-core/services/api/internal/llm"
)

var (
	// ErrEmptyInput indicates the judgment input carried no data.
	ErrEmptyInput = errors.New("judgment input is empty")
	// ErrRulesetNotFound indicates the ruleset does not exist for the tenant.
	ErrRulesetNotFound = errors.New("ruleset not found")
	// ErrVersionNotFound indicates the resolved script version is missing.
	ErrVersionNotFound = errors.New("ruleset version not found")
	// ErrExecutionNotFound indicates a replay target does not exist.
	ErrExecutionNotFound = errors.New("judgment execution not found")
)

// Store is the persistence surface the engine needs.
type Store interface {
	GetRuleset(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Ruleset, error)
	GetVersionScript(ctx context.Context, rulesetID uuid.UUID, version int) (string, error)
	CurrentCanary(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*models.Deployment, error)
	MatrixEntry(ctx context.Context, tenantID string, level models.TrustLevel, risk models.RiskLevel) (*models.DecisionMatrixEntry, error)
	RiskDefinitions(ctx context.Context, tenantID string) ([]models.ActionRiskDefinition, error)
	InsertExecution(ctx context.Context, ex *models.JudgmentExecution) error
	GetExecution(ctx context.Context, tenantID string, executionID uuid.UUID) (*models.JudgmentExecution, error)
	InsertAutoExecutionLog(ctx context.Context, entry *models.AutoExecutionLog) error
	BumpExecutionCounters(ctx context.Context, tenantID string, rulesetID uuid.UUID, at time.Time) error
	FailureStreak(ctx context.Context, tenantID string, rulesetID uuid.UUID) (int, error)
	LastAutoExecutionAt(ctx context.Context, tenantID string, rulesetID uuid.UUID) (*time.Time, error)
}

// Evaluator runs rule scripts. Satisfied by the evaluator HTTP client.
type Evaluator interface {
	Evaluate(ctx context.Context, script string, input json.RawMessage) (*evaluator.Result, error)
}

// Assigner resolves canary versions. Satisfied by canary.Assigner.
type Assigner interface {
	Assign(ctx context.Context, deployment *models.Deployment, identifier string, identifierType models.IdentifierType) (models.CanaryVersion, error)
}

// Observer records canary-side execution outcomes. Satisfied by
// canary.Aggregator.
type Observer interface {
	RecordExecution(ctx context.Context, entry models.CanaryExecutionLog) error
}

// FlagSource answers feature-flag checks. Satisfied by
// featureflags.Service.
type FlagSource interface {
	IsEnabled(ctx context.Context, tenantID, feature string) (bool, error)
}

// Engine executes judgments.
type Engine struct {
	store     Store
	cache     cache.Store
	evaluator Evaluator
	model     llm.Client
	assigner  Assigner
	observer  Observer
	flags     FlagSource
	producer  *kafka.Producer
	metrics   *telemetry.Metrics
	cfg       config.JudgmentConfig
	log       *logger.Logger
}

// NewEngine assembles an engine. model, assigner, observer, flags,
// producer and metrics may each be nil; the corresponding behavior is
// skipped.
func NewEngine(
	store Store,
	cacheStore cache.Store,
	eval Evaluator,
	model llm.Client,
	assigner Assigner,
	observer Observer,
	flags FlagSource,
	producer *kafka.Producer,
	metrics *telemetry.Metrics,
	cfg config.JudgmentConfig,
	log *logger.Logger,
) *Engine {
	return &Engine{
		store:     store,
		cache:     cacheStore,
		evaluator: eval,
		model:     model,
		assigner:  assigner,
		observer:  observer,
		flags:     flags,
		producer:  producer,
		metrics:   metrics,
		cfg:       cfg,
		log:       log.WithComponent("judgment"),
	}
}

// Input is one judgment request.
type Input struct {
	TenantID        string                `json:"tenant_id"`
	RulesetID       uuid.UUID             `json:"ruleset_id"`
	InputData       json.RawMessage       `json:"input_data"`
	Policy          models.JudgmentPolicy `json:"policy,omitempty"`
	NeedExplanation bool                  `json:"need_explanation,omitempty"`
	Identifier      string                `json:"identifier,omitempty"`
	IdentifierType  models.IdentifierType `json:"identifier_type,omitempty"`
}

func emptyInput(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", "{}", "[]":
		return true
	}
	return false
}

// Execute runs the full pipeline and returns the caller-facing result.
func (e *Engine) Execute(ctx context.Context, in Input) (*models.JudgmentResult, error) {
	if emptyInput(in.InputData) {
		return nil, ErrEmptyInput
	}
	policy := in.Policy
	if policy == "" {
		policy = models.PolicyRuleOnly
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("unknown judgment policy: %s", policy)
	}

	start := time.Now()

	ruleset, err := e.store.GetRuleset(ctx, in.TenantID, in.RulesetID)
	if err != nil {
		return nil, err
	}

	version, canaryInfo, err := e.resolveVersion(ctx, ruleset, in)
	if err != nil {
		return nil, err
	}

	inputHash, err := cache.InputHash(in.InputData)
	if err != nil {
		return nil, fmt.Errorf("failed to hash judgment input: %w", err)
	}
	key := cache.JudgmentKey(in.TenantID, in.RulesetID, inputHash)

	if cached := e.cacheLookup(ctx, key); cached != nil {
		result := &models.JudgmentResult{
			ExecutionID: uuid.New(),
			Result:      cached.Result,
			Confidence:  cached.Confidence,
			MethodUsed:  policy,
			CacheHit:    true,
			Decision:    models.DecisionRequireApproval,
			RiskLevel:   models.RiskHigh,
			TrustLevel:  ruleset.TrustLevel,
			CanaryInfo:  canaryInfo,
			LatencyMS:   float64(time.Since(start).Microseconds()) / 1000,
		}
		// Risk and decision are cheap and trust-dependent, so they are
		// recomputed rather than trusted from the cached entry.
		risk, decision := e.classify(ctx, in.TenantID, ruleset, cached.Result)
		result.RiskLevel = risk
		result.Decision = decision
		e.observe(ctx, in.TenantID, in.RulesetID, result, policy, true)
		return result, nil
	}

	script, err := e.store.GetVersionScript(ctx, in.RulesetID, version)
	if err != nil {
		return nil, err
	}

	evalStart := time.Now()
	ruleOut, evalErr := e.evaluator.Evaluate(ctx, script, in.InputData)
	if evalErr != nil {
		if ctx.Err() != nil {
			// Cancelled requests leave no trace.
			return nil, ctx.Err()
		}
		e.recordFailure(ctx, in, ruleset, version, canaryInfo, evalErr, time.Since(evalStart))
		return nil, fmt.Errorf("script evaluation failed: %w", evalErr)
	}

	merged := e.merge(ctx, in, policy, ruleOut)

	risk, decision := e.classify(ctx, in.TenantID, ruleset, merged.result)

	execution := &models.JudgmentExecution{
		ID:               uuid.New(),
		TenantID:         in.TenantID,
		RulesetID:        in.RulesetID,
		RulesetVersion:   version,
		InputData:        in.InputData,
		Result:           merged.result,
		Confidence:       merged.confidence,
		MethodUsed:       merged.method,
		TrustLevelAtTime: ruleset.TrustLevel,
		RiskLevel:        risk,
		Decision:         decision,
		Success:          true,
		LatencyMS:        float64(time.Since(start).Microseconds()) / 1000,
		CreatedAt:        time.Now().UTC(),
	}

	autoExecuted := e.applyEffects(ctx, ruleset, execution, merged.actionType)
	execution.AutoExecuted = autoExecuted

	execution.Metadata = metadataJSON(models.ExecutionMetadata{
		CanaryVersion: canaryVersionString(canaryInfo),
		DeploymentID:  deploymentIDString(canaryInfo),
	})

	if err := e.store.InsertExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to persist judgment: %w", err)
	}
	e.recordCanaryOutcome(ctx, canaryInfo, execution.ID, true, execution.LatencyMS, "")

	e.cacheStore(ctx, key, ruleset, merged, inputHash)

	if err := e.store.BumpExecutionCounters(ctx, in.TenantID, in.RulesetID, execution.CreatedAt); err != nil {
		e.log.Error("failed to bump execution counters", "error", err, "ruleset_id", in.RulesetID)
	}

	result := &models.JudgmentResult{
		ExecutionID: execution.ID,
		Result:      merged.result,
		Confidence:  merged.confidence,
		MethodUsed:  merged.method,
		Decision:    decision,
		RiskLevel:   risk,
		TrustLevel:  ruleset.TrustLevel,
		Explanation: merged.explanation,
		CanaryInfo:  canaryInfo,
		LatencyMS:   execution.LatencyMS,
	}
	e.observe(ctx, in.TenantID, in.RulesetID, result, merged.method, false)
	return result, nil
}

// resolveVersion picks the script version for this call. A canary
// deployment routes through the assigner; otherwise the active version is
// used. The canary_deployment flag gates routing per tenant.
func (e *Engine) resolveVersion(ctx context.Context, ruleset *models.Ruleset, in Input) (int, *models.CanaryInfo, error) {
	version := ruleset.ActiveVersion

	deployment, err := e.store.CurrentCanary(ctx, in.TenantID, in.RulesetID)
	if err != nil {
		return 0, nil, err
	}
	if deployment == nil || e.assigner == nil {
		return version, nil, nil
	}
	if enabled, err := e.flagEnabled(ctx, in.TenantID, featureflags.FlagCanaryDeployment); err == nil && !enabled {
		return version, nil, nil
	}

	assigned, err := e.assigner.Assign(ctx, deployment, in.Identifier, in.IdentifierType)
	if err != nil {
		return 0, nil, fmt.Errorf("canary assignment failed: %w", err)
	}
	if assigned == models.CanaryVersionV2 {
		version = deployment.TargetVersion
	}
	return version, &models.CanaryInfo{DeploymentID: deployment.ID, Version: assigned}, nil
}

func (e *Engine) flagEnabled(ctx context.Context, tenantID, flag string) (bool, error) {
	if e.flags == nil {
		return true, nil
	}
	return e.flags.IsEnabled(ctx, tenantID, flag)
}

func (e *Engine) cacheLookup(ctx context.Context, key string) *cache.JudgmentEntry {
	if e.cache == nil {
		return nil
	}
	raw, err := e.cache.Get(ctx, key)
	if err != nil || raw == nil {
		if e.metrics != nil {
			e.metrics.RecordCacheLookup(false)
		}
		return nil
	}
	var entry cache.JudgmentEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		if e.metrics != nil {
			e.metrics.RecordCacheLookup(false)
		}
		return nil
	}
	if e.metrics != nil {
		e.metrics.RecordCacheLookup(true)
	}
	return &entry
}

func (e *Engine) cacheStore(ctx context.Context, key string, ruleset *models.Ruleset, m mergeOutcome, inputHash string) {
	if e.cache == nil {
		return
	}
	ttl := e.cfg.CacheTTL
	if ruleset.CacheTTLSeconds > 0 {
		ttl = time.Duration(ruleset.CacheTTLSeconds) * time.Second
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	entry, err := json.Marshal(cache.JudgmentEntry{
		Result:     m.result,
		Confidence: m.confidence,
		CachedAt:   time.Now().UTC(),
		InputHash:  inputHash,
		RulesetID:  ruleset.ID.String(),
	})
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, key, entry, ttl); err != nil {
		e.log.Debug("judgment cache store failed", "error", err)
	}
}

// recordFailure persists the failed judgment row. Persistence errors are
// logged; the evaluator error is what the caller sees.
func (e *Engine) recordFailure(ctx context.Context, in Input, ruleset *models.Ruleset, version int, canaryInfo *models.CanaryInfo, evalErr error, elapsed time.Duration) {
	execution := &models.JudgmentExecution{
		ID:               uuid.New(),
		TenantID:         in.TenantID,
		RulesetID:        in.RulesetID,
		RulesetVersion:   version,
		InputData:        in.InputData,
		MethodUsed:       models.PolicyRuleOnly,
		TrustLevelAtTime: ruleset.TrustLevel,
		RiskLevel:        models.RiskHigh,
		Decision:         models.DecisionRequireApproval,
		Success:          false,
		ErrorMessage:     evalErr.Error(),
		LatencyMS:        float64(elapsed.Microseconds()) / 1000,
		CreatedAt:        time.Now().UTC(),
		Metadata: metadataJSON(models.ExecutionMetadata{
			CanaryVersion: canaryVersionString(canaryInfo),
			DeploymentID:  deploymentIDString(canaryInfo),
		}),
	}
	if err := e.store.InsertExecution(ctx, execution); err != nil {
		e.log.Error("failed to persist failed judgment", "error", err, "ruleset_id", in.RulesetID)
	}
	e.recordCanaryOutcome(ctx, canaryInfo, execution.ID, false, execution.LatencyMS, evalErr.Error())
}

func (e *Engine) recordCanaryOutcome(ctx context.Context, canaryInfo *models.CanaryInfo, executionID uuid.UUID, success bool, latencyMS float64, errMsg string) {
	if canaryInfo == nil || e.observer == nil {
		return
	}
	entry := models.CanaryExecutionLog{
		ID:            uuid.New(),
		DeploymentID:  canaryInfo.DeploymentID,
		ExecutionID:   executionID,
		CanaryVersion: canaryInfo.Version,
		Success:       success,
		LatencyMS:     latencyMS,
		ErrorMessage:  errMsg,
		RollbackSafe:  true,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.observer.RecordExecution(ctx, entry); err != nil {
		e.log.Error("failed to record canary outcome", "error", err, "deployment_id", canaryInfo.DeploymentID)
	}
}

// applyEffects stages the action or emits an approval request, returning
// whether the judgment auto-executed. Auto-execution requires the matrix
// decision, trust level ≥ low-risk-auto and the tenant's auto_execution
// flag.
func (e *Engine) applyEffects(ctx context.Context, ruleset *models.Ruleset, execution *models.JudgmentExecution, actionType string) bool {
	auto := execution.Decision == models.DecisionAutoExecute &&
		ruleset.TrustLevel >= models.TrustLevelLowRiskAuto
	if auto {
		if enabled, err := e.flagEnabled(ctx, execution.TenantID, featureflags.FlagAutoExecution); err != nil || !enabled {
			auto = false
		}
	}

	status := models.ExecutionStatusStaged
	if !auto && execution.Decision == models.DecisionReject {
		status = models.ExecutionStatusRejected
	}

	entry := &models.AutoExecutionLog{
		ID:              uuid.New(),
		TenantID:        execution.TenantID,
		ExecutionID:     execution.ID,
		RulesetID:       execution.RulesetID,
		Decision:        execution.Decision,
		ExecutionStatus: status,
		ActionType:      actionType,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.store.InsertAutoExecutionLog(ctx, entry); err != nil {
		e.log.Error("failed to record execution effect", "error", err, "execution_id", execution.ID)
	}
	return auto
}

func (e *Engine) observe(ctx context.Context, tenantID string, rulesetID uuid.UUID, result *models.JudgmentResult, method models.JudgmentPolicy, cacheHit bool) {
	if e.metrics != nil {
		e.metrics.RecordJudgment(tenantID, string(result.Decision), string(method),
			string(result.RiskLevel), result.LatencyMS/1000)
	}
	if e.producer != nil {
		ev := models.JudgmentRecordedEvent{
			TenantID:    tenantID,
			ExecutionID: result.ExecutionID,
			RulesetID:   rulesetID,
			Decision:    result.Decision,
			RiskLevel:   result.RiskLevel,
			Success:     true,
			CacheHit:    cacheHit,
			Timestamp:   time.Now().UTC(),
		}
		if err := e.producer.PublishJudgment(ctx, ev); err != nil {
			e.log.Error("failed to publish judgment event", "error", err)
		}
	}
}

func metadataJSON(m models.ExecutionMetadata) json.RawMessage {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return raw
}

func canaryVersionString(info *models.CanaryInfo) string {
	if info == nil {
		return ""
	}
	return string(info.Version)
}

func deploymentIDString(info *models.CanaryInfo) string {
	if info == nil {
		return ""
	}
	return info.DeploymentID.String()
}

var _ Assigner = (*canary.Assigner)(nil)
var _ Observer = (*canary.Aggregator)(nil)
var _ Evaluator = (*evaluator.Client)(nil)
