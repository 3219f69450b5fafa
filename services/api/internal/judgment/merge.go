package judgment

import (
	"context"
	"encoding/json"

	"github.com/fabrikhq/decision-core/pkg/featureflags"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/services/api/internal/evaluator"
	"github.com/fabrikhq/decision-core/services/api/internal/llm"
	"github.com/fabrikhq/decision-core/services/api/internal/llmjson"
)

// mergeOutcome is the post-merge judgment payload.
type mergeOutcome struct {
	result      json.RawMessage
	confidence  float64
	method      models.JudgmentPolicy
	explanation string
	actionType  string
}

// modelOpinion is the shape the merge prompt asks the model for.
type modelOpinion struct {
	Result      json.RawMessage `json:"result"`
	Confidence  float64         `json:"confidence"`
	Explanation string          `json:"explanation"`
}

const mergePrompt = `You are reviewing an automated rule judgment in a
manufacturing decision system. Given the input and the rule's output,
give your own judgment of the correct result.

Respond with only a JSON object:
{"result": <your judged result>, "confidence": 0.0, "explanation": "..."}`

// merge combines the rule outcome with a model opinion according to the
// policy. Model failures always degrade to the rule outcome; method_used
// reflects the path actually taken.
func (e *Engine) merge(ctx context.Context, in Input, policy models.JudgmentPolicy, ruleOut *evaluator.Result) mergeOutcome {
	base := mergeOutcome{
		result:     ruleOut.Result,
		confidence: ruleOut.Confidence,
		method:     models.PolicyRuleOnly,
		actionType: actionTypeOf(ruleOut.Result),
	}

	switch policy {
	case models.PolicyLLMOnly:
		opinion, ok := e.modelOpinion(ctx, in, ruleOut)
		if !ok {
			return base
		}
		return mergeOutcome{
			result:      opinion.Result,
			confidence:  opinion.Confidence,
			method:      models.PolicyLLMOnly,
			explanation: opinion.Explanation,
			actionType:  actionTypeOf(opinion.Result),
		}

	case models.PolicyHybridWeighted:
		// The merge costs a model round-trip; callers that do not want
		// an explanation get the rule result as-is.
		if !in.NeedExplanation {
			return base
		}
		if enabled, err := e.flagEnabled(ctx, in.TenantID, featureflags.FlagHybridJudgment); err == nil && !enabled {
			return base
		}
		opinion, ok := e.modelOpinion(ctx, in, ruleOut)
		if !ok {
			return base
		}

		merged := base
		merged.method = models.PolicyHybridWeighted
		merged.explanation = opinion.Explanation
		merged.confidence = e.ruleWeight()*ruleOut.Confidence + e.modelWeight()*opinion.Confidence
		if opinion.Confidence > ruleOut.Confidence+e.overrideMargin() {
			merged.result = opinion.Result
			merged.actionType = actionTypeOf(opinion.Result)
		}
		return merged

	default:
		return base
	}
}

// modelOpinion asks the model once. ok=false on any failure.
func (e *Engine) modelOpinion(ctx context.Context, in Input, ruleOut *evaluator.Result) (*modelOpinion, bool) {
	if e.model == nil {
		return nil, false
	}

	payload, err := json.Marshal(map[string]json.RawMessage{
		"input":       in.InputData,
		"rule_result": ruleOut.Result,
	})
	if err != nil {
		return nil, false
	}

	resp, err := e.model.Complete(ctx, &llm.CompletionRequest{
		SystemPrompt: mergePrompt,
		Messages:     []llm.Message{{Role: "user", Content: string(payload)}},
		MaxTokens:    1024,
	})
	if err != nil {
		e.log.Warn("judgment model call failed, using rule result", "error", err)
		return nil, false
	}

	parsed, err := llmjson.ExtractJSON[modelOpinion](resp.Content)
	if err != nil {
		e.log.Warn("judgment model response unparseable, using rule result", "error", err)
		return nil, false
	}
	if parsed.Value.Result == nil {
		return nil, false
	}
	return &parsed.Value, true
}

func (e *Engine) ruleWeight() float64 {
	if e.cfg.RuleWeight > 0 {
		return e.cfg.RuleWeight
	}
	return 0.6
}

func (e *Engine) modelWeight() float64 {
	if e.cfg.ModelWeight > 0 {
		return e.cfg.ModelWeight
	}
	return 0.4
}

func (e *Engine) overrideMargin() float64 {
	if e.cfg.OverrideMargin > 0 {
		return e.cfg.OverrideMargin
	}
	return 0.15
}

// actionTypeOf pulls the action_type field out of a rule result, if any.
func actionTypeOf(result json.RawMessage) string {
	var probe struct {
		ActionType string `json:"action_type"`
	}
	if err := json.Unmarshal(result, &probe); err != nil {
		return ""
	}
	return probe.ActionType
}
