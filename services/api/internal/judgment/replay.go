package judgment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fabrikhq/decision-core/pkg/cache"
	"github.com/fabrikhq/decision-core/pkg/models"
)

// ReplayOptions selects which script version a replay runs against. The
// zero value replays against the version the original ran on.
type ReplayOptions struct {
	UseCurrentRuleset bool `json:"use_current_ruleset,omitempty"`
	RulesetVersion    *int `json:"ruleset_version,omitempty"`
}

// ReplaySide is one side of a replay comparison.
type ReplaySide struct {
	Result         json.RawMessage `json:"result"`
	Confidence     float64         `json:"confidence"`
	RulesetVersion int             `json:"ruleset_version"`
}

// Comparison summarizes how a replay differed from the original.
type Comparison struct {
	ResultChanged    bool    `json:"result_changed"`
	ConfidenceChange float64 `json:"confidence_change"`
}

// ReplayResult is the full outcome of one replay.
type ReplayResult struct {
	ExecutionID uuid.UUID  `json:"execution_id"`
	Original    ReplaySide `json:"original"`
	Replay      ReplaySide `json:"replay"`
	Comparison  Comparison `json:"comparison"`
}

// Replay re-runs a past judgment's input, side-effect free: nothing is
// persisted, cached or counted.
func (e *Engine) Replay(ctx context.Context, tenantID string, executionID uuid.UUID, opts ReplayOptions) (*ReplayResult, error) {
	original, err := e.store.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}

	version, err := e.replayVersion(ctx, tenantID, original, opts)
	if err != nil {
		return nil, err
	}

	script, err := e.store.GetVersionScript(ctx, original.RulesetID, version)
	if err != nil {
		return nil, err
	}
	out, err := e.evaluator.Evaluate(ctx, script, original.InputData)
	if err != nil {
		return nil, fmt.Errorf("replay evaluation failed: %w", err)
	}

	return &ReplayResult{
		ExecutionID: executionID,
		Original: ReplaySide{
			Result:         original.Result,
			Confidence:     original.Confidence,
			RulesetVersion: original.RulesetVersion,
		},
		Replay: ReplaySide{
			Result:         out.Result,
			Confidence:     out.Confidence,
			RulesetVersion: version,
		},
		Comparison: compare(original.Result, original.Confidence, out.Result, out.Confidence),
	}, nil
}

func (e *Engine) replayVersion(ctx context.Context, tenantID string, original *models.JudgmentExecution, opts ReplayOptions) (int, error) {
	if opts.RulesetVersion != nil {
		return *opts.RulesetVersion, nil
	}
	if opts.UseCurrentRuleset {
		ruleset, err := e.store.GetRuleset(ctx, tenantID, original.RulesetID)
		if err != nil {
			return 0, err
		}
		return ruleset.ActiveVersion, nil
	}
	return original.RulesetVersion, nil
}

// BatchItem is one entry of a batch replay. Err is a message rather than
// an error value so the whole batch serializes cleanly.
type BatchItem struct {
	ExecutionID uuid.UUID     `json:"execution_id"`
	Result      *ReplayResult `json:"result,omitempty"`
	Err         string        `json:"error,omitempty"`
}

// ReplayBatch replays several executions, continuing past individual
// failures.
func (e *Engine) ReplayBatch(ctx context.Context, tenantID string, executionIDs []uuid.UUID, opts ReplayOptions) ([]BatchItem, error) {
	items := make([]BatchItem, 0, len(executionIDs))
	for _, id := range executionIDs {
		if ctx.Err() != nil {
			return items, ctx.Err()
		}
		item := BatchItem{ExecutionID: id}
		result, err := e.Replay(ctx, tenantID, id, opts)
		if err != nil {
			item.Err = err.Error()
		} else {
			item.Result = result
		}
		items = append(items, item)
	}
	return items, nil
}

// Impact describes what an input modification would change.
type Impact struct {
	ResultChanged    bool    `json:"result_changed"`
	ConfidenceChange float64 `json:"confidence_change"`
}

// WhatIfResult is the outcome of a what-if probe.
type WhatIfResult struct {
	ExecutionID   uuid.UUID       `json:"execution_id"`
	ModifiedInput json.RawMessage `json:"modified_input"`
	Result        json.RawMessage `json:"result"`
	Confidence    float64         `json:"confidence"`
	Impact        Impact          `json:"impact"`
}

// WhatIf overlays modifications onto a past judgment's input and evaluates
// the same script version against the modified input. Side-effect free.
func (e *Engine) WhatIf(ctx context.Context, tenantID string, executionID uuid.UUID, modifications map[string]any) (*WhatIfResult, error) {
	original, err := e.store.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}

	modified, err := overlay(original.InputData, modifications)
	if err != nil {
		return nil, err
	}

	script, err := e.store.GetVersionScript(ctx, original.RulesetID, original.RulesetVersion)
	if err != nil {
		return nil, err
	}
	out, err := e.evaluator.Evaluate(ctx, script, modified)
	if err != nil {
		return nil, fmt.Errorf("what-if evaluation failed: %w", err)
	}

	cmp := compare(original.Result, original.Confidence, out.Result, out.Confidence)
	return &WhatIfResult{
		ExecutionID:   executionID,
		ModifiedInput: modified,
		Result:        out.Result,
		Confidence:    out.Confidence,
		Impact:        Impact(cmp),
	}, nil
}

// Reexecute re-runs a compensated judgment against the ruleset's restored
// active version and appends a fresh execution row linked to the original.
// Used by deployment reprocessing after a rollback.
func (e *Engine) Reexecute(ctx context.Context, tenantID string, executionID uuid.UUID) error {
	original, err := e.store.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return err
	}
	ruleset, err := e.store.GetRuleset(ctx, tenantID, original.RulesetID)
	if err != nil {
		return err
	}

	script, err := e.store.GetVersionScript(ctx, original.RulesetID, ruleset.ActiveVersion)
	if err != nil {
		return err
	}
	out, err := e.evaluator.Evaluate(ctx, script, original.InputData)
	if err != nil {
		return fmt.Errorf("reprocess evaluation failed: %w", err)
	}

	risk, decision := e.classify(ctx, tenantID, ruleset, out.Result)

	execution := &models.JudgmentExecution{
		ID:               uuid.New(),
		TenantID:         tenantID,
		RulesetID:        original.RulesetID,
		RulesetVersion:   ruleset.ActiveVersion,
		InputData:        original.InputData,
		Result:           out.Result,
		Confidence:       out.Confidence,
		MethodUsed:       models.PolicyRuleOnly,
		TrustLevelAtTime: ruleset.TrustLevel,
		RiskLevel:        risk,
		Decision:         decision,
		Success:          true,
		LatencyMS:        float64(out.Duration.Microseconds()) / 1000,
		CreatedAt:        time.Now().UTC(),
		Metadata:         metadataJSON(models.ExecutionMetadata{ReplayOf: executionID.String()}),
	}
	if err := e.store.InsertExecution(ctx, execution); err != nil {
		return fmt.Errorf("failed to persist reprocessed judgment: %w", err)
	}
	return nil
}

func compare(origResult json.RawMessage, origConf float64, newResult json.RawMessage, newConf float64) Comparison {
	return Comparison{
		ResultChanged:    !jsonEqual(origResult, newResult),
		ConfidenceChange: newConf - origConf,
	}
}

// jsonEqual compares two JSON documents on their canonical forms so key
// order and whitespace do not count as changes.
func jsonEqual(a, b json.RawMessage) bool {
	ca, errA := cache.CanonicalJSON(a)
	cb, errB := cache.CanonicalJSON(b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca, cb)
}

func overlay(input json.RawMessage, modifications map[string]any) (json.RawMessage, error) {
	var base map[string]any
	if err := json.Unmarshal(input, &base); err != nil {
		return nil, fmt.Errorf("original input is not an object: %w", err)
	}
	for k, v := range modifications {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to encode modified input: %w", err)
	}
	return merged, nil
}
