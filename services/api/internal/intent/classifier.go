// Package intent classifies operator utterances into a bounded intent set
// and routes them to an executor family. A rule stage of compiled keyword
// patterns answers the common phrasings without a model call; everything
// else goes through one model completion.
package intent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
	"github.com/fabrikhq/decision-core/services/api/internal/llm"
	"github.com/fabrikhq/decision-core/services/api/internal/llmjson"
)

// keywordCacheTTL bounds how stale a tenant's compiled keyword pack can be.
const keywordCacheTTL = 5 * time.Minute

// Classifier is the two-stage intent classifier.
type Classifier struct {
	model    llm.Client
	keywords KeywordSource
	log      *logger.Logger

	mu       sync.RWMutex
	compiled map[string]cachedPack
}

type cachedPack struct {
	entries  []patternEntry
	loadedAt time.Time
}

// NewClassifier builds a classifier. model may be nil (rule stage only);
// keywords may be nil (no tenant packs).
func NewClassifier(model llm.Client, keywords KeywordSource, log *logger.Logger) *Classifier {
	return &Classifier{
		model:    model,
		keywords: keywords,
		log:      log.WithComponent("intent"),
		compiled: make(map[string]cachedPack),
	}
}

// Classify returns a classification for the utterance. It never fails: a
// model error or unparseable response degrades to target_agent=general so
// the orchestrator can still answer free-form.
func (c *Classifier) Classify(ctx context.Context, tenantID, utterance string, scope *models.DataScope) *models.Classification {
	trimmed := strings.TrimSpace(utterance)
	if trimmed == "" {
		return &models.Classification{
			Intent:      models.IntentClarify,
			TargetAgent: models.TargetGeneral,
			Source:      models.SourceRule,
			Confidence:  1,
		}
	}

	if hit := c.ruleStage(ctx, tenantID, trimmed, scope); hit != nil {
		return hit
	}
	return c.modelStage(ctx, trimmed)
}

// ruleStage scans tenant keywords first, then the built-in table. First
// match at or above the floor wins, so classification is deterministic for
// any utterance the patterns cover.
func (c *Classifier) ruleStage(ctx context.Context, tenantID, utterance string, scope *models.DataScope) *models.Classification {
	for _, entry := range c.tenantEntries(ctx, tenantID, scope) {
		if entry.re.MatchString(utterance) {
			return ruleHit(entry, utterance)
		}
	}
	for _, entry := range defaultPatterns {
		if entry.confidence >= ruleConfidenceFloor && entry.re.MatchString(utterance) {
			return ruleHit(entry, utterance)
		}
	}
	return nil
}

func ruleHit(entry patternEntry, utterance string) *models.Classification {
	return &models.Classification{
		Intent:           entry.intent,
		TargetAgent:      entry.target,
		ProcessedRequest: utterance,
		Source:           models.SourceRule,
		RulePattern:      entry.pattern,
		Confidence:       entry.confidence,
	}
}

func (c *Classifier) tenantEntries(ctx context.Context, tenantID string, scope *models.DataScope) []patternEntry {
	if c.keywords == nil || tenantID == "" {
		return nil
	}

	c.mu.RLock()
	pack, ok := c.compiled[tenantID]
	c.mu.RUnlock()
	if ok && time.Since(pack.loadedAt) < keywordCacheTTL {
		return pack.entries
	}

	keywords, err := c.keywords.LoadKeywords(ctx, tenantID, scope)
	if err != nil {
		c.log.Warn("failed to load tenant keywords", "error", err, "tenant_id", tenantID)
		// A stale pack beats none.
		return pack.entries
	}
	entries := compileKeywords(keywords)

	c.mu.Lock()
	c.compiled[tenantID] = cachedPack{entries: entries, loadedAt: time.Now()}
	c.mu.Unlock()
	return entries
}

// modelClassification is the shape the catalog prompt asks for.
type modelClassification struct {
	Intent           string         `json:"intent"`
	TargetAgent      string         `json:"target_agent"`
	Slots            map[string]any `json:"slots"`
	ProcessedRequest string         `json:"processed_request"`
	Confidence       float64        `json:"confidence"`
}

const catalogPrompt = `You classify manufacturing-operations requests.

Intents: CHECK (current value/status), TREND (change over time), COMPARE,
RANK, FIND_CAUSE (root cause), DETECT_ANOMALY, PREDICT, WHAT_IF, REPORT,
NOTIFY (set up an alert), CONTINUE, CLARIFY, STOP, SYSTEM.
Target agents: judgment (rule-based decision), workflow (multi-step action),
bi (warehouse analytics), learning (prediction/simulation), general.

Respond with only a JSON object:
{"intent": "...", "target_agent": "...", "slots": {...},
 "processed_request": "...", "confidence": 0.0}`

// modelStage asks the model once. The model's declared intent is accepted
// unconditionally; only an invalid target agent is corrected.
func (c *Classifier) modelStage(ctx context.Context, utterance string) *models.Classification {
	fallback := &models.Classification{
		Intent:           models.IntentClarify,
		TargetAgent:      models.TargetGeneral,
		ProcessedRequest: utterance,
		Source:           models.SourceModel,
	}
	if c.model == nil {
		return fallback
	}

	resp, err := c.model.Complete(ctx, &llm.CompletionRequest{
		SystemPrompt: catalogPrompt,
		Messages:     []llm.Message{{Role: "user", Content: utterance}},
		MaxTokens:    512,
	})
	if err != nil {
		c.log.Warn("intent model call failed", "error", err)
		return fallback
	}

	parsed, err := llmjson.ExtractJSON[modelClassification](resp.Content)
	if err != nil {
		c.log.Warn("intent model response unparseable", "error", err)
		return fallback
	}

	mc := parsed.Value
	result := &models.Classification{
		Intent:           models.Intent(strings.ToUpper(mc.Intent)),
		TargetAgent:      models.TargetAgent(strings.ToLower(mc.TargetAgent)),
		Slots:            mc.Slots,
		ProcessedRequest: mc.ProcessedRequest,
		Source:           models.SourceModel,
		Confidence:       mc.Confidence,
	}
	if result.ProcessedRequest == "" {
		result.ProcessedRequest = utterance
	}
	switch result.TargetAgent {
	case models.TargetJudgment, models.TargetWorkflow, models.TargetBI,
		models.TargetLearning, models.TargetGeneral:
	default:
		result.TargetAgent = defaultTarget(result.Intent)
	}
	return result
}

// Describe summarizes a classification for logs.
func Describe(c *models.Classification) string {
	return fmt.Sprintf("%s→%s (%s, %.2f)", c.Intent, c.TargetAgent, c.Source, c.Confidence)
}
