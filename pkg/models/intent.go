package models

// Intent is the bounded classification of a user utterance.
type Intent string

const (
	IntentCheck         Intent = "CHECK"
	IntentTrend         Intent = "TREND"
	IntentCompare       Intent = "COMPARE"
	IntentRank          Intent = "RANK"
	IntentFindCause     Intent = "FIND_CAUSE"
	IntentDetectAnomaly Intent = "DETECT_ANOMALY"
	IntentPredict       Intent = "PREDICT"
	IntentWhatIf        Intent = "WHAT_IF"
	IntentReport        Intent = "REPORT"
	IntentNotify        Intent = "NOTIFY"
	IntentContinue      Intent = "CONTINUE"
	IntentClarify       Intent = "CLARIFY"
	IntentStop          Intent = "STOP"
	IntentSystem        Intent = "SYSTEM"
)

// Valid reports whether the intent is part of the catalog.
func (i Intent) Valid() bool {
	switch i {
	case IntentCheck, IntentTrend, IntentCompare, IntentRank,
		IntentFindCause, IntentDetectAnomaly, IntentPredict, IntentWhatIf,
		IntentReport, IntentNotify, IntentContinue, IntentClarify,
		IntentStop, IntentSystem:
		return true
	}
	return false
}

// TargetAgent is the executor family a classified request is routed to.
type TargetAgent string

const (
	TargetJudgment TargetAgent = "judgment"
	TargetWorkflow TargetAgent = "workflow"
	TargetBI       TargetAgent = "bi"
	TargetLearning TargetAgent = "learning"
	TargetGeneral  TargetAgent = "general"
)

// ClassificationSource identifies which classifier stage produced a result.
type ClassificationSource string

const (
	SourceRule  ClassificationSource = "rule"
	SourceModel ClassificationSource = "model"
)

// Classification is the output of the intent classifier.
type Classification struct {
	Intent           Intent               `json:"intent"`
	TargetAgent      TargetAgent          `json:"target_agent"`
	Slots            map[string]any       `json:"slots,omitempty"`
	ProcessedRequest string               `json:"processed_request,omitempty"`
	Source           ClassificationSource `json:"source"`
	RulePattern      string               `json:"rule_pattern,omitempty"` // set when Source == rule
	Confidence       float64              `json:"confidence"`
}

// RoutingInfo annotates an orchestrator result with how it was routed.
type RoutingInfo struct {
	Intent           Intent               `json:"intent"`
	TargetAgent      TargetAgent          `json:"target_agent"`
	Source           ClassificationSource `json:"source"`
	Confidence       float64              `json:"confidence"`
	PermissionDenied bool                 `json:"permission_denied,omitempty"`
	RequiredRole     Role                 `json:"required_role,omitempty"`
	UserRole         Role                 `json:"user_role,omitempty"`
}

// ToolCall records one downstream executor invocation made for a request.
type ToolCall struct {
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     string         `json:"result,omitempty"`
	DurationMS float64        `json:"duration_ms"`
}

// AgentResult is the uniform envelope the orchestrator returns.
type AgentResult struct {
	Response    string      `json:"response"`
	AgentName   string      `json:"agent_name"`
	ToolCalls   []ToolCall  `json:"tool_calls"`
	Iterations  int         `json:"iterations"`
	RoutingInfo RoutingInfo `json:"routing_info"`
}
