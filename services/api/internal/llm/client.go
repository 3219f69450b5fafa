// Package llm wraps the model gateway behind a provider-switch client.
// The intent classifier uses it for its model stage and the judgment
// engine for hybrid merges.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/logger"
)

// Client is the minimal completion surface the decision core needs.
type Client interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	Provider() string
	Model() string
}

// CompletionRequest is a provider-neutral completion request.
type CompletionRequest struct {
	SystemPrompt  string    `json:"system_prompt,omitempty"`
	Messages      []Message `json:"messages"`
	MaxTokens     int       `json:"max_tokens,omitempty"`
	Temperature   float64   `json:"temperature,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// CompletionResponse carries the model text plus usage accounting.
type CompletionResponse struct {
	Content    string        `json:"content"`
	StopReason string        `json:"stop_reason,omitempty"`
	Usage      Usage         `json:"usage"`
	Latency    time.Duration `json:"latency"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// NewClient builds a client for the configured provider.
func NewClient(cfg config.LLMConfig, log *logger.Logger) (Client, error) {
	switch cfg.Provider {
	case "anthropic":
		return newAnthropicClient(cfg, log)
	case "openai":
		return newOpenAIClient(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s (supported: anthropic, openai)", cfg.Provider)
	}
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}
