package llm

import (
	"encoding/json"

	"github.com/BaSui01/contextgate/types"
)

// ToolSchema describes one tool/function definition passed to a provider.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// Options carries per-call knobs that are not part of the message list.
type Options struct {
	// DisableReasoning turns off extended thinking for the call. Recovery
	// retries set this: the injected synthetic history message lacks the
	// structural annotations some providers require for reasoning
	// continuity, and sending it with reasoning on fails provider-side
	// validation.
	DisableReasoning bool `json:"disable_reasoning,omitempty"`

	// SkipHistoricalContext suppresses historical extraction for the call.
	SkipHistoricalContext bool `json:"skip_historical_context,omitempty"`

	// AlreadyFiltered marks a message list that has been rewritten by the
	// proactive extraction path, so the dispatcher does not rewrite twice.
	AlreadyFiltered bool `json:"already_filtered,omitempty"`
}

// Request is the provider-neutral chat request body. Provider chat
// functions translate it into their native wire format.
type Request struct {
	Messages    []types.Message `json:"messages"`
	Model       string          `json:"model"`
	Stream      bool            `json:"stream"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float32         `json:"temperature,omitempty"`
	Tools       []ToolSchema    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
	Options     Options         `json:"options,omitempty"`
}

// Chunk is one normalized piece of provider output, produced by a
// ResponseTransformer from a provider-native event.
type Chunk struct {
	Content      string           `json:"content,omitempty"`
	ToolCalls    []types.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
}

// Result is the accumulated outcome of one chat call.
type Result struct {
	Content   string           `json:"content"`
	ToolCalls []types.ToolCall `json:"tool_calls,omitempty"`
	Usage     types.TokenUsage `json:"usage"`
}
