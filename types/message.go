package types

import (
	"encoding/json"
	"strings"
)

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall represents a tool invocation request from the LLM.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ImageSource kinds.
const (
	ImageSourceURL    = "url"
	ImageSourceBase64 = "base64"
)

// ImageSource represents image data attached to a message.
type ImageSource struct {
	Type string `json:"type"` // ImageSourceURL or ImageSourceBase64
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"` // base64 encoded
}

// Message represents a single conversation turn. The ordered sequence of
// messages forms a conversation; order is chronological and significant.
// Messages are treated as immutable once appended.
type Message struct {
	Role      Role          `json:"role"`
	Content   string        `json:"content,omitempty"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
	Images    []ImageSource `json:"images,omitempty"`
}

// NewMessage creates a new message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return NewMessage(RoleSystem, content)
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return NewMessage(RoleAssistant, content)
}

// HistoricalSummaryHeader marks a synthetic message that carries a compressed
// summary of earlier conversation turns. Whatever role the summary is emitted
// under, the header is what identifies it downstream.
const HistoricalSummaryHeader = "[Summary of earlier conversation, compressed to fit the context window]"

// LeadingSystemCount returns the number of consecutive system messages at
// the front of msgs. Provider payload builders and the recovery reassembly
// both need to know where the system preamble ends.
func LeadingSystemCount(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role != RoleSystem {
			break
		}
		n++
	}
	return n
}

// IsHistoricalSummary reports whether m is a synthetic summary of earlier
// conversation turns, regardless of the role it was emitted under.
func IsHistoricalSummary(m Message) bool {
	return strings.HasPrefix(m.Content, HistoricalSummaryHeader)
}

// ConversationPreambleCount returns the number of leading messages that are
// conversation preamble rather than real turns: the system messages plus a
// synthetic summary immediately following them, if present. Splitting must
// keep the preamble intact so a summarized conversation survives a re-split.
func ConversationPreambleCount(msgs []Message) int {
	n := LeadingSystemCount(msgs)
	if n < len(msgs) && IsHistoricalSummary(msgs[n]) {
		n++
	}
	return n
}
