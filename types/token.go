package types

// TokenUsage represents token consumption statistics for one request.
// Cached and reasoning tokens are broken out separately because providers
// bill them at different rates.
type TokenUsage struct {
	PromptTokens      int `json:"prompt_tokens,omitempty"`
	CompletionTokens  int `json:"completion_tokens,omitempty"`
	CachedTokens      int `json:"cached_tokens,omitempty"`
	WriteCachedTokens int `json:"write_cached_tokens,omitempty"`
	ReasoningTokens   int `json:"reasoning_tokens,omitempty"`
	TotalTokens       int `json:"total_tokens,omitempty"`
}

// Add adds another TokenUsage to this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.CachedTokens += other.CachedTokens
	u.WriteCachedTokens += other.WriteCachedTokens
	u.ReasoningTokens += other.ReasoningTokens
	u.TotalTokens += other.TotalTokens
}

// IsZero reports whether no usage has been observed.
func (u TokenUsage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 &&
		u.CachedTokens == 0 && u.WriteCachedTokens == 0 &&
		u.ReasoningTokens == 0 && u.TotalTokens == 0
}
