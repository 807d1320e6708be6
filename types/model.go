package types

import (
	"fmt"
	"strings"
	"sync"
)

// Provider identifies an LLM provider family. The set is closed; model
// registration normalizes free-form provider strings into one of these
// values exactly once, so no case-insensitive matching happens at dispatch
// time.
type Provider string

const (
	ProviderOpenAI  Provider = "openai"
	ProviderAzure   Provider = "azure"
	ProviderGemini  Provider = "gemini"
	ProviderBedrock Provider = "bedrock"
)

// NormalizeProvider maps a free-form provider string to a canonical
// Provider value. Unknown strings return an error rather than a guess.
func NormalizeProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai", "open-ai":
		return ProviderOpenAI, nil
	case "azure", "azure-openai", "azureopenai":
		return ProviderAzure, nil
	case "gemini", "google", "google-gemini", "vertex":
		return ProviderGemini, nil
	case "bedrock", "aws", "aws-bedrock", "anthropic":
		return ProviderBedrock, nil
	default:
		return "", fmt.Errorf("unknown provider: %q", s)
	}
}

// ModelDescriptor is read-only reference data describing one model. It is
// supplied by the registry at registration time and never mutated by the
// gateway.
type ModelDescriptor struct {
	ID                    string   `json:"id"`
	Provider              Provider `json:"provider"`
	InputContextWindow    int      `json:"input_context_window"`
	OutputTokenLimit      int      `json:"output_token_limit"`
	SupportsReasoning     bool     `json:"supports_reasoning"`
	SupportsSystemPrompts bool     `json:"supports_system_prompts"`
	// CostTier orders models by price; lower is cheaper. The historical
	// extractor picks the cheapest registered model for summarization.
	CostTier int `json:"cost_tier,omitempty"`
}

// ModelRegistry holds registered model descriptors keyed by model ID.
// Registration normalizes the provider name once (see NormalizeProvider);
// lookups after that are exact.
type ModelRegistry struct {
	mu     sync.RWMutex
	models map[string]ModelDescriptor
}

// NewModelRegistry creates an empty model registry.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{models: make(map[string]ModelDescriptor)}
}

// Register adds a model descriptor. The provider field may be a free-form
// string alias; it is normalized here. Zero context window or output limit
// fall back to the static defaults table.
func (r *ModelRegistry) Register(m ModelDescriptor, provider string) error {
	p, err := NormalizeProvider(provider)
	if err != nil {
		return err
	}
	m.Provider = p
	if m.InputContextWindow <= 0 {
		m.InputContextWindow = DefaultContextWindow(m.ID, p)
	}
	if m.OutputTokenLimit <= 0 {
		m.OutputTokenLimit = DefaultOutputTokenLimit
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.ID] = m
	return nil
}

// Get returns the descriptor for a model ID.
func (r *ModelRegistry) Get(id string) (ModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	if !ok {
		return ModelDescriptor{}, NewError(ErrModelNotFound, fmt.Sprintf("model not registered: %s", id))
	}
	return m, nil
}

// Cheapest returns the registered model with the lowest cost tier,
// preferring smaller context windows as a tie-break (smaller models are
// almost always the faster summarizers).
func (r *ModelRegistry) Cheapest() (ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best ModelDescriptor
	found := false
	for _, m := range r.models {
		if !found ||
			m.CostTier < best.CostTier ||
			(m.CostTier == best.CostTier && m.InputContextWindow < best.InputContextWindow) {
			best = m
			found = true
		}
	}
	return best, found
}

// Default limits used when a model registers without explicit values.
const (
	FallbackContextWindow   = 128000
	DefaultOutputTokenLimit = 4096
)

// DefaultContextWindow returns the static context-window size for a model,
// using exact matches, then prefix matches, then provider defaults.
func DefaultContextWindow(model string, provider Provider) int {
	model = strings.ToLower(model)

	switch model {
	case "gpt-4o", "gpt-4o-mini", "o1", "o3-mini":
		return 128000
	case "gemini-2.5-flash", "gemini-2.5-pro", "gemini-1.5-flash", "gemini-1.5-pro":
		return 1048576
	case "claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022", "claude-3-opus-20240229":
		return 200000
	}

	switch {
	case strings.HasPrefix(model, "gemini-"):
		return 1048576
	case strings.HasPrefix(model, "claude-"), strings.HasPrefix(model, "anthropic."):
		return 200000
	case strings.HasPrefix(model, "gpt-"):
		return 128000
	}

	switch provider {
	case ProviderGemini:
		return 1048576
	case ProviderBedrock:
		return 200000
	case ProviderOpenAI, ProviderAzure:
		return 128000
	}
	return FallbackContextWindow
}
