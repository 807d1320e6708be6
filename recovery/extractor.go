package recovery

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/contextgate/hcache"
	"github.com/BaSui01/contextgate/llm"
	"github.com/BaSui01/contextgate/types"
)

// LLMCall issues one non-streaming chat call. The orchestrator and the
// dispatcher supply it so the extractor stays free of transport concerns.
type LLMCall func(ctx context.Context, model types.ModelDescriptor, req *llm.Request) (*llm.Result, error)

// ExtractorConfig tunes the extraction heuristics.
type ExtractorConfig struct {
	// CharsPerToken approximates tokens from raw text length.
	CharsPerToken float64 `yaml:"chars_per_token" json:"chars_per_token"`
	// WindowUtilization is the share of the extraction model's window the
	// prompt may occupy; the rest is headroom for instructions and output.
	WindowUtilization float64 `yaml:"window_utilization" json:"window_utilization"`
	// OversizedShare classifies a message as oversized when its length
	// exceeds this share of the char budget.
	OversizedShare float64 `yaml:"oversized_share" json:"oversized_share"`
	// MaxOversized caps how many oversized messages get individual
	// extraction calls.
	MaxOversized int `yaml:"max_oversized" json:"max_oversized"`
	// TruncationFallbackChars is the tail length kept when extraction
	// itself fails and naive truncation is the only option left.
	TruncationFallbackChars int `yaml:"truncation_fallback_chars" json:"truncation_fallback_chars"`
}

// DefaultExtractorConfig returns the standard extraction constants.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		CharsPerToken:           4.0,
		WindowUtilization:       0.70,
		OversizedShare:          0.50,
		MaxOversized:            5,
		TruncationFallbackChars: 2000,
	}
}

// ExtractRequest carries one extraction job.
type ExtractRequest struct {
	Account    types.Account
	Historical []types.Message
	// CurrentQuestion is what the user is asking right now; extraction
	// keeps only history relevant to it.
	CurrentQuestion string
	// UserModel is the model the caller chose. Extraction prefers the
	// cheapest registered model and falls back to this one only for
	// messages too large for the cheap model's window.
	UserModel types.ModelDescriptor
	// HistoricalBudget caps the extraction output, in tokens.
	HistoricalBudget int
	// HistoricalEndIndex is the absolute index (in the original
	// conversation) of the last message in Historical; persisted to the
	// cutoff cache for proactive re-extraction.
	HistoricalEndIndex int
	// MessageCount is the conversation length at extraction time.
	MessageCount int
	// Skip short-circuits extraction entirely (options.skip_historical_context).
	Skip bool
	// SkipCache suppresses the cutoff-cache write.
	SkipCache bool
}

// ExtractResult is the extraction outcome.
type ExtractResult struct {
	ExtractedContext   string `json:"extracted_context"`
	HistoricalEndIndex int    `json:"historical_end_index"`
}

// Extractor produces compact, question-relevant summaries of historical
// messages using a cheap extraction model.
type Extractor struct {
	registry *types.ModelRegistry
	store    hcache.Store
	call     LLMCall
	config   ExtractorConfig
	logger   *zap.Logger
}

// NewExtractor creates an extractor. store may be nil when no cutoff cache
// is configured.
func NewExtractor(registry *types.ModelRegistry, store hcache.Store, call LLMCall, config ExtractorConfig, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CharsPerToken <= 0 {
		config = DefaultExtractorConfig()
	}
	return &Extractor{
		registry: registry,
		store:    store,
		call:     call,
		config:   config,
		logger:   logger.With(zap.String("component", "extractor")),
	}
}

// Extract runs the extraction pipeline of the package doc. It never returns
// an error for extraction-model failures — those degrade to naive
// truncation — only for context cancellation.
func (e *Extractor) Extract(ctx context.Context, req *ExtractRequest) (ExtractResult, error) {
	if len(req.Historical) == 0 || req.Skip {
		return ExtractResult{HistoricalEndIndex: req.HistoricalEndIndex}, nil
	}

	extractionModel := e.extractionModel(req.UserModel)
	charBudget := e.charBudget(extractionModel, req.HistoricalBudget)

	oversized, normal := e.classify(req.Historical, charBudget)

	oversizedText, err := e.extractOversized(ctx, oversized, req.CurrentQuestion, extractionModel, req.UserModel, charBudget)
	if err != nil {
		return ExtractResult{}, err
	}

	remaining := charBudget
	for _, t := range oversizedText {
		remaining -= len(t)
	}
	included := selectNormal(normal, remaining)

	prompt := buildExtractionPrompt(included, oversizedText, req.CurrentQuestion)

	extracted, callErr := e.callExtraction(ctx, extractionModel, prompt)
	if callErr != nil {
		if ctx.Err() != nil {
			return ExtractResult{}, ctx.Err()
		}
		e.logger.Warn("extraction call failed, falling back to truncation",
			zap.String("model", extractionModel.ID),
			zap.Error(callErr))
		extracted = truncateTail(assembleHistoricalText(req.Historical), e.config.TruncationFallbackChars)
	}

	result := ExtractResult{
		ExtractedContext:   extracted,
		HistoricalEndIndex: req.HistoricalEndIndex,
	}

	if !req.SkipCache && e.store != nil {
		key := hcache.Key{
			UserID:         req.Account.UserID,
			ConversationID: req.Account.ConversationID,
			ModelID:        req.UserModel.ID,
		}
		entry := hcache.Entry{
			HistoricalEndIndex: req.HistoricalEndIndex,
			MessageCount:       req.MessageCount,
		}
		if err := e.store.Set(ctx, key, entry); err != nil {
			// Cache failures never fail the request.
			e.logger.Warn("cutoff cache write failed", zap.Error(err))
		}
	}

	return result, nil
}

// extractionModel prefers the cheapest registered model over the user's
// chosen one, for cost control.
func (e *Extractor) extractionModel(userModel types.ModelDescriptor) types.ModelDescriptor {
	if e.registry != nil {
		if m, ok := e.registry.Cheapest(); ok {
			return m
		}
	}
	return userModel
}

// charBudget derives the extraction character budget from the extraction
// model's window, capped by the caller's historical token budget.
func (e *Extractor) charBudget(extractionModel types.ModelDescriptor, historicalBudget int) int {
	window := extractionModel.InputContextWindow
	if window <= 0 {
		window = types.FallbackContextWindow
	}
	budget := int(float64(window) * e.config.WindowUtilization * e.config.CharsPerToken)
	if historicalBudget > 0 {
		tokenCap := int(float64(historicalBudget) * e.config.CharsPerToken)
		if tokenCap < budget {
			budget = tokenCap
		}
	}
	return budget
}

// indexedMessage pairs a message with its position in the historical list.
type indexedMessage struct {
	index int
	msg   types.Message
}

// classify walks the historical messages newest-first and splits them into
// oversized and normal sets. At most MaxOversized oversized messages get
// individual treatment; any beyond the cap are dropped entirely — a sixth
// giant message is almost never worth another model call.
func (e *Extractor) classify(historical []types.Message, charBudget int) (oversized, normal []indexedMessage) {
	threshold := int(float64(charBudget) * e.config.OversizedShare)
	for i := len(historical) - 1; i >= 0; i-- {
		m := historical[i]
		if len(m.Content) > threshold {
			if len(oversized) < e.config.MaxOversized {
				oversized = append(oversized, indexedMessage{index: i, msg: m})
			} else {
				e.logger.Debug("dropping oversized message beyond cap",
					zap.Int("index", i), zap.Int("length", len(m.Content)))
			}
			continue
		}
		normal = append(normal, indexedMessage{index: i, msg: m})
	}
	return oversized, normal
}

// extractOversized runs one extraction call per oversized message, in
// parallel, and returns the results keyed back into newest-first order.
func (e *Extractor) extractOversized(ctx context.Context, oversized []indexedMessage, question string, extractionModel, userModel types.ModelDescriptor, charBudget int) ([]string, error) {
	if len(oversized) == 0 {
		return nil, nil
	}

	results := make([]string, len(oversized))
	g, gctx := errgroup.WithContext(ctx)
	for i, om := range oversized {
		g.Go(func() error {
			results[i] = e.extractOne(gctx, om.msg, question, extractionModel, userModel)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	out := results[:0]
	for _, r := range results {
		if r != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

// extractOne summarizes a single oversized message. Model choice: cheapest
// model if the message fits its window, else the user's model, else the
// message is truncated (keeping the tail, trailing content tends to be the
// most recent and relevant) to fit whichever window is larger.
func (e *Extractor) extractOne(ctx context.Context, msg types.Message, question string, extractionModel, userModel types.ModelDescriptor) string {
	content := msg.Content

	fits := func(m types.ModelDescriptor) bool {
		window := m.InputContextWindow
		if window <= 0 {
			window = types.FallbackContextWindow
		}
		budget := int(float64(window) * e.config.WindowUtilization * e.config.CharsPerToken)
		return len(content) <= budget
	}

	model := extractionModel
	switch {
	case fits(extractionModel):
	case fits(userModel):
		model = userModel
	default:
		if userModel.InputContextWindow > extractionModel.InputContextWindow {
			model = userModel
		}
		window := model.InputContextWindow
		if window <= 0 {
			window = types.FallbackContextWindow
		}
		content = truncateTail(content, int(float64(window)*e.config.WindowUtilization*e.config.CharsPerToken))
	}

	prompt := fmt.Sprintf(
		"The user's current question is:\n%s\n\nFrom the following %s message, extract only the information relevant to that question. Be concise. If nothing is relevant, say so in one line.\n\n%s",
		question, msg.Role, content)

	result, err := e.callExtraction(ctx, model, prompt)
	if err != nil {
		e.logger.Warn("oversized message extraction failed, truncating",
			zap.String("model", model.ID), zap.Error(err))
		return truncateTail(msg.Content, e.config.TruncationFallbackChars)
	}
	return result
}

func (e *Extractor) callExtraction(ctx context.Context, model types.ModelDescriptor, prompt string) (string, error) {
	req := &llm.Request{
		Model:  model.ID,
		Stream: false,
		Messages: []types.Message{
			types.NewSystemMessage(extractionSystemPrompt),
			types.NewUserMessage(prompt),
		},
		Options: llm.Options{SkipHistoricalContext: true},
	}
	result, err := e.call(ctx, model, req)
	if err != nil {
		return "", err
	}
	if result == nil || strings.TrimSpace(result.Content) == "" {
		return "", fmt.Errorf("extraction model %s returned empty content", model.ID)
	}
	return result.Content, nil
}

// extractionSystemPrompt instructs the extraction model. The "did we
// discuss X" clause makes the answer falsifiable: enumerating the topics
// actually covered lets the final model answer yes or no truthfully
// instead of producing a vague summary.
const extractionSystemPrompt = `You extract the parts of a conversation history that are relevant to the user's current question.

Rules:
- Keep concrete facts, decisions, names, numbers and code references; drop pleasantries and repetition.
- Preserve chronological order.
- If the current question asks whether something was discussed (for example "did we discuss X" or "did we talk about Y"), enumerate the topics that were actually covered, so the answer can be verified, instead of summarizing loosely.
- Output plain text only.`

// selectNormal greedily includes normal messages oldest-first until the
// character budget runs out. The excluded ones are dropped newest-first:
// messages closest to the intact window are the least information-dense —
// they were nearly preserved verbatim anyway.
func selectNormal(normal []indexedMessage, charBudget int) []indexedMessage {
	if charBudget <= 0 {
		return nil
	}
	// normal is newest-first; walk from the oldest end.
	var included []indexedMessage
	used := 0
	for i := len(normal) - 1; i >= 0; i-- {
		size := len(normal[i].msg.Content)
		if used+size > charBudget {
			break
		}
		used += size
		included = append(included, normal[i])
	}
	return included
}

// buildExtractionPrompt assembles the combined prompt from the included
// normal messages (chronological), the oversized extraction results
// (newest-first, as produced) and the current question.
func buildExtractionPrompt(included []indexedMessage, oversizedText []string, question string) string {
	var sb strings.Builder
	sb.WriteString("Conversation history:\n\n")
	for _, im := range included {
		sb.WriteString(string(im.msg.Role))
		sb.WriteString(": ")
		sb.WriteString(im.msg.Content)
		sb.WriteString("\n\n")
	}
	if len(oversizedText) > 0 {
		sb.WriteString("Summaries of long messages from the same history:\n\n")
		for _, t := range oversizedText {
			sb.WriteString(t)
			sb.WriteString("\n\n")
		}
	}
	sb.WriteString("The user's current question is:\n")
	sb.WriteString(question)
	return sb.String()
}

// assembleHistoricalText flattens historical messages for the naive
// truncation fallback.
func assembleHistoricalText(historical []types.Message) string {
	var sb strings.Builder
	for _, m := range historical {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// truncateTail keeps the last n bytes of s, cutting at a rune boundary.
func truncateTail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !isRuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

// truncateHead keeps the first n bytes of s, cutting at a rune boundary.
func truncateHead(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
