package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/contextgate/hcache"
	"github.com/BaSui01/contextgate/internal/metrics"
	"github.com/BaSui01/contextgate/llm"
	"github.com/BaSui01/contextgate/llm/tokenizer"
	"github.com/BaSui01/contextgate/overflow"
	"github.com/BaSui01/contextgate/recovery"
	"github.com/BaSui01/contextgate/types"
)

// Settings are the dispatcher tuning knobs.
type Settings struct {
	// ProactiveThreshold is the minimum conversation length before the
	// cutoff cache is consulted.
	ProactiveThreshold int
	// ExtractionsPerMinute rate-limits proactive extraction; zero disables
	// the limiter.
	ExtractionsPerMinute float64
	// ExtractionBurst is the limiter burst size.
	ExtractionBurst int
	// ArtifactsPrompt, when set, is injected as a system message after any
	// existing leading system messages.
	ArtifactsPrompt string
}

// DefaultSettings returns the standard dispatcher knobs.
func DefaultSettings() Settings {
	return Settings{
		ProactiveThreshold:   20,
		ExtractionsPerMinute: 30,
		ExtractionBurst:      5,
	}
}

// Deps are the dispatcher's collaborators. Providers and Models are
// required; nil optional collaborators degrade to no-ops.
type Deps struct {
	Providers    *llm.Registry
	Models       *types.ModelRegistry
	Cache        hcache.Store
	Extractor    *recovery.Extractor
	Orchestrator *recovery.Orchestrator
	Recorder     UsageRecorder
	Analysis     *AnalysisQueue
	Metrics      *metrics.Collector
	// Endpoints resolves per-call credentials for providers whose
	// capability sets NeedsEndpoint.
	Endpoints  map[types.Provider]llm.EndpointProvider
	BudgetOpts overflow.BudgetOptions
	Settings   Settings
}

// CallParams carries one chat request through the dispatcher.
type CallParams struct {
	Account  types.Account
	Model    string
	Messages []types.Message
	// Sink receives the event stream for streaming calls. Nil buffers the
	// call and returns only the accumulated result.
	Sink        io.Writer
	Stream      bool
	MaxTokens   int
	Temperature float32
	Tools       []llm.ToolSchema
	ToolChoice  string
	Options     llm.Options
}

// Dispatcher routes chat requests to provider chat functions with proactive
// overflow avoidance in front and reactive recovery behind.
type Dispatcher struct {
	providers    *llm.Registry
	models       *types.ModelRegistry
	cache        hcache.Store
	extractor    *recovery.Extractor
	orchestrator *recovery.Orchestrator
	recorder     UsageRecorder
	analysis     *AnalysisQueue
	metrics      *metrics.Collector
	endpoints    map[types.Provider]llm.EndpointProvider
	budgetOpts   overflow.BudgetOptions
	settings     Settings
	limiter      *rate.Limiter
	states       *StateStore
	tracer       trace.Tracer
	logger       *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(deps Deps, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Recorder == nil {
		deps.Recorder = NopUsageRecorder{}
	}
	if deps.Settings.ProactiveThreshold <= 0 {
		deps.Settings = DefaultSettings()
	}
	if deps.BudgetOpts.SafetyMarginRatio <= 0 {
		deps.BudgetOpts = overflow.DefaultBudgetOptions()
	}
	var limiter *rate.Limiter
	if deps.Settings.ExtractionsPerMinute > 0 {
		burst := deps.Settings.ExtractionBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(deps.Settings.ExtractionsPerMinute/60.0), burst)
	}
	return &Dispatcher{
		providers:    deps.Providers,
		models:       deps.Models,
		cache:        deps.Cache,
		extractor:    deps.Extractor,
		orchestrator: deps.Orchestrator,
		recorder:     deps.Recorder,
		analysis:     deps.Analysis,
		metrics:      deps.Metrics,
		endpoints:    deps.Endpoints,
		budgetOpts:   deps.BudgetOpts,
		settings:     deps.Settings,
		limiter:      limiter,
		states:       NewStateStore(),
		tracer:       otel.Tracer("contextgate/dispatch"),
		logger:       logger.With(zap.String("component", "dispatch")),
	}
}

// IsCancelled reports whether an in-flight request has been cancelled.
func (d *Dispatcher) IsCancelled(requestID string) bool {
	return d.states.IsCancelled(requestID)
}

// Cancel marks an in-flight request cancelled. The call aborts on its next
// sink write and surfaces a terminal error through its own flow; other
// requests are untouched.
func (d *Dispatcher) Cancel(requestID string) bool {
	return d.states.Cancel(requestID)
}

// Close stops background workers.
func (d *Dispatcher) Close() {
	d.analysis.Close()
}

// Call dispatches one chat request and returns the accumulated result. For
// streaming calls transformed deltas are forwarded to p.Sink as they
// arrive; the returned result carries the full accumulated content either
// way. On any failure a terminal error event is written to the sink before
// returning.
func (d *Dispatcher) Call(ctx context.Context, p *CallParams) (*llm.Result, error) {
	requestID := uuid.NewString()
	ctx, span := d.tracer.Start(ctx, "dispatch.Call",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.String("model", p.Model),
		))
	defer span.End()

	state := d.states.Begin(requestID, p.Account, p.Model)
	defer d.states.End(requestID)

	start := time.Now()
	result, err := d.call(ctx, state, p)
	status := "ok"
	if err != nil {
		status = "error"
		d.terminal(p.Sink, err)
	}

	model, merr := d.models.Get(p.Model)
	provider := "unknown"
	if merr == nil {
		provider = string(model.Provider)
	}
	if d.metrics != nil {
		d.metrics.RecordDispatch(provider, p.Model, status, time.Since(start))
	}
	return result, err
}

func (d *Dispatcher) call(ctx context.Context, state *RequestState, p *CallParams) (*llm.Result, error) {
	// Fail fast before any network call.
	model, err := d.models.Get(p.Model)
	if err != nil {
		return nil, err
	}
	capability, err := d.providers.Resolve(model.Provider)
	if err != nil {
		return nil, err
	}
	var ep llm.EndpointProvider
	if capability.NeedsEndpoint {
		ep = d.endpoints[model.Provider]
		if ep == nil {
			return nil, types.NewError(types.ErrProviderUnavailable,
				fmt.Sprintf("provider %q requires an endpoint provider, none configured", model.Provider)).
				WithProvider(string(model.Provider))
		}
	}

	// Recovery always starts from the original, pre-extraction list.
	original := p.Messages
	messages := original
	opts := p.Options

	if rewritten, ok := d.proactive(ctx, p, model, messages); ok {
		messages = rewritten
		opts.AlreadyFiltered = true
	}
	messages = d.injectArtifacts(messages)

	result, callErr := d.execute(ctx, state, capability, ep, model, messages, p, opts)
	if callErr == nil {
		d.finishSuccess(ctx, state, p, model, messages, result)
		d.primeCutoff(ctx, p, model, messages, result.Usage)
		return result, nil
	}

	if d.orchestrator == nil {
		return nil, callErr
	}
	outcome, recErr := d.orchestrator.HandleOverflow(ctx, &recovery.Params{
		Err:       callErr,
		Account:   p.Account,
		RequestID: state.ID,
		Messages:  original,
		Model:     model,
		MaxTokens: p.MaxTokens,
		Options:   p.Options,
		Notifier:  newStatusNotifier(p.Sink),
		Retry: func(ctx context.Context, msgs []types.Message, retryOpts llm.Options) (*llm.Result, error) {
			return d.execute(ctx, state, capability, ep, model, d.injectArtifacts(msgs), p, retryOpts)
		},
	})
	if outcome == nil {
		// Not an overflow. recErr is the original provider error.
		return nil, recErr
	}

	if d.metrics != nil {
		d.metrics.RecordOverflowDetected(outcome.Info.Provider)
		d.metrics.RecordRecoveryOutcome(string(outcome.Strategy), outcome.Success)
	}
	if !outcome.Success {
		return nil, recErr
	}

	d.finishSuccess(ctx, state, p, model, original, outcome.Result)
	return outcome.Result, nil
}

// execute runs one provider call through the stream interceptor.
func (d *Dispatcher) execute(ctx context.Context, state *RequestState, capability llm.Capability, ep llm.EndpointProvider,
	model types.ModelDescriptor, messages []types.Message, p *CallParams, opts llm.Options) (*llm.Result, error) {

	req := &llm.Request{
		Messages:    messages,
		Model:       model.ID,
		Stream:      p.Stream || p.Sink != nil,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		Tools:       p.Tools,
		ToolChoice:  p.ToolChoice,
		Options:     opts,
	}

	ic := newInterceptor(state, capability, p.Sink, d.logger)
	if err := capability.Chat(ctx, ep, req, ic); err != nil {
		return nil, err
	}
	if err := ic.finish(); err != nil {
		return nil, err
	}
	return ic.result(), nil
}

// proactive rewrites the message list from a cached cutoff hint when the
// conversation is long enough. All failures fall back silently to the
// reactive path.
func (d *Dispatcher) proactive(ctx context.Context, p *CallParams, model types.ModelDescriptor, messages []types.Message) ([]types.Message, bool) {
	if d.cache == nil || d.extractor == nil {
		return nil, false
	}
	if p.Options.AlreadyFiltered || p.Options.SkipHistoricalContext {
		return nil, false
	}
	if len(messages) < d.settings.ProactiveThreshold {
		return nil, false
	}

	key := hcache.Key{
		UserID:         p.Account.UserID,
		ConversationID: p.Account.ConversationID,
		ModelID:        model.ID,
	}
	entry, ok, err := d.cache.Get(ctx, key)
	if err != nil || !ok || !entry.ValidFor(len(messages)) {
		if d.metrics != nil {
			d.metrics.RecordCacheMiss("cutoff")
		}
		return nil, false
	}
	if d.metrics != nil {
		d.metrics.RecordCacheHit("cutoff")
	}
	if d.limiter != nil && !d.limiter.Allow() {
		d.logger.Debug("proactive extraction rate limited",
			zap.String("conversation_id", p.Account.ConversationID))
		return nil, false
	}

	preamble := types.ConversationPreambleCount(messages)
	end := entry.HistoricalEndIndex
	if end < preamble || end >= len(messages)-1 {
		return nil, false
	}
	historical := messages[preamble : end+1]
	intact := make([]types.Message, 0, preamble+len(messages)-end-1)
	intact = append(intact, messages[:preamble]...)
	intact = append(intact, messages[end+1:]...)

	question := ""
	for i := len(intact) - 1; i >= 0; i-- {
		if intact[i].Role != types.RoleSystem {
			question = intact[i].Content
			break
		}
	}

	notifier := newStatusNotifier(p.Sink)
	notifier.Notify("analyzing context")
	defer notifier.Clear()

	// Extraction is always fresh against the current question; the cache
	// contributes only the cutoff point.
	budgets := overflow.CalculateBudgetsWithOptions(model, p.MaxTokens, nil, d.budgetOpts)
	extractStart := time.Now()
	res, err := d.extractor.Extract(ctx, &recovery.ExtractRequest{
		Account:            p.Account,
		Historical:         historical,
		CurrentQuestion:    question,
		UserModel:          model,
		HistoricalBudget:   budgets.HistoricalBudget,
		HistoricalEndIndex: end,
		MessageCount:       len(messages),
	})
	if err != nil {
		d.logger.Warn("proactive extraction failed, falling back to reactive path",
			zap.Error(err))
		return nil, false
	}
	if d.metrics != nil {
		d.metrics.RecordExtraction("proactive", time.Since(extractStart))
	}
	if res.ExtractedContext == "" {
		return nil, false
	}

	return recovery.BuildMessagesWithHistoricalContext(intact, res.ExtractedContext, question), true
}

// primeCutoff checks the reported prompt size against the model's context
// window after a successful call. Providers that truncate silently instead
// of erroring still report the oversized prompt in usage; when that
// happens the conversation is split and the cutoff cached, so the next
// turn takes the proactive path instead of losing context again.
func (d *Dispatcher) primeCutoff(ctx context.Context, p *CallParams, model types.ModelDescriptor,
	messages []types.Message, usage types.TokenUsage) {

	if d.cache == nil {
		return
	}
	if p.Options.AlreadyFiltered || p.Options.SkipHistoricalContext {
		return
	}

	info := overflow.DetectUsage(usage.PromptTokens, model.InputContextWindow, string(model.Provider))
	if !info.IsOverflow {
		return
	}
	if d.metrics != nil {
		d.metrics.RecordOverflowDetected(info.Provider)
	}

	budgets := overflow.CalculateBudgetsWithOptions(model, p.MaxTokens, &info, d.budgetOpts)

	counter := tokenizer.Acquire(model.ID)
	defer counter.Close()

	structure, err := overflow.SplitMessages(messages, budgets, counter)
	if err != nil || len(structure.HistoricalMessages) == 0 {
		return
	}

	preamble := types.ConversationPreambleCount(messages)
	key := hcache.Key{
		UserID:         p.Account.UserID,
		ConversationID: p.Account.ConversationID,
		ModelID:        model.ID,
	}
	entry := hcache.Entry{
		HistoricalEndIndex: preamble + len(structure.HistoricalMessages) - 1,
		MessageCount:       len(messages),
	}
	if err := d.cache.Set(ctx, key, entry); err != nil {
		d.logger.Warn("priming cutoff cache failed",
			zap.String("conversation_id", p.Account.ConversationID), zap.Error(err))
		return
	}
	d.logger.Debug("cutoff cache primed from usage",
		zap.String("conversation_id", p.Account.ConversationID),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("historical_end_index", entry.HistoricalEndIndex))
}

// injectArtifacts inserts the artifacts system prompt after any leading
// system messages. The input slice is never mutated.
func (d *Dispatcher) injectArtifacts(messages []types.Message) []types.Message {
	if d.settings.ArtifactsPrompt == "" {
		return messages
	}
	at := types.LeadingSystemCount(messages)
	out := make([]types.Message, 0, len(messages)+1)
	out = append(out, messages[:at]...)
	out = append(out, types.NewSystemMessage(d.settings.ArtifactsPrompt))
	out = append(out, messages[at:]...)
	return out
}

// finishSuccess records usage and hands the conversation to the analysis
// consumer. Neither can fail the request.
func (d *Dispatcher) finishSuccess(ctx context.Context, state *RequestState, p *CallParams,
	model types.ModelDescriptor, messages []types.Message, result *llm.Result) {

	if !result.Usage.IsZero() {
		if err := d.recorder.RecordUsage(ctx, p.Account, state.ID, model.ID, result.Usage); err != nil {
			d.logger.Warn("usage recording failed",
				zap.String("request_id", state.ID), zap.Error(err))
		}
		if d.metrics != nil {
			d.metrics.RecordTokens(string(model.Provider), model.ID,
				result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.CachedTokens)
		}
	}

	d.analysis.Enqueue(Analysis{
		Messages:    messages,
		FinalAnswer: result.Content,
		Account:     p.Account,
	})
}

// errorEvent is the terminal error frame written to an open sink.
type errorEvent struct {
	CGEvent string `json:"cg_event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// terminal writes a final error event and the [DONE] sentinel so no caller
// is left waiting on a half-open stream.
func (d *Dispatcher) terminal(sink io.Writer, callErr error) {
	if sink == nil {
		return
	}
	ev := errorEvent{
		CGEvent: "error",
		Code:    string(types.GetErrorCode(callErr)),
		Message: callErr.Error(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(sink, "data: %s\n\n", payload)
	io.WriteString(sink, "data: [DONE]\n\n")
}
