package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/contextgate/llm"
	"github.com/BaSui01/contextgate/llm/tokenizer"
	"github.com/BaSui01/contextgate/overflow"
	"github.com/BaSui01/contextgate/types"
)

// Strategy names the recovery path taken, so upstream logging can tell
// "recovery was attempted and failed" apart from "recovery was never
// possible".
type Strategy string

const (
	StrategyHistoricalExtraction Strategy = "historical_extraction"
	StrategyOversizedTruncation  Strategy = "oversized_truncation"
	StrategyNoRecoveryPossible   Strategy = "no_recovery_possible"
)

// Notifier emits progress events toward an attached response sink during
// recovery. A nil Notifier is allowed.
type Notifier interface {
	// Notify reports a transient status ("analyzing context").
	Notify(status string)
	// Clear removes the pending status once recovery proceeds. It must be
	// safe to call more than once.
	Clear()
}

// RetryFunc re-issues the original call with the recovered message list.
type RetryFunc func(ctx context.Context, messages []types.Message, opts llm.Options) (*llm.Result, error)

// Params carries everything one recovery run needs.
type Params struct {
	Err       error
	Account   types.Account
	RequestID string
	// Messages is the original, pre-extraction message list — recovery
	// always starts from ground truth.
	Messages  []types.Message
	Model     types.ModelDescriptor
	MaxTokens int
	Options   llm.Options
	Notifier  Notifier
	Retry     RetryFunc
}

// Outcome reports what recovery did.
type Outcome struct {
	Success  bool
	Result   *llm.Result
	Strategy Strategy
	Info     overflow.Info
}

// Orchestrator ties detection, budgeting, splitting and extraction into the
// single-retry recovery protocol.
type Orchestrator struct {
	attempts   AttemptStore
	extractor  *Extractor
	budgetOpts overflow.BudgetOptions
	charsPerTk float64
	logger     *zap.Logger
}

// NewOrchestrator creates a recovery orchestrator.
func NewOrchestrator(attempts AttemptStore, extractor *Extractor, budgetOpts overflow.BudgetOptions, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if budgetOpts.SafetyMarginRatio <= 0 {
		budgetOpts = overflow.DefaultBudgetOptions()
	}
	return &Orchestrator{
		attempts:   attempts,
		extractor:  extractor,
		budgetOpts: budgetOpts,
		charsPerTk: extractor.config.CharsPerToken,
		logger:     logger.With(zap.String("component", "recovery")),
	}
}

// HandleOverflow runs one recovery cycle for an overflowed call.
//
// Non-overflow errors are returned unchanged immediately — this layer never
// swallows unrelated failures. Overflow errors get exactly one
// extraction-and-retry cycle; a second overflow for the same request within
// the attempt TTL fails without another extraction.
func (o *Orchestrator) HandleOverflow(ctx context.Context, p *Params) (*Outcome, error) {
	info := overflow.Detect(p.Err)
	if !info.IsOverflow {
		return nil, p.Err
	}

	firstAttempt, err := o.attempts.Begin(ctx, p.RequestID)
	if err != nil {
		// The attempt store failing open would allow retry loops; fail
		// closed instead and surface the original overflow.
		o.logger.Error("attempt store unavailable", zap.Error(err))
		return &Outcome{Strategy: StrategyNoRecoveryPossible, Info: info},
			types.NewError(types.ErrRecoveryFailed, "recovery attempt tracking unavailable").WithCause(p.Err)
	}
	if !firstAttempt {
		o.logger.Warn("second overflow within attempt window, not retrying",
			zap.String("request_id", p.RequestID))
		return &Outcome{Strategy: StrategyNoRecoveryPossible, Info: info},
			types.NewError(types.ErrRecoveryFailed,
				fmt.Sprintf("request %s overflowed again after recovery", p.RequestID)).WithCause(p.Err)
	}

	if p.Notifier != nil {
		p.Notifier.Notify("analyzing context")
		defer p.Notifier.Clear()
	}

	budgets := overflow.CalculateBudgetsWithOptions(p.Model, p.MaxTokens, &info, o.budgetOpts)

	counter := tokenizer.Acquire(p.Model.ID)
	defer counter.Close()

	structure, err := overflow.SplitMessages(p.Messages, budgets, counter)
	if err != nil {
		return &Outcome{Strategy: StrategyNoRecoveryPossible, Info: info},
			types.NewError(types.ErrRecoveryFailed, "message split failed").WithCause(err)
	}

	recovered, strategy, ok := o.prepare(ctx, p, budgets, structure)
	if !ok {
		o.logger.Warn("overflow not recoverable: nothing to extract",
			zap.String("request_id", p.RequestID),
			zap.Int("messages", len(p.Messages)))
		return &Outcome{Strategy: StrategyNoRecoveryPossible, Info: info},
			types.NewError(types.ErrNoRecoveryPossible,
				"conversation overflows with no historical messages to extract").WithCause(p.Err)
	}

	if p.Notifier != nil {
		p.Notifier.Clear()
	}

	// Retry once, with extended reasoning off (see llm.Options).
	opts := p.Options
	opts.DisableReasoning = true
	opts.AlreadyFiltered = true

	result, retryErr := p.Retry(ctx, recovered, opts)
	if retryErr != nil {
		return &Outcome{Strategy: strategy, Info: info},
			types.NewError(types.ErrRecoveryFailed, "retry after extraction failed").WithCause(retryErr)
	}

	if err := o.attempts.Clear(ctx, p.RequestID); err != nil {
		o.logger.Warn("failed to clear attempt record", zap.Error(err))
	}

	o.logger.Info("overflow recovered",
		zap.String("request_id", p.RequestID),
		zap.String("strategy", string(strategy)),
		zap.String("provider", info.Provider))

	return &Outcome{Success: true, Result: result, Strategy: strategy, Info: info}, nil
}

// prepare builds the recovered message list: runs extraction over the
// historical head and handles the oversized-final-message edge case. ok is
// false when recovery is impossible.
func (o *Orchestrator) prepare(ctx context.Context, p *Params, budgets overflow.Budgets, structure overflow.MessageStructure) (recovered []types.Message, strategy Strategy, ok bool) {
	historical := structure.HistoricalMessages
	intact := structure.IntactMessages

	if len(historical) == 0 {
		return nil, StrategyNoRecoveryPossible, false
	}

	strategy = StrategyHistoricalExtraction

	var question string
	if lastNonSystem(intact) >= 0 {
		question = intact[lastNonSystem(intact)].Content
	} else {
		// The final message alone exceeds the intact budget, so the
		// backward walk kept nothing. Pull it out of the historical tail,
		// truncate it to fit, and ask a generic question about it.
		strategy = StrategyOversizedTruncation
		last := historical[len(historical)-1]
		historical = historical[:len(historical)-1]
		if len(historical) == 0 {
			// A single oversized message with no history: nothing to
			// extract, nothing to drop.
			return nil, StrategyNoRecoveryPossible, false
		}

		intactChars := int(float64(budgets.IntactBudget) * o.charsPerTk)
		truncated := last
		truncated.Content = truncateTail(last.Content, intactChars)
		intact = append(intact, truncated)

		preview := last.Content
		if len(preview) > 200 {
			preview = truncateHead(preview, 200) + "…"
		}
		question = fmt.Sprintf("What prior context is relevant to this request? The request begins: %s", preview)
	}

	extractRes, err := o.extractor.Extract(ctx, &ExtractRequest{
		Account:            p.Account,
		Historical:         historical,
		CurrentQuestion:    question,
		UserModel:          p.Model,
		HistoricalBudget:   budgets.HistoricalBudget,
		HistoricalEndIndex: len(historical) - 1 + types.ConversationPreambleCount(p.Messages),
		MessageCount:       len(p.Messages),
		Skip:               p.Options.SkipHistoricalContext,
	})
	if err != nil {
		// Only context cancellation reaches here; extraction-model
		// failures already degraded to truncation inside Extract.
		o.logger.Warn("extraction aborted", zap.Error(err))
		return nil, StrategyNoRecoveryPossible, false
	}

	recovered = BuildMessagesWithHistoricalContext(intact, extractRes.ExtractedContext, question)
	return recovered, strategy, true
}

// lastNonSystem returns the index of the last non-system message, or -1.
func lastNonSystem(msgs []types.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != types.RoleSystem {
			return i
		}
	}
	return -1
}
