package overflow

import "github.com/BaSui01/contextgate/types"

// Budgets holds the token arithmetic for one call. Computed fresh per call
// (it depends on the caller's max_tokens); never cached.
type Budgets struct {
	ContextLimit      int `json:"context_limit"`
	ResponseBuffer    int `json:"response_buffer"`
	SafetyMargin      int `json:"safety_margin"`
	AvailableForInput int `json:"available_for_input"`
	IntactBudget      int `json:"intact_budget"`
	HistoricalBudget  int `json:"historical_budget"`
}

// BudgetOptions tunes the budget constants. The safety margin compensates
// for tokenizer estimation variance; 2% is empirically tuned, not load
// bearing, so keep it adjustable per deployment. The intact ratio favors
// verbatim recency over summarized history: recent turns matter more for
// coherence than old ones.
type BudgetOptions struct {
	SafetyMarginRatio float64
	IntactRatio       float64
}

// DefaultBudgetOptions returns the standard budget constants.
func DefaultBudgetOptions() BudgetOptions {
	return BudgetOptions{
		SafetyMarginRatio: 0.02,
		IntactRatio:       0.60,
	}
}

// CalculateBudgets derives token budgets from the model's limits and the
// caller's requested max output tokens. Ceiling precedence: the overflow's
// provider-reported TotalContextLimit beats static model config, which
// beats the hardcoded fallback. Pure function; no side effects, no I/O.
func CalculateBudgets(model types.ModelDescriptor, userMaxTokens int, info *Info) Budgets {
	return CalculateBudgetsWithOptions(model, userMaxTokens, info, DefaultBudgetOptions())
}

// CalculateBudgetsWithOptions is CalculateBudgets with explicit constants.
func CalculateBudgetsWithOptions(model types.ModelDescriptor, userMaxTokens int, info *Info, opts BudgetOptions) Budgets {
	if opts.SafetyMarginRatio <= 0 {
		opts.SafetyMarginRatio = 0.02
	}
	if opts.IntactRatio <= 0 || opts.IntactRatio >= 1 {
		opts.IntactRatio = 0.60
	}

	contextLimit := types.FallbackContextWindow
	if model.InputContextWindow > 0 {
		contextLimit = model.InputContextWindow
	}
	if info != nil && info.TotalContextLimit != nil && *info.TotalContextLimit > 0 {
		contextLimit = *info.TotalContextLimit
	}

	outputLimit := model.OutputTokenLimit
	if outputLimit <= 0 {
		outputLimit = types.DefaultOutputTokenLimit
	}
	responseBuffer := userMaxTokens
	if responseBuffer <= 0 || responseBuffer > outputLimit {
		responseBuffer = outputLimit
	}

	safetyMargin := int(float64(contextLimit) * opts.SafetyMarginRatio)

	available := contextLimit - responseBuffer - safetyMargin
	if available < 0 {
		available = 0
	}

	intact := int(float64(available) * opts.IntactRatio)
	historical := int(float64(available) * (1 - opts.IntactRatio))

	return Budgets{
		ContextLimit:      contextLimit,
		ResponseBuffer:    responseBuffer,
		SafetyMargin:      safetyMargin,
		AvailableForInput: available,
		IntactBudget:      intact,
		HistoricalBudget:  historical,
	}
}
