package overflow

import (
	"github.com/BaSui01/contextgate/llm/tokenizer"
	"github.com/BaSui01/contextgate/types"
)

// MessageStructure is the partition of a conversation into a contiguous
// recent tail kept verbatim ("intact") and an older head that is a
// candidate for lossy extraction ("historical"). The two parts cover the
// original list exactly, with original order preserved within each part.
type MessageStructure struct {
	IntactMessages     []types.Message `json:"intact_messages"`
	HistoricalMessages []types.Message `json:"historical_messages"`
	IntactTokens       int             `json:"intact_tokens"`
	HistoricalTokens   int             `json:"historical_tokens"`
}

// SplitMessages walks the conversation from the end backward, extending the
// intact window while the next message still fits the intact budget. The
// walk stops at the first message that would overflow — it never skips over
// it to pick up smaller earlier messages, because a non-contiguous window
// breaks role alternation and provider-structured turns (extended-thinking
// blocks).
//
// The conversation preamble — leading system messages plus a synthetic
// history summary directly after them — is charged against the intact budget
// but never becomes historical, whatever role the summary carries, so a
// summarized conversation is not re-extracted on a later split.
//
// If even the single most recent message exceeds the budget the intact set
// is empty (beyond any preamble); callers handle that by truncating the
// message rather than failing.
func SplitMessages(msgs []types.Message, budgets Budgets, counter tokenizer.Tokenizer) (MessageStructure, error) {
	preamble := types.ConversationPreambleCount(msgs)

	intactTokens := 0
	for _, m := range msgs[:preamble] {
		n, err := countMessage(counter, m)
		if err != nil {
			return MessageStructure{}, err
		}
		intactTokens += n
	}

	// Backward walk over everything after the preamble.
	cut := len(msgs)
	for i := len(msgs) - 1; i >= preamble; i-- {
		n, err := countMessage(counter, msgs[i])
		if err != nil {
			return MessageStructure{}, err
		}
		if intactTokens+n > budgets.IntactBudget {
			break
		}
		intactTokens += n
		cut = i
	}

	historical := msgs[preamble:cut]
	historicalTokens := 0
	for _, m := range historical {
		n, err := countMessage(counter, m)
		if err != nil {
			return MessageStructure{}, err
		}
		historicalTokens += n
	}

	intact := make([]types.Message, 0, preamble+len(msgs)-cut)
	intact = append(intact, msgs[:preamble]...)
	intact = append(intact, msgs[cut:]...)

	return MessageStructure{
		IntactMessages:     intact,
		HistoricalMessages: historical,
		IntactTokens:       intactTokens,
		HistoricalTokens:   historicalTokens,
	}, nil
}

func countMessage(counter tokenizer.Tokenizer, m types.Message) (int, error) {
	return counter.CountMessages([]tokenizer.Message{{
		Role:    string(m.Role),
		Content: m.Content,
	}})
}
