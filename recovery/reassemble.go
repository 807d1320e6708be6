package recovery

import (
	"fmt"
	"regexp"

	"github.com/BaSui01/contextgate/types"
)

// historyQuestionRe decides whether the current question is itself about
// the conversation history ("did we discuss X"). Best-effort heuristic:
// misclassification only changes the injected message's role, never the
// recovery algorithm, so it is kept separate and easy to retune.
var historyQuestionRe = regexp.MustCompile(`(?i)\b(did (we|i|you)|have (we|i|you))\b.{0,40}\b(discuss|talk|mention|cover|say|ask)`)

// BuildMessagesWithHistoricalContext reassembles the recovered message
// list: the intact messages with the extracted historical context injected
// as a synthetic message immediately after any leading system messages;
// chronological ordering requires the older material to precede the recent
// turns. The synthetic message opens with types.HistoricalSummaryHeader so
// a later split recognizes it as preamble whatever role it carries.
//
// The synthetic message is system-role by default. When the current
// question asks about the history itself, assistant role works better:
// the model treats an assistant turn as something it said, which makes
// "did we discuss X" answers grounded in the summary rather than in the
// instructions.
func BuildMessagesWithHistoricalContext(intact []types.Message, extracted, currentQuestion string) []types.Message {
	if extracted == "" {
		return intact
	}

	role := types.RoleSystem
	if historyQuestionRe.MatchString(currentQuestion) {
		role = types.RoleAssistant
	}

	synthetic := types.Message{
		Role:    role,
		Content: fmt.Sprintf("%s\n%s", types.HistoricalSummaryHeader, extracted),
	}

	cut := types.ConversationPreambleCount(intact)
	out := make([]types.Message, 0, len(intact)+1)
	out = append(out, intact[:cut]...)
	out = append(out, synthetic)
	out = append(out, intact[cut:]...)
	return out
}
