package overflow

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Info is the normalized classification of a provider error. Derived
// transiently; never persisted. When numeric limits cannot be extracted
// from the message, Requested/Limit/Overflow stay nil but IsOverflow is
// still true — callers must tolerate unknown magnitudes.
type Info struct {
	IsOverflow bool   `json:"is_overflow"`
	Provider   string `json:"provider,omitempty"`
	Requested  *int   `json:"requested,omitempty"`
	Limit      *int   `json:"limit,omitempty"`
	Overflow   *int   `json:"overflow,omitempty"`
	// TotalContextLimit is the provider-reported context ceiling, more
	// accurate than static model config when present.
	TotalContextLimit *int `json:"total_context_limit,omitempty"`
}

// Bedrock (Anthropic-style) overflow phrasings.
var (
	bedrockPromptTooLongRe = regexp.MustCompile(`(?i)prompt is too long:\s*(\d+)\s*tokens?\s*>\s*(\d+)\s*maximum`)
	bedrockInputMaxRe      = regexp.MustCompile(`(?i)input length and max_tokens exceed context limit:\s*(\d+)\s*\+\s*(\d+)\s*>\s*(\d+)`)
	bedrockInputTooLongRe  = regexp.MustCompile(`(?i)input is too long for requested model`)
	bedrockValidationRe    = regexp.MustCompile(`(?i)validationexception.*too\s+(?:long|large)`)
)

// OpenAI / Azure overflow phrasings.
var openaiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)maximum context length is\s*(\d+)\s*tokens.{0,120}?requested\s*(\d+)\s*tokens`),
	regexp.MustCompile(`(?is)maximum context length is\s*(\d+)\s*tokens.{0,120}?messages resulted in\s*(\d+)\s*tokens`),
	regexp.MustCompile(`(?i)context_length_exceeded`),
	regexp.MustCompile(`(?i)reduce the length of the messages`),
	regexp.MustCompile(`(?is)string too long\..{0,80}?maximum length\s*(\d+)`),
}

// Gemini overflow heuristics. Gemini rarely reports both numbers, so most
// of these only establish the overflow classification.
var geminiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)input token count\s*\((\d+)\)\s*exceeds the maximum.{0,60}?\((\d+)\)`),
	regexp.MustCompile(`(?i)resource_exhausted`),
	regexp.MustCompile(`(?i)resource has been exhausted`),
	regexp.MustCompile(`(?i)request payload size exceeds the limit`),
	regexp.MustCompile(`(?i)payload too large`),
	regexp.MustCompile(`(?i)exceeds the maximum number of tokens`),
	regexp.MustCompile(`(?i)token limit exceeded`),
}

// Cross-provider generic fallbacks, checked last.
var genericPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)context length exceeded`),
	regexp.MustCompile(`(?i)too many tokens`),
	regexp.MustCompile(`(?i)request too large`),
	regexp.MustCompile(`(?is)exceeds?.{0,60}context window`),
	regexp.MustCompile(`(?i)maximum prompt length is\s*(\d+)`),
}

// Detect classifies an error into a normalized overflow Info. Non-overflow
// errors return a zero Info with IsOverflow=false; callers must re-throw
// those untouched — Detect never decides that an unrelated error is safe to
// swallow.
func Detect(err error) Info {
	if err == nil {
		return Info{}
	}
	msg := collectMessages(err)

	if info, ok := detectBedrock(msg); ok {
		return info
	}
	if info, ok := detectOpenAI(msg); ok {
		return info
	}
	if info, ok := detectGemini(msg); ok {
		return info
	}
	if info, ok := detectGeneric(msg); ok {
		return info
	}
	return Info{}
}

// DetectUsage reports a silent overflow: a call that succeeded but whose
// input token count exceeds the model's context window. Some providers
// accept over-long requests and quietly truncate; the dispatcher uses this
// to prime the proactive-extraction cache. Pass contextWindow <= 0 to skip.
func DetectUsage(inputTokens, contextWindow int, provider string) Info {
	if contextWindow <= 0 || inputTokens <= contextWindow {
		return Info{}
	}
	over := inputTokens - contextWindow
	return Info{
		IsOverflow:        true,
		Provider:          provider,
		Requested:         intPtr(inputTokens),
		Limit:             intPtr(contextWindow),
		Overflow:          intPtr(over),
		TotalContextLimit: intPtr(contextWindow),
	}
}

func detectBedrock(msg string) (Info, bool) {
	if m := bedrockPromptTooLongRe.FindStringSubmatch(msg); m != nil {
		requested, _ := strconv.Atoi(m[1])
		limit, _ := strconv.Atoi(m[2])
		return withNumbers("bedrock", requested, limit), true
	}
	if m := bedrockInputMaxRe.FindStringSubmatch(msg); m != nil {
		input, _ := strconv.Atoi(m[1])
		maxTok, _ := strconv.Atoi(m[2])
		limit, _ := strconv.Atoi(m[3])
		return withNumbers("bedrock", input+maxTok, limit), true
	}
	if bedrockInputTooLongRe.MatchString(msg) {
		return Info{IsOverflow: true, Provider: "bedrock"}, true
	}
	if bedrockValidationRe.MatchString(msg) {
		info := Info{IsOverflow: true, Provider: "bedrock"}
		if requested, limit, ok := heuristicNumbers(msg); ok {
			info = withNumbers("bedrock", requested, limit)
		}
		return info, true
	}
	return Info{}, false
}

func detectOpenAI(msg string) (Info, bool) {
	for i, re := range openaiPatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		switch i {
		case 0, 1: // limit first, requested second
			limit, _ := strconv.Atoi(m[1])
			requested, _ := strconv.Atoi(m[2])
			return withNumbers("openai", requested, limit), true
		case 4: // only the limit is reported
			limit, _ := strconv.Atoi(m[1])
			return Info{IsOverflow: true, Provider: "openai", Limit: intPtr(limit), TotalContextLimit: intPtr(limit)}, true
		default:
			return Info{IsOverflow: true, Provider: "openai"}, true
		}
	}
	return Info{}, false
}

func detectGemini(msg string) (Info, bool) {
	for i, re := range geminiPatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		if i == 0 { // requested first, limit second
			requested, _ := strconv.Atoi(m[1])
			limit, _ := strconv.Atoi(m[2])
			return withNumbers("gemini", requested, limit), true
		}
		return Info{IsOverflow: true, Provider: "gemini"}, true
	}
	return Info{}, false
}

func detectGeneric(msg string) (Info, bool) {
	for i, re := range genericPatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		info := Info{IsOverflow: true, Provider: "generic"}
		if i == 4 && len(m) > 1 {
			limit, _ := strconv.Atoi(m[1])
			info.Limit = intPtr(limit)
			info.TotalContextLimit = intPtr(limit)
		} else if requested, limit, ok := heuristicNumbers(msg); ok {
			info = withNumbers("generic", requested, limit)
		}
		return info, true
	}
	return Info{}, false
}

func withNumbers(provider string, requested, limit int) Info {
	info := Info{
		IsOverflow: true,
		Provider:   provider,
		Requested:  intPtr(requested),
		Limit:      intPtr(limit),
	}
	if limit > 0 {
		info.TotalContextLimit = intPtr(limit)
	}
	if requested > limit {
		info.Overflow = intPtr(requested - limit)
	}
	return info
}

var numberRe = regexp.MustCompile(`\d{4,}`)

// heuristicNumbers pulls two plausible token counts out of an otherwise
// unstructured message: the larger is treated as requested, the smaller as
// the limit. Only numbers of 4+ digits are considered so HTTP status codes
// and message indices are ignored.
func heuristicNumbers(msg string) (requested, limit int, ok bool) {
	matches := numberRe.FindAllString(msg, -1)
	if len(matches) < 2 {
		return 0, 0, false
	}
	a, _ := strconv.Atoi(matches[0])
	b, _ := strconv.Atoi(matches[1])
	if a == b {
		return 0, 0, false
	}
	if a > b {
		return a, b, true
	}
	return b, a, true
}

// collectMessages joins the messages of err and its whole unwrap chain so
// patterns match no matter how deep a provider buried its response body.
func collectMessages(err error) string {
	var sb strings.Builder
	sb.WriteString(err.Error())
	for cause := errors.Unwrap(err); cause != nil; {
		next := errors.Unwrap(cause)
		if next == cause {
			break
		}
		sb.WriteByte('\n')
		sb.WriteString(cause.Error())
		cause = next
	}
	return sb.String()
}

func intPtr(v int) *int { return &v }
