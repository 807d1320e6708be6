package overflow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/contextgate/types"
)

func TestDetect_BedrockPatterns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		msg       string
		requested *int
		limit     *int
		overflow  *int
	}{
		{
			name:      "prompt too long with numbers",
			msg:       "ValidationException: prompt is too long: 202437 tokens > 200000 maximum",
			requested: intPtr(202437),
			limit:     intPtr(200000),
			overflow:  intPtr(2437),
		},
		{
			name:      "input plus max_tokens exceed limit",
			msg:       "input length and max_tokens exceed context limit: 195000 + 8192 > 200000",
			requested: intPtr(203192),
			limit:     intPtr(200000),
			overflow:  intPtr(3192),
		},
		{
			name: "input too long without numbers",
			msg:  "Input is too long for requested model.",
		},
		{
			name:      "validation exception with heuristic numbers",
			msg:       "ValidationException: request too large, 250000 exceeds 200000, input too long",
			requested: intPtr(250000),
			limit:     intPtr(200000),
			overflow:  intPtr(50000),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Detect(errors.New(tt.msg))
			require.True(t, info.IsOverflow)
			assert.Equal(t, "bedrock", info.Provider)
			assert.Equal(t, tt.requested, info.Requested)
			assert.Equal(t, tt.limit, info.Limit)
			assert.Equal(t, tt.overflow, info.Overflow)
		})
	}
}

func TestDetect_OpenAIPatterns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		msg       string
		requested *int
		limit     *int
	}{
		{
			name:      "requested tokens reported",
			msg:       "This model's maximum context length is 128000 tokens. However, you requested 131000 tokens (129000 in the messages, 2000 in the completion).",
			requested: intPtr(131000),
			limit:     intPtr(128000),
		},
		{
			name:      "messages resulted in",
			msg:       "This model's maximum context length is 8192 tokens. However, your messages resulted in 9500 tokens.",
			requested: intPtr(9500),
			limit:     intPtr(8192),
		},
		{
			name: "error code only",
			msg:  `{"error":{"code":"context_length_exceeded","message":"..."}}`,
		},
		{
			name: "reduce the length hint",
			msg:  "Please reduce the length of the messages or completion.",
		},
		{
			name:  "string too long with limit",
			msg:   "Invalid 'messages[2].content': string too long. Expected a string with maximum length 1048576, but got one longer.",
			limit: intPtr(1048576),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Detect(errors.New(tt.msg))
			require.True(t, info.IsOverflow, "should detect: %s", tt.msg)
			assert.Equal(t, "openai", info.Provider)
			assert.Equal(t, tt.requested, info.Requested)
			assert.Equal(t, tt.limit, info.Limit)
		})
	}
}

func TestDetect_GeminiPatterns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		msg       string
		requested *int
		limit     *int
	}{
		{
			name:      "input token count with numbers",
			msg:       "The input token count (1200000) exceeds the maximum number of tokens allowed (1048576).",
			requested: intPtr(1200000),
			limit:     intPtr(1048576),
		},
		{name: "resource exhausted constant", msg: "rpc error: code = ResourceExhausted desc = RESOURCE_EXHAUSTED"},
		{name: "resource exhausted phrase", msg: "Resource has been exhausted (e.g. check quota)."},
		{name: "payload size limit", msg: "Request payload size exceeds the limit: 20971520 bytes."},
		{name: "payload too large", msg: "Payload too large"},
		{name: "exceeds maximum tokens", msg: "The request exceeds the maximum number of tokens."},
		{name: "token limit exceeded", msg: "Token limit exceeded for model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Detect(errors.New(tt.msg))
			require.True(t, info.IsOverflow, "should detect: %s", tt.msg)
			assert.Equal(t, "gemini", info.Provider)
			assert.Equal(t, tt.requested, info.Requested)
			assert.Equal(t, tt.limit, info.Limit)
		})
	}
}

func TestDetect_GenericPatterns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		msg   string
		limit *int
	}{
		{name: "context length exceeded", msg: "context length exceeded"},
		{name: "too many tokens", msg: "too many tokens in request"},
		{name: "request too large", msg: "Request too large"},
		{name: "exceeds context window", msg: "the input exceeds the model context window"},
		{name: "maximum prompt length", msg: "maximum prompt length is 32768", limit: intPtr(32768)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Detect(errors.New(tt.msg))
			require.True(t, info.IsOverflow, "should detect: %s", tt.msg)
			assert.Equal(t, "generic", info.Provider)
			assert.Equal(t, tt.limit, info.Limit)
		})
	}
}

func TestDetect_NonOverflowErrors(t *testing.T) {
	t.Parallel()

	for _, msg := range []string{
		"connection reset by peer",
		"401 unauthorized",
		"invalid api key",
		"model not found",
		"rate limit reached for requests per minute",
		"internal server error",
		"unexpected EOF",
	} {
		info := Detect(errors.New(msg))
		assert.False(t, info.IsOverflow, "must not mis-detect: %s", msg)
	}

	assert.False(t, Detect(nil).IsOverflow)
}

func TestDetect_UnwrapsCauseChain(t *testing.T) {
	t.Parallel()

	inner := errors.New("prompt is too long: 202437 tokens > 200000 maximum")
	wrapped := types.NewError(types.ErrUpstreamError, "provider call failed").WithCause(
		fmt.Errorf("bedrock invoke: %w", inner))

	info := Detect(wrapped)
	require.True(t, info.IsOverflow)
	assert.Equal(t, "bedrock", info.Provider)
	require.NotNil(t, info.Requested)
	assert.Equal(t, 202437, *info.Requested)
}

func TestDetect_ProviderReportedLimitPropagates(t *testing.T) {
	t.Parallel()

	info := Detect(errors.New("prompt is too long: 202437 tokens > 200000 maximum"))
	require.NotNil(t, info.TotalContextLimit)
	assert.Equal(t, 200000, *info.TotalContextLimit)
}

func TestDetectUsage(t *testing.T) {
	t.Parallel()

	t.Run("silent overflow", func(t *testing.T) {
		info := DetectUsage(130000, 128000, "openai")
		require.True(t, info.IsOverflow)
		assert.Equal(t, 130000, *info.Requested)
		assert.Equal(t, 128000, *info.Limit)
		assert.Equal(t, 2000, *info.Overflow)
	})

	t.Run("within window", func(t *testing.T) {
		assert.False(t, DetectUsage(100, 128000, "openai").IsOverflow)
	})

	t.Run("unknown window skipped", func(t *testing.T) {
		assert.False(t, DetectUsage(999999, 0, "openai").IsOverflow)
	})
}

func TestHeuristicNumbers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg       string
		requested int
		limit     int
		ok        bool
	}{
		{"seen 250000 and 200000", 250000, 200000, true},
		{"smaller first: 200000 then 250000", 250000, 200000, true},
		{"equal numbers 100000 and 100000", 0, 0, false},
		{"only one number 123456", 0, 0, false},
		{"small numbers 400 and 500 ignored", 0, 0, false},
	}
	for _, tt := range tests {
		requested, limit, ok := heuristicNumbers(tt.msg)
		assert.Equal(t, tt.ok, ok, tt.msg)
		assert.Equal(t, tt.requested, requested, tt.msg)
		assert.Equal(t, tt.limit, limit, tt.msg)
	}
}
