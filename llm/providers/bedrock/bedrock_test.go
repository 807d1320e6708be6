package bedrock

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/contextgate/llm"
	"github.com/BaSui01/contextgate/types"
)

func TestSplitSystem(t *testing.T) {
	t.Parallel()

	system, msgs := splitSystem([]types.Message{
		types.NewSystemMessage("rule one"),
		types.NewSystemMessage("rule two"),
		types.NewUserMessage("hi"),
		types.NewAssistantMessage("hello"),
		types.NewSystemMessage("late instruction"),
		types.NewUserMessage("bye"),
	})

	assert.Equal(t, "rule one\n\nrule two", system)
	require.Len(t, msgs, 4)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	// Mid-conversation system turns have no messages-API slot.
	assert.Equal(t, "user", msgs[2].Role)
	assert.Equal(t, "late instruction", msgs[2].Content)
	assert.Equal(t, "user", msgs[3].Role)
}

func TestSplitSystemNoPreamble(t *testing.T) {
	t.Parallel()

	system, msgs := splitSystem([]types.Message{types.NewUserMessage("hi")})
	assert.Empty(t, system)
	require.Len(t, msgs, 1)
}

func TestTransformEvent(t *testing.T) {
	t.Parallel()

	t.Run("text delta", func(t *testing.T) {
		t.Parallel()
		chunk, err := TransformEvent([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`))
		require.NoError(t, err)
		require.NotNil(t, chunk)
		assert.Equal(t, "Hel", chunk.Content)
	})

	t.Run("tool use start", func(t *testing.T) {
		t.Parallel()
		chunk, err := TransformEvent([]byte(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"get_weather"}}`))
		require.NoError(t, err)
		require.NotNil(t, chunk)
		require.Len(t, chunk.ToolCalls, 1)
		assert.Equal(t, "toolu_01", chunk.ToolCalls[0].ID)
		assert.Equal(t, "get_weather", chunk.ToolCalls[0].Name)
		assert.Empty(t, chunk.ToolCalls[0].Arguments)
	})

	t.Run("input json delta is an anonymous fragment", func(t *testing.T) {
		t.Parallel()
		chunk, err := TransformEvent([]byte(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`))
		require.NoError(t, err)
		require.NotNil(t, chunk)
		require.Len(t, chunk.ToolCalls, 1)
		assert.Empty(t, chunk.ToolCalls[0].ID)
		assert.Empty(t, chunk.ToolCalls[0].Name)
		assert.Equal(t, `{"city":`, string(chunk.ToolCalls[0].Arguments))
	})

	t.Run("message delta stop reason", func(t *testing.T) {
		t.Parallel()
		chunk, err := TransformEvent([]byte(`{"type":"message_delta","delta":{"type":"","stop_reason":"end_turn"},"usage":{"output_tokens":42}}`))
		require.NoError(t, err)
		require.NotNil(t, chunk)
		assert.Equal(t, "end_turn", chunk.FinishReason)
	})

	t.Run("non-streaming burst", func(t *testing.T) {
		t.Parallel()
		chunk, err := TransformEvent([]byte(`{"type":"message","id":"msg_01","content":[{"type":"text","text":"The weather "},{"type":"text","text":"is fine."},{"type":"tool_use","id":"toolu_02","name":"log","input":{"level":"info"}}],"stop_reason":"end_turn"}`))
		require.NoError(t, err)
		require.NotNil(t, chunk)
		assert.Equal(t, "The weather is fine.", chunk.Content)
		assert.Equal(t, "end_turn", chunk.FinishReason)
		require.Len(t, chunk.ToolCalls, 1)
		assert.Equal(t, "toolu_02", chunk.ToolCalls[0].ID)
		assert.JSONEq(t, `{"level":"info"}`, string(chunk.ToolCalls[0].Arguments))
	})

	t.Run("bookkeeping events yield nil", func(t *testing.T) {
		t.Parallel()
		for _, raw := range []string{
			`{"type":"message_start","message":{"id":"msg_01","usage":{"input_tokens":10,"output_tokens":1}}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_stop"}`,
			`{"type":"ping"}`,
		} {
			chunk, err := TransformEvent([]byte(raw))
			require.NoError(t, err, raw)
			assert.Nil(t, chunk, raw)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()
		_, err := TransformEvent([]byte(`{"type":`))
		assert.Error(t, err)
	})
}

func TestUsageFromEvent(t *testing.T) {
	t.Parallel()

	t.Run("message start carries input side", func(t *testing.T) {
		t.Parallel()
		u := UsageFromEvent([]byte(`{"type":"message_start","message":{"id":"msg_01","usage":{"input_tokens":1000,"output_tokens":2,"cache_read_input_tokens":600,"cache_creation_input_tokens":100}}}`))
		require.NotNil(t, u)
		assert.Equal(t, 1000, u.PromptTokens)
		assert.Equal(t, 2, u.CompletionTokens)
		assert.Equal(t, 600, u.CachedTokens)
		assert.Equal(t, 100, u.WriteCachedTokens)
		assert.Equal(t, 1002, u.TotalTokens)
	})

	t.Run("message delta carries output side", func(t *testing.T) {
		t.Parallel()
		u := UsageFromEvent([]byte(`{"type":"message_delta","delta":{"type":"","stop_reason":"end_turn"},"usage":{"output_tokens":57}}`))
		require.NotNil(t, u)
		assert.Zero(t, u.PromptTokens)
		assert.Equal(t, 57, u.CompletionTokens)
		assert.Equal(t, 57, u.TotalTokens)
	})

	t.Run("burst carries both", func(t *testing.T) {
		t.Parallel()
		u := UsageFromEvent([]byte(`{"type":"message","id":"msg_01","usage":{"input_tokens":40,"output_tokens":9}}`))
		require.NotNil(t, u)
		assert.Equal(t, 40, u.PromptTokens)
		assert.Equal(t, 9, u.CompletionTokens)
		assert.Equal(t, 49, u.TotalTokens)
	})

	t.Run("other events carry none", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, UsageFromEvent([]byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"x"}}`)))
		assert.Nil(t, UsageFromEvent([]byte(`garbage`)))
	})
}

func TestChatRequiresEndpoint(t *testing.T) {
	t.Parallel()

	capability := NewCapability(Config{}, zap.NewNop())
	assert.True(t, capability.NeedsEndpoint)

	var sink bytes.Buffer
	err := capability.Chat(context.Background(), nil, &llm.Request{
		Model:    "anthropic.claude-3-5-sonnet",
		Messages: []types.Message{types.NewUserMessage("hi")},
	}, &sink)
	require.Error(t, err)
	assert.Equal(t, types.ErrProviderUnavailable, types.GetErrorCode(err))
}

func TestChatNonStreaming(t *testing.T) {
	t.Parallel()

	var gotBody wireRequest
	var gotPath, gotAuth, gotRegion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotRegion = r.Header.Get("X-Amzn-Bedrock-Region")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		io.WriteString(w, `{"type":"message","id":"msg_01","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":8,"output_tokens":1}}`)
	}))
	defer srv.Close()

	capability := NewCapability(Config{}, zap.NewNop())
	ep := llm.StaticEndpoint{
		BaseURL: srv.URL,
		APIKey:  "session-token",
		Headers: map[string]string{"X-Amzn-Bedrock-Region": "eu-north-1"},
	}

	var sink bytes.Buffer
	err := capability.Chat(context.Background(), ep, &llm.Request{
		Model:    "anthropic.claude-3-5-sonnet",
		Messages: []types.Message{types.NewSystemMessage("be brief"), types.NewUserMessage("hello")},
	}, &sink)
	require.NoError(t, err)

	assert.Equal(t, "/model/anthropic.claude-3-5-sonnet/invoke", gotPath)
	assert.Equal(t, "Bearer session-token", gotAuth)
	assert.Equal(t, "eu-north-1", gotRegion)
	assert.Equal(t, anthropicVersion, gotBody.AnthropicVersion)
	assert.Equal(t, "be brief", gotBody.System)
	require.Len(t, gotBody.Messages, 1)
	assert.Equal(t, "hello", gotBody.Messages[0].Content)
	// MaxTokens is mandatory on the messages API so the default is filled
	// in when the caller leaves it zero.
	assert.Equal(t, types.DefaultOutputTokenLimit, gotBody.MaxTokens)

	assert.Contains(t, sink.String(), `"text":"hi"`)
	assert.True(t, bytes.HasSuffix(sink.Bytes(), []byte("data: [DONE]\n\n")))
}

func TestChatStreamingPath(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"a\"}}\n\n")
	}))
	defer srv.Close()

	capability := NewCapability(Config{}, zap.NewNop())
	ep := llm.StaticEndpoint{BaseURL: srv.URL, APIKey: "k"}

	var sink bytes.Buffer
	err := capability.Chat(context.Background(), ep, &llm.Request{
		Model:     "anthropic.claude-3-5-haiku",
		Messages:  []types.Message{types.NewUserMessage("hello")},
		Stream:    true,
		MaxTokens: 64,
	}, &sink)
	require.NoError(t, err)

	assert.Equal(t, "/model/anthropic.claude-3-5-haiku/invoke-with-response-stream", gotPath)
	assert.True(t, bytes.HasSuffix(sink.Bytes(), []byte("data: [DONE]\n\n")))
}

func TestChatUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"prompt is too long: 202437 tokens > 200000 maximum","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	capability := NewCapability(Config{}, zap.NewNop())
	ep := llm.StaticEndpoint{BaseURL: srv.URL, APIKey: "k"}

	var sink bytes.Buffer
	err := capability.Chat(context.Background(), ep, &llm.Request{
		Model:    "anthropic.claude-3-5-sonnet",
		Messages: []types.Message{types.NewUserMessage("hello")},
	}, &sink)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "202437 tokens > 200000 maximum")
}

func TestSplitSystemImages(t *testing.T) {
	t.Parallel()

	png := base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\n"))
	_, msgs := splitSystem([]types.Message{
		{Role: types.RoleUser, Content: "what is this?", Images: []types.ImageSource{
			{Type: types.ImageSourceBase64, Data: png},
			{Type: types.ImageSourceURL, URL: "https://example.com/cat.png"},
		}},
		types.NewAssistantMessage("a cat"),
	})

	require.Len(t, msgs, 2)
	blocks, ok := msgs[0].Content.([]wireContentBlock)
	require.True(t, ok)
	require.Len(t, blocks, 3)
	assert.Equal(t, "text", blocks[0].Type)
	assert.Equal(t, "what is this?", blocks[0].Text)

	require.Equal(t, "image", blocks[1].Type)
	assert.Equal(t, "base64", blocks[1].Source.Type)
	assert.Equal(t, "image/png", blocks[1].Source.MediaType)
	assert.Equal(t, png, blocks[1].Source.Data)

	require.Equal(t, "image", blocks[2].Type)
	assert.Equal(t, "url", blocks[2].Source.Type)
	assert.Equal(t, "https://example.com/cat.png", blocks[2].Source.URL)

	// Text-only turns keep the plain string shape.
	assert.Equal(t, "a cat", msgs[1].Content)
}
