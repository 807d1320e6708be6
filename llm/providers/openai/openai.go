// Package openai implements the chat function for OpenAI and Azure OpenAI
// endpoints. Both speak the chat-completions wire format; Azure differs only
// in URL shape and auth header, which the endpoint provider supplies.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/contextgate/llm"
	"github.com/BaSui01/contextgate/llm/providers"
	"github.com/BaSui01/contextgate/types"
)

// Config holds static connection details. When the dispatcher passes an
// endpoint provider, its values override BaseURL and APIKey per call.
type Config struct {
	APIKey       string
	BaseURL      string
	EndpointPath string
	// Azure switches to api-key header auth and the deployments URL shape.
	Azure      bool
	APIVersion string
	Timeout    time.Duration
}

type adapter struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewCapability builds the capability registered for the openai (or azure)
// provider slot.
func NewCapability(cfg Config, logger *zap.Logger) llm.Capability {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &adapter{
		cfg:    cfg,
		client: providers.NewHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "openai_provider")),
	}
	return llm.Capability{
		Chat:          a.chat,
		NeedsEndpoint: cfg.Azure,
		Transform:     TransformEvent,
		Usage:         UsageFromEvent,
	}
}

// Chat completions wire format, shared by streaming chunks and full
// responses: streaming choices carry Delta, non-streaming carry Message.
type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// Request-side message. Content is a plain string for text-only turns and
// a content-part array when images are attached.
type wireReqMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireContentPart struct {
	Type     string        `json:"type"` // text, image_url
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type wireRequest struct {
	Model         string           `json:"model"`
	Messages      []wireReqMessage `json:"messages"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   float32          `json:"temperature,omitempty"`
	Tools         []wireTool       `json:"tools,omitempty"`
	ToolChoice    string           `json:"tool_choice,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type wireChoice struct {
	Index        int          `json:"index"`
	Delta        *wireMessage `json:"delta,omitempty"`
	Message      *wireMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		TotalTokens         int `json:"total_tokens"`
		PromptTokensDetails *struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details,omitempty"`
		CompletionTokensDetails *struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		} `json:"completion_tokens_details,omitempty"`
	} `json:"usage,omitempty"`
}

func (a *adapter) chat(ctx context.Context, ep llm.EndpointProvider, req *llm.Request, sink io.Writer) error {
	baseURL, apiKey := a.cfg.BaseURL, a.cfg.APIKey
	var headers map[string]string
	if ep != nil {
		resolved, err := ep.Endpoint(ctx)
		if err != nil {
			return types.NewError(types.ErrProviderUnavailable,
				fmt.Sprintf("resolve endpoint: %v", err)).WithProvider(a.name()).WithCause(err)
		}
		if resolved.BaseURL != "" {
			baseURL = resolved.BaseURL
		}
		if resolved.APIKey != "" {
			apiKey = resolved.APIKey
		}
		headers = resolved.Headers
	}

	body := wireRequest{
		Model:       req.Model,
		Messages:    convertMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Tools:       convertTools(req.Tools),
		ToolChoice:  req.ToolChoice,
		Stream:      req.Stream,
	}
	if req.Stream {
		body.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(baseURL, req.Model), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	a.buildHeaders(httpReq, apiKey)
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return types.NewError(types.ErrUpstreamError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).
			WithProvider(a.name()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return providers.MapHTTPError(resp.StatusCode, msg, a.name())
	}

	if req.Stream {
		return providers.CopySSE(resp.Body, sink)
	}

	// Non-streaming responses are written as a single event burst so the
	// decoder downstream sees one uniform framing.
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewError(types.ErrUpstreamError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).
			WithProvider(a.name()).WithCause(err)
	}
	if err := providers.WriteEvent(sink, raw); err != nil {
		return err
	}
	return providers.WriteDone(sink)
}

func (a *adapter) name() string {
	if a.cfg.Azure {
		return "azure"
	}
	return "openai"
}

func (a *adapter) endpoint(baseURL, model string) string {
	base := strings.TrimRight(baseURL, "/")
	if a.cfg.Azure {
		version := a.cfg.APIVersion
		if version == "" {
			version = "2024-06-01"
		}
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s", base, model, version)
	}
	return base + a.cfg.EndpointPath
}

func (a *adapter) buildHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.Azure {
		req.Header.Set("api-key", apiKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
}

func convertMessages(msgs []types.Message) []wireReqMessage {
	out := make([]wireReqMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireReqMessage{Role: string(m.Role), Content: m.Content}
		if len(m.Images) > 0 {
			parts := make([]wireContentPart, 0, len(m.Images)+1)
			if m.Content != "" {
				parts = append(parts, wireContentPart{Type: "text", Text: m.Content})
			}
			for _, img := range m.Images {
				url := img.URL
				if img.Type == types.ImageSourceBase64 {
					url = fmt.Sprintf("data:%s;base64,%s",
						providers.DetectImageMediaType(img.Data), img.Data)
				}
				parts = append(parts, wireContentPart{Type: "image_url", ImageURL: &wireImageURL{URL: url}})
			}
			wm.Content = parts
		}
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out = append(out, wm)
	}
	return out
}

func convertTools(tools []llm.ToolSchema) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		out = append(out, wt)
	}
	return out
}

// TransformEvent extracts the displayable chunk from one chat-completions
// event. Streaming chunks carry choices[].delta; the non-streaming burst
// carries choices[].message. Events with neither (usage-only finals) yield
// a nil chunk.
func TransformEvent(event []byte) (*llm.Chunk, error) {
	var wr wireResponse
	if err := json.Unmarshal(event, &wr); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if len(wr.Choices) == 0 {
		return nil, nil
	}
	choice := wr.Choices[0]
	msg := choice.Delta
	if msg == nil {
		msg = choice.Message
	}
	if msg == nil {
		if choice.FinishReason != "" {
			return &llm.Chunk{FinishReason: choice.FinishReason}, nil
		}
		return nil, nil
	}
	chunk := &llm.Chunk{Content: msg.Content, FinishReason: choice.FinishReason}
	for _, tc := range msg.ToolCalls {
		chunk.ToolCalls = append(chunk.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if chunk.Content == "" && len(chunk.ToolCalls) == 0 && chunk.FinishReason == "" {
		return nil, nil
	}
	return chunk, nil
}

// UsageFromEvent extracts token usage from one event, or nil when the event
// carries none.
func UsageFromEvent(event []byte) *types.TokenUsage {
	var wr wireResponse
	if err := json.Unmarshal(event, &wr); err != nil || wr.Usage == nil {
		return nil
	}
	u := &types.TokenUsage{
		PromptTokens:     wr.Usage.PromptTokens,
		CompletionTokens: wr.Usage.CompletionTokens,
		TotalTokens:      wr.Usage.TotalTokens,
	}
	if wr.Usage.PromptTokensDetails != nil {
		u.CachedTokens = wr.Usage.PromptTokensDetails.CachedTokens
	}
	if wr.Usage.CompletionTokensDetails != nil {
		u.ReasoningTokens = wr.Usage.CompletionTokensDetails.ReasoningTokens
	}
	return u
}
