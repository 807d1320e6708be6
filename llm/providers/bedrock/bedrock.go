// Package bedrock implements the chat function for Anthropic models served
// through Bedrock-compatible gateways. The wire format is the Anthropic
// messages API; regional endpoint and credentials come from the endpoint
// provider resolved per call.
package bedrock

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

const anthropicVersion = "bedrock-2023-05-31"

// Config holds static connection details used when no endpoint provider is
// supplied.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

type adapter struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewCapability builds the capability registered for the bedrock provider
// slot. NeedsEndpoint is set: regional base URLs and short-lived credentials
// must be resolved per call.
func NewCapability(cfg Config, logger *zap.Logger) llm.Capability {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &adapter{
		cfg:    cfg,
		client: providers.NewHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "bedrock_provider")),
	}
	return llm.Capability{
		Chat:          a.chat,
		NeedsEndpoint: true,
		Transform:     TransformEvent,
		Usage:         UsageFromEvent,
	}
}

type wireMessage struct {
	Role string `json:"role"` // user, assistant
	// Content is a plain string for text-only turns and a content-block
	// array when images are attached.
	Content any `json:"content"`
}

type wireContentBlock struct {
	Type   string           `json:"type"` // text, image
	Text   string           `json:"text,omitempty"`
	Source *wireImageSource `json:"source,omitempty"`
}

type wireImageSource struct {
	Type      string `json:"type"` // base64, url
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireRequest struct {
	AnthropicVersion string        `json:"anthropic_version"`
	MaxTokens        int           `json:"max_tokens"`
	System           string        `json:"system,omitempty"`
	Messages         []wireMessage `json:"messages"`
	Temperature      float32       `json:"temperature,omitempty"`
	Tools            []wireTool    `json:"tools,omitempty"`
}

// wireEvent covers the Anthropic streaming event union: message_start,
// content_block_start, content_block_delta, message_delta, message_stop.
// The non-streaming burst reuses the same struct with type "message".
type wireEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string `json:"id"`
		Usage *struct {
			InputTokens              int `json:"input_tokens"`
			OutputTokens             int `json:"output_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
		} `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	ContentBlock *struct {
		Type  string          `json:"type"`
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Text  string          `json:"text,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	// Usage appears on message_delta (output tokens only) and on the
	// non-streaming burst (full counts).
	Usage *struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	} `json:"usage,omitempty"`
	// Non-streaming fields.
	ID      string `json:"id,omitempty"`
	Content []struct {
		Type  string          `json:"type"`
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Text  string          `json:"text,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"content,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

func (a *adapter) chat(ctx context.Context, ep llm.EndpointProvider, req *llm.Request, sink io.Writer) error {
	baseURL, apiKey := a.cfg.BaseURL, a.cfg.APIKey
	var headers map[string]string
	if ep != nil {
		resolved, err := ep.Endpoint(ctx)
		if err != nil {
			return types.NewError(types.ErrProviderUnavailable,
				fmt.Sprintf("resolve endpoint: %v", err)).WithProvider("bedrock").WithCause(err)
		}
		if resolved.BaseURL != "" {
			baseURL = resolved.BaseURL
		}
		if resolved.APIKey != "" {
			apiKey = resolved.APIKey
		}
		headers = resolved.Headers
	}
	if baseURL == "" {
		return types.NewError(types.ErrProviderUnavailable,
			"bedrock endpoint not configured").WithProvider("bedrock")
	}

	system, msgs := splitSystem(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = types.DefaultOutputTokenLimit
	}
	body := wireRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		System:           system,
		Messages:         msgs,
		Temperature:      req.Temperature,
		Tools:            convertTools(req.Tools),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	verb := "invoke"
	if req.Stream {
		verb = "invoke-with-response-stream"
	}
	endpoint := fmt.Sprintf("%s/model/%s/%s", strings.TrimRight(baseURL, "/"), req.Model, verb)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return types.NewError(types.ErrUpstreamError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).
			WithProvider("bedrock").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return providers.MapHTTPError(resp.StatusCode, msg, "bedrock")
	}

	if req.Stream {
		return providers.CopySSE(resp.Body, sink)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewError(types.ErrUpstreamError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).
			WithProvider("bedrock").WithCause(err)
	}
	if err := providers.WriteEvent(sink, raw); err != nil {
		return err
	}
	return providers.WriteDone(sink)
}

// splitSystem folds leading system messages into the top-level system field
// and maps the rest to messages-API turns.
func splitSystem(msgs []types.Message) (string, []wireMessage) {
	preamble := types.LeadingSystemCount(msgs)
	var system strings.Builder
	for i := 0; i < preamble; i++ {
		if system.Len() > 0 {
			system.WriteString("\n\n")
		}
		system.WriteString(msgs[i].Content)
	}
	out := make([]wireMessage, 0, len(msgs)-preamble)
	for _, m := range msgs[preamble:] {
		role := string(m.Role)
		// Out-of-band system messages are not representable mid-
		// conversation; downgrade to user turns.
		if m.Role == types.RoleSystem {
			role = "user"
		}
		wm := wireMessage{Role: role, Content: m.Content}
		if len(m.Images) > 0 {
			blocks := make([]wireContentBlock, 0, len(m.Images)+1)
			if m.Content != "" {
				blocks = append(blocks, wireContentBlock{Type: "text", Text: m.Content})
			}
			for _, img := range m.Images {
				src := &wireImageSource{}
				if img.Type == types.ImageSourceBase64 {
					src.Type = "base64"
					src.MediaType = providers.DetectImageMediaType(img.Data)
					src.Data = img.Data
				} else {
					src.Type = "url"
					src.URL = img.URL
				}
				blocks = append(blocks, wireContentBlock{Type: "image", Source: src})
			}
			wm.Content = blocks
		}
		out = append(out, wm)
	}
	return system.String(), out
}

func convertTools(tools []llm.ToolSchema) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return out
}

// TransformEvent extracts the displayable chunk from one Anthropic event.
// Tool-use streaming arrives in pieces: content_block_start names the tool,
// input_json_delta events carry argument fragments with an empty ID; the
// caller accumulates fragments onto the open tool call.
func TransformEvent(event []byte) (*llm.Chunk, error) {
	var we wireEvent
	if err := json.Unmarshal(event, &we); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch we.Type {
	case "content_block_start":
		if we.ContentBlock == nil {
			return nil, nil
		}
		if we.ContentBlock.Type == "tool_use" {
			return &llm.Chunk{ToolCalls: []types.ToolCall{{
				ID:   we.ContentBlock.ID,
				Name: we.ContentBlock.Name,
			}}}, nil
		}
		if we.ContentBlock.Text != "" {
			return &llm.Chunk{Content: we.ContentBlock.Text}, nil
		}
		return nil, nil
	case "content_block_delta":
		if we.Delta == nil {
			return nil, nil
		}
		switch we.Delta.Type {
		case "text_delta":
			return &llm.Chunk{Content: we.Delta.Text}, nil
		case "input_json_delta":
			return &llm.Chunk{ToolCalls: []types.ToolCall{{
				Arguments: json.RawMessage(we.Delta.PartialJSON),
			}}}, nil
		}
		return nil, nil
	case "message_delta":
		if we.Delta != nil && we.Delta.StopReason != "" {
			return &llm.Chunk{FinishReason: we.Delta.StopReason}, nil
		}
		return nil, nil
	case "message":
		// Non-streaming burst.
		chunk := &llm.Chunk{FinishReason: we.StopReason}
		for _, block := range we.Content {
			switch block.Type {
			case "text":
				chunk.Content += block.Text
			case "tool_use":
				chunk.ToolCalls = append(chunk.ToolCalls, types.ToolCall{
					ID:        block.ID,
					Name:      block.Name,
					Arguments: block.Input,
				})
			}
		}
		return chunk, nil
	default:
		return nil, nil
	}
}

// UsageFromEvent extracts token usage. Input tokens arrive on message_start,
// output tokens on message_delta; a non-streaming burst carries both.
func UsageFromEvent(event []byte) *types.TokenUsage {
	var we wireEvent
	if err := json.Unmarshal(event, &we); err != nil {
		return nil
	}
	switch we.Type {
	case "message_start":
		if we.Message == nil || we.Message.Usage == nil {
			return nil
		}
		return &types.TokenUsage{
			PromptTokens:      we.Message.Usage.InputTokens,
			CompletionTokens:  we.Message.Usage.OutputTokens,
			CachedTokens:      we.Message.Usage.CacheReadInputTokens,
			WriteCachedTokens: we.Message.Usage.CacheCreationInputTokens,
			TotalTokens:       we.Message.Usage.InputTokens + we.Message.Usage.OutputTokens,
		}
	case "message_delta":
		if we.Usage == nil {
			return nil
		}
		return &types.TokenUsage{
			CompletionTokens: we.Usage.OutputTokens,
			TotalTokens:      we.Usage.OutputTokens,
		}
	case "message":
		if we.Usage == nil {
			return nil
		}
		return &types.TokenUsage{
			PromptTokens:      we.Usage.InputTokens,
			CompletionTokens:  we.Usage.OutputTokens,
			CachedTokens:      we.Usage.CacheReadInputTokens,
			WriteCachedTokens: we.Usage.CacheCreationInputTokens,
			TotalTokens:       we.Usage.InputTokens + we.Usage.OutputTokens,
		}
	default:
		return nil
	}
}
