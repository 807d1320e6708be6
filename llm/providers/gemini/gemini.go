// Package gemini implements the chat function for the Google Gemini API.
// Streaming uses streamGenerateContent with alt=sse so the upstream already
// speaks the event framing the dispatcher decodes.
package gemini

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

// Config holds static connection details for Gemini.
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

// NewCapability builds the capability registered for the gemini provider
// slot.
func NewCapability(cfg Config, logger *zap.Logger) llm.Capability {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &adapter{
		cfg:    cfg,
		client: providers.NewHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "gemini_provider")),
	}
	return llm.Capability{
		Chat:      a.chat,
		Transform: TransformEvent,
		Usage:     UsageFromEvent,
		// usageMetadata repeats the running totals on every chunk.
		CumulativeUsage: true,
	}
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // user, model
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text         string            `json:"text,omitempty"`
	InlineData   *geminiInlineData `json:"inlineData,omitempty"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"functionCall,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
		Index        int           `json:"index"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount        int `json:"promptTokenCount"`
		CandidatesTokenCount    int `json:"candidatesTokenCount"`
		CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
		ThoughtsTokenCount      int `json:"thoughtsTokenCount,omitempty"`
		TotalTokenCount         int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
	ResponseID string `json:"responseId,omitempty"`
}

func (a *adapter) chat(ctx context.Context, ep llm.EndpointProvider, req *llm.Request, sink io.Writer) error {
	baseURL, apiKey := a.cfg.BaseURL, a.cfg.APIKey
	if ep != nil {
		resolved, err := ep.Endpoint(ctx)
		if err != nil {
			return types.NewError(types.ErrProviderUnavailable,
				fmt.Sprintf("resolve endpoint: %v", err)).WithProvider("gemini").WithCause(err)
		}
		if resolved.BaseURL != "" {
			baseURL = resolved.BaseURL
		}
		if resolved.APIKey != "" {
			apiKey = resolved.APIKey
		}
	}

	systemInstruction, contents, err := convertContents(req.Messages)
	if err != nil {
		return err
	}
	body := geminiRequest{
		Contents:          contents,
		Tools:             convertTools(req.Tools),
		SystemInstruction: systemInstruction,
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		body.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	method := "generateContent"
	if req.Stream {
		method = "streamGenerateContent?alt=sse"
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s", strings.TrimRight(baseURL, "/"), req.Model, method)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return types.NewError(types.ErrUpstreamError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).
			WithProvider("gemini").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return providers.MapHTTPError(resp.StatusCode, msg, "gemini")
	}

	if req.Stream {
		return providers.CopySSE(resp.Body, sink)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewError(types.ErrUpstreamError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).
			WithProvider("gemini").WithCause(err)
	}
	if err := providers.WriteEvent(sink, raw); err != nil {
		return err
	}
	return providers.WriteDone(sink)
}

// convertContents maps the neutral message list into Gemini contents. System
// messages fold into a single systemInstruction; the assistant role becomes
// "model". Images travel as inlineData parts; URL references have no inline
// bytes to send and are rejected.
func convertContents(msgs []types.Message) (*geminiContent, []geminiContent, error) {
	var system *geminiContent
	var contents []geminiContent
	for _, m := range msgs {
		imageParts, err := convertImages(m.Images)
		if err != nil {
			return nil, nil, err
		}
		if m.Role == types.RoleSystem {
			if system == nil {
				system = &geminiContent{}
			}
			if m.Content != "" {
				system.Parts = append(system.Parts, geminiPart{Text: m.Content})
			}
			system.Parts = append(system.Parts, imageParts...)
			continue
		}
		role := string(m.Role)
		if role == "assistant" {
			role = "model"
		}
		content := geminiContent{Role: role}
		if m.Content != "" {
			content.Parts = append(content.Parts, geminiPart{Text: m.Content})
		}
		content.Parts = append(content.Parts, imageParts...)
		if len(content.Parts) > 0 {
			contents = append(contents, content)
		}
	}
	return system, contents, nil
}

func convertImages(images []types.ImageSource) ([]geminiPart, error) {
	if len(images) == 0 {
		return nil, nil
	}
	parts := make([]geminiPart, 0, len(images))
	for _, img := range images {
		if img.Type != types.ImageSourceBase64 {
			return nil, types.NewError(types.ErrInvalidRequest,
				"gemini accepts only base64 image data, not URL references").WithProvider("gemini")
		}
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: providers.DetectImageMediaType(img.Data),
			Data:     img.Data,
		}})
	}
	return parts, nil
}

func convertTools(tools []llm.ToolSchema) []geminiTool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]geminiFunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, geminiFunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return []geminiTool{{FunctionDeclarations: decls}}
}

// TransformEvent extracts the displayable chunk from one Gemini event. Both
// streaming chunks and the non-streaming burst carry candidates with full
// content parts.
func TransformEvent(event []byte) (*llm.Chunk, error) {
	var gr geminiResponse
	if err := json.Unmarshal(event, &gr); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if len(gr.Candidates) == 0 {
		return nil, nil
	}
	candidate := gr.Candidates[0]
	chunk := &llm.Chunk{FinishReason: candidate.FinishReason}
	toolIndex := 0
	for _, part := range candidate.Content.Parts {
		chunk.Content += part.Text
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			chunk.ToolCalls = append(chunk.ToolCalls, types.ToolCall{
				ID:        fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, toolIndex),
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
			toolIndex++
		}
	}
	if chunk.Content == "" && len(chunk.ToolCalls) == 0 && chunk.FinishReason == "" {
		return nil, nil
	}
	return chunk, nil
}

// UsageFromEvent extracts token usage from one Gemini event. Gemini reports
// usageMetadata on the final streaming chunk and on every non-streaming
// response.
func UsageFromEvent(event []byte) *types.TokenUsage {
	var gr geminiResponse
	if err := json.Unmarshal(event, &gr); err != nil || gr.UsageMetadata == nil {
		return nil
	}
	return &types.TokenUsage{
		PromptTokens:     gr.UsageMetadata.PromptTokenCount,
		CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
		CachedTokens:     gr.UsageMetadata.CachedContentTokenCount,
		ReasoningTokens:  gr.UsageMetadata.ThoughtsTokenCount,
		TotalTokens:      gr.UsageMetadata.TotalTokenCount,
	}
}
