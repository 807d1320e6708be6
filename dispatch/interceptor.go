package dispatch

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/contextgate/llm"
	"github.com/BaSui01/contextgate/types"
)

// interceptor sits between a provider chat function and the caller's
// response sink. It decodes the event stream the chat function writes,
// accumulates content, tool calls and usage, and forwards transformed
// content deltas to the sink. Meta events pass through untransformed.
type interceptor struct {
	dec        Decoder
	state      *RequestState
	transform  llm.ResponseTransformer
	usageFn    llm.UsageTransformer
	cumulative bool
	sink       io.Writer // nil for buffered (non-streaming) calls
	logger     *zap.Logger

	content      strings.Builder
	toolCalls    []types.ToolCall
	finishReason string
	usage        types.TokenUsage
	sawDone      bool
}

func newInterceptor(state *RequestState, capability llm.Capability, sink io.Writer, logger *zap.Logger) *interceptor {
	return &interceptor{
		state:      state,
		transform:  capability.Transform,
		usageFn:    capability.Usage,
		cumulative: capability.CumulativeUsage,
		sink:       sink,
		logger:     logger,
	}
}

// Write implements io.Writer for the chat function. Returning an error here
// aborts the provider call cooperatively.
func (ic *interceptor) Write(p []byte) (int, error) {
	if ic.state.Cancelled() {
		return 0, types.NewError(types.ErrRequestCancelled,
			fmt.Sprintf("request %s cancelled", ic.state.ID))
	}
	for _, ev := range ic.dec.Feed(p) {
		if err := ic.handle(ev); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// finish flushes any partial trailing line. A well-formed stream ends on an
// event boundary, so this is normally a no-op.
func (ic *interceptor) finish() error {
	for _, ev := range ic.dec.Flush() {
		if err := ic.handle(ev); err != nil {
			return err
		}
	}
	return nil
}

func (ic *interceptor) handle(ev Event) error {
	if ev.Done {
		ic.sawDone = true
		return ic.forwardDone()
	}
	if ev.Meta {
		// Gateway-internal events bypass the provider transformer.
		return ic.forwardRaw(ev.Data)
	}

	if ic.usageFn != nil {
		if u := ic.usageFn(ev.Data); u != nil {
			if ic.cumulative {
				delta := usageDelta(*u, ic.usage)
				ic.usage = *u
				ic.state.AddUsage(delta)
			} else {
				ic.usage.Add(*u)
				ic.state.AddUsage(*u)
			}
		}
	}

	if ic.transform == nil {
		return nil
	}
	chunk, err := ic.transform(ev.Data)
	if err != nil {
		// One malformed event does not invalidate the stream.
		ic.logger.Warn("dropping malformed provider event", zap.Error(err))
		return nil
	}
	if chunk == nil {
		return nil
	}

	ic.content.WriteString(chunk.Content)
	ic.mergeToolCalls(chunk.ToolCalls)
	if chunk.FinishReason != "" {
		ic.finishReason = chunk.FinishReason
	}
	return ic.forwardChunk(chunk)
}

// usageDelta returns the element-wise growth from prev to cur, floored at
// zero in case a provider ever reports a smaller running total.
func usageDelta(cur, prev types.TokenUsage) types.TokenUsage {
	sub := func(a, b int) int {
		if a < b {
			return 0
		}
		return a - b
	}
	return types.TokenUsage{
		PromptTokens:      sub(cur.PromptTokens, prev.PromptTokens),
		CompletionTokens:  sub(cur.CompletionTokens, prev.CompletionTokens),
		CachedTokens:      sub(cur.CachedTokens, prev.CachedTokens),
		WriteCachedTokens: sub(cur.WriteCachedTokens, prev.WriteCachedTokens),
		ReasoningTokens:   sub(cur.ReasoningTokens, prev.ReasoningTokens),
		TotalTokens:       sub(cur.TotalTokens, prev.TotalTokens),
	}
}

// mergeToolCalls appends new tool calls and stitches argument fragments
// (empty ID) onto the call they continue.
func (ic *interceptor) mergeToolCalls(calls []types.ToolCall) {
	for _, tc := range calls {
		if tc.ID == "" && tc.Name == "" && len(ic.toolCalls) > 0 {
			last := &ic.toolCalls[len(ic.toolCalls)-1]
			last.Arguments = append(last.Arguments, tc.Arguments...)
			continue
		}
		ic.toolCalls = append(ic.toolCalls, tc)
	}
}

func (ic *interceptor) forwardChunk(chunk *llm.Chunk) error {
	if ic.sink == nil {
		return nil
	}
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(ic.sink, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write to response sink: %w", err)
	}
	return nil
}

func (ic *interceptor) forwardRaw(data []byte) error {
	if ic.sink == nil {
		return nil
	}
	if _, err := fmt.Fprintf(ic.sink, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write to response sink: %w", err)
	}
	return nil
}

func (ic *interceptor) forwardDone() error {
	if ic.sink == nil {
		return nil
	}
	if _, err := io.WriteString(ic.sink, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("write to response sink: %w", err)
	}
	return nil
}

// result assembles the accumulated outcome.
func (ic *interceptor) result() *llm.Result {
	return &llm.Result{
		Content:   ic.content.String(),
		ToolCalls: ic.toolCalls,
		Usage:     ic.usage,
	}
}
