// Package testutil provides shared helpers for gateway tests: scripted
// provider chat functions, SSE frame builders, and in-memory collaborator
// fakes.
package testutil

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/contextgate/llm"
	"github.com/BaSui01/contextgate/types"
)

// TestContext returns a context cancelled when the test ends.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// SSEFrame renders one "data: {payload}\n\n" frame.
func SSEFrame(payload string) string {
	return fmt.Sprintf("data: %s\n\n", payload)
}

// SSEScript joins payloads into a framed stream terminated by [DONE].
func SSEScript(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString(SSEFrame(p))
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

// ScriptedChat returns a chat function that writes the given pre-framed
// stream to the sink and records every request it receives.
type ScriptedChat struct {
	mu       sync.Mutex
	script   string
	err      error
	Requests []*llm.Request
}

// NewScriptedChat builds a scripted chat function that streams script.
func NewScriptedChat(script string) *ScriptedChat {
	return &ScriptedChat{script: script}
}

// NewFailingChat builds a chat function that always fails with err.
func NewFailingChat(err error) *ScriptedChat {
	return &ScriptedChat{err: err}
}

// SetScript replaces the scripted stream for subsequent calls.
func (s *ScriptedChat) SetScript(script string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = script
	s.err = nil
}

// SetError makes subsequent calls fail with err.
func (s *ScriptedChat) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns how many times the chat function ran.
func (s *ScriptedChat) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}

// LastRequest returns the most recent request, or nil.
func (s *ScriptedChat) LastRequest() *llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Requests) == 0 {
		return nil
	}
	return s.Requests[len(s.Requests)-1]
}

// Fn returns the llm.ChatFunction view of the script.
func (s *ScriptedChat) Fn() llm.ChatFunction {
	return func(ctx context.Context, ep llm.EndpointProvider, req *llm.Request, sink io.Writer) error {
		s.mu.Lock()
		s.Requests = append(s.Requests, req)
		script, err := s.script, s.err
		s.mu.Unlock()
		if err != nil {
			return err
		}
		_, werr := io.WriteString(sink, script)
		return werr
	}
}

// ScriptedLLMCall fakes the extraction model: it returns content for every
// call, or err when set, and records the prompts it saw.
type ScriptedLLMCall struct {
	mu      sync.Mutex
	content string
	err     error
	Prompts []string
	Models  []string
}

// NewScriptedLLMCall builds an extraction-call fake returning content.
func NewScriptedLLMCall(content string) *ScriptedLLMCall {
	return &ScriptedLLMCall{content: content}
}

// NewFailingLLMCall builds an extraction-call fake that always fails.
func NewFailingLLMCall(err error) *ScriptedLLMCall {
	return &ScriptedLLMCall{err: err}
}

// Calls returns how many extraction calls ran.
func (s *ScriptedLLMCall) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Prompts)
}

// Fn returns the recovery.LLMCall-compatible view of the fake.
func (s *ScriptedLLMCall) Fn() func(ctx context.Context, model types.ModelDescriptor, req *llm.Request) (*llm.Result, error) {
	return func(ctx context.Context, model types.ModelDescriptor, req *llm.Request) (*llm.Result, error) {
		s.mu.Lock()
		prompt := ""
		if len(req.Messages) > 0 {
			prompt = req.Messages[len(req.Messages)-1].Content
		}
		s.Prompts = append(s.Prompts, prompt)
		s.Models = append(s.Models, model.ID)
		content, err := s.content, s.err
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return &llm.Result{Content: content}, nil
	}
}

// RecordedUsage is one usage-recorder invocation.
type RecordedUsage struct {
	Account   types.Account
	RequestID string
	Model     string
	Usage     types.TokenUsage
}

// CapturingRecorder collects recorded usage for assertions.
type CapturingRecorder struct {
	mu      sync.Mutex
	Records []RecordedUsage
	Err     error
}

func (r *CapturingRecorder) RecordUsage(_ context.Context, account types.Account, requestID, model string, usage types.TokenUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Records = append(r.Records, RecordedUsage{
		Account: account, RequestID: requestID, Model: model, Usage: usage,
	})
	return nil
}

// Count returns how many usage records were captured.
func (r *CapturingRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Records)
}

// Conversation builds an alternating user/assistant conversation of n
// messages, optionally after a system prompt.
func Conversation(system string, n int) []types.Message {
	var msgs []types.Message
	if system != "" {
		msgs = append(msgs, types.NewSystemMessage(system))
	}
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			msgs = append(msgs, types.NewUserMessage(fmt.Sprintf("user message %d", i)))
		} else {
			msgs = append(msgs, types.NewAssistantMessage(fmt.Sprintf("assistant message %d", i)))
		}
	}
	return msgs
}
