package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/contextgate/hcache"
	"github.com/BaSui01/contextgate/llm"
	"github.com/BaSui01/contextgate/overflow"
	"github.com/BaSui01/contextgate/recovery"
	"github.com/BaSui01/contextgate/testutil"
	"github.com/BaSui01/contextgate/types"
)

// recordingSink is a concurrency-safe sink that splits what it received
// back into SSE frames.
type recordingSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *recordingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *recordingSink) frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var frames []string
	for _, f := range strings.Split(s.buf.String(), "\n\n") {
		f = strings.TrimSpace(f)
		if f != "" {
			frames = append(frames, strings.TrimSpace(strings.TrimPrefix(f, "data:")))
		}
	}
	return frames
}

// testEvent is the provider-native event format the test capability speaks.
type testEvent struct {
	Delta  string            `json:"delta,omitempty"`
	Finish string            `json:"finish,omitempty"`
	Usage  *types.TokenUsage `json:"usage,omitempty"`
}

func testTransform(event []byte) (*llm.Chunk, error) {
	var ev testEvent
	if err := json.Unmarshal(event, &ev); err != nil {
		return nil, err
	}
	if ev.Delta == "" && ev.Finish == "" {
		return nil, nil
	}
	return &llm.Chunk{Content: ev.Delta, FinishReason: ev.Finish}, nil
}

func testUsage(event []byte) *types.TokenUsage {
	var ev testEvent
	if err := json.Unmarshal(event, &ev); err != nil {
		return nil
	}
	return ev.Usage
}

func testCapability(chat llm.ChatFunction) llm.Capability {
	return llm.Capability{Chat: chat, Transform: testTransform, Usage: testUsage}
}

const testModelID = "test-chat-small"

func newTestDeps(t *testing.T, chat llm.ChatFunction) Deps {
	t.Helper()

	models := types.NewModelRegistry()
	require.NoError(t, models.Register(types.ModelDescriptor{
		ID:                 testModelID,
		Provider:           types.ProviderOpenAI,
		InputContextWindow: 200,
		OutputTokenLimit:   100,
	}, "openai"))

	providers := llm.NewRegistry()
	providers.Register(types.ProviderOpenAI, testCapability(chat))

	return Deps{Providers: providers, Models: models}
}

func scriptedUsageStream() string {
	return testutil.SSEScript(
		`{"delta":"Hello"}`,
		`{"delta":" world"}`,
		`{"finish":"stop","usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
	)
}

func TestDispatcher_Call_Buffered(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	chat := testutil.NewScriptedChat(scriptedUsageStream())
	recorder := &testutil.CapturingRecorder{}
	deps := newTestDeps(t, chat.Fn())
	deps.Recorder = recorder
	d := NewDispatcher(deps, nil)

	result, err := d.Call(ctx, &CallParams{
		Account:  types.Account{UserID: "u1", ConversationID: "c1"},
		Model:    testModelID,
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello world", result.Content)
	assert.Equal(t, types.TokenUsage{
		PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15,
	}, result.Usage)

	require.Equal(t, 1, recorder.Count())
	rec := recorder.Records[0]
	assert.Equal(t, testModelID, rec.Model)
	assert.NotEmpty(t, rec.RequestID)
	assert.Equal(t, "u1", rec.Account.UserID)
	assert.Equal(t, 15, rec.Usage.TotalTokens)
}

func TestDispatcher_Call_StreamingForwardsChunks(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	chat := testutil.NewScriptedChat(scriptedUsageStream())
	d := NewDispatcher(newTestDeps(t, chat.Fn()), nil)

	var sink recordingSink
	result, err := d.Call(ctx, &CallParams{
		Model:    testModelID,
		Messages: []types.Message{types.NewUserMessage("hi")},
		Sink:     &sink,
		Stream:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", result.Content)

	frames := sink.frames()
	require.NotEmpty(t, frames)
	assert.Contains(t, frames[0], `"content":"Hello"`)
	assert.Contains(t, frames[1], `"content":" world"`)
	assert.Equal(t, "[DONE]", frames[len(frames)-1])

	// The chat function saw a streaming request.
	assert.True(t, chat.LastRequest().Stream)
}

func TestDispatcher_Call_UnknownModel(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	chat := testutil.NewScriptedChat(scriptedUsageStream())
	d := NewDispatcher(newTestDeps(t, chat.Fn()), nil)

	var sink recordingSink
	_, err := d.Call(ctx, &CallParams{
		Model:    "no-such-model",
		Messages: []types.Message{types.NewUserMessage("hi")},
		Sink:     &sink,
	})
	require.Error(t, err)
	assert.Zero(t, chat.Calls())

	// The stream is closed out with a terminal error event.
	frames := sink.frames()
	require.Len(t, frames, 2)
	assert.Contains(t, frames[0], `"cg_event":"error"`)
	assert.Equal(t, "[DONE]", frames[1])
}

func TestDispatcher_Call_UnknownProvider(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	models := types.NewModelRegistry()
	require.NoError(t, models.Register(types.ModelDescriptor{
		ID: "orphan", Provider: types.ProviderGemini,
	}, "gemini"))
	d := NewDispatcher(Deps{Providers: llm.NewRegistry(), Models: models}, nil)

	_, err := d.Call(ctx, &CallParams{Model: "orphan",
		Messages: []types.Message{types.NewUserMessage("hi")}})
	require.Error(t, err)
	assert.Equal(t, types.ErrProviderNotFound, types.GetErrorCode(err))
}

func TestDispatcher_Call_MissingEndpointProvider(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	chat := testutil.NewScriptedChat(scriptedUsageStream())
	deps := newTestDeps(t, chat.Fn())
	capability := testCapability(chat.Fn())
	capability.NeedsEndpoint = true
	deps.Providers.Register(types.ProviderOpenAI, capability)
	d := NewDispatcher(deps, nil)

	_, err := d.Call(ctx, &CallParams{Model: testModelID,
		Messages: []types.Message{types.NewUserMessage("hi")}})
	require.Error(t, err)
	assert.Equal(t, types.ErrProviderUnavailable, types.GetErrorCode(err))
	assert.Zero(t, chat.Calls())
}

func TestDispatcher_Call_ProviderErrorWithoutRecovery(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	chat := testutil.NewFailingChat(errors.New("upstream exploded"))
	d := NewDispatcher(newTestDeps(t, chat.Fn()), nil)

	var sink recordingSink
	_, err := d.Call(ctx, &CallParams{Model: testModelID,
		Messages: []types.Message{types.NewUserMessage("hi")},
		Sink:     &sink,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream exploded")

	frames := sink.frames()
	require.Len(t, frames, 2)
	assert.Contains(t, frames[0], `"cg_event":"error"`)
	assert.Contains(t, frames[0], "upstream exploded")
	assert.Equal(t, "[DONE]", frames[1])
}

func TestDispatcher_Call_ArtifactsPromptInjected(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	chat := testutil.NewScriptedChat(scriptedUsageStream())
	deps := newTestDeps(t, chat.Fn())
	deps.Settings = DefaultSettings()
	deps.Settings.ArtifactsPrompt = "render artifacts as fenced blocks"
	d := NewDispatcher(deps, nil)

	original := []types.Message{
		types.NewSystemMessage("be helpful"),
		types.NewUserMessage("hi"),
	}
	_, err := d.Call(ctx, &CallParams{Model: testModelID, Messages: original})
	require.NoError(t, err)

	sent := chat.LastRequest().Messages
	require.Len(t, sent, 3)
	assert.Equal(t, "be helpful", sent[0].Content)
	assert.Equal(t, "render artifacts as fenced blocks", sent[1].Content)
	assert.Equal(t, types.RoleSystem, sent[1].Role)
	assert.Equal(t, "hi", sent[2].Content)

	// The caller's slice is untouched.
	assert.Len(t, original, 2)
}

func TestDispatcher_Call_AnalysisEnqueued(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	got := make(chan Analysis, 1)
	chat := testutil.NewScriptedChat(scriptedUsageStream())
	deps := newTestDeps(t, chat.Fn())
	deps.Analysis = NewAnalysisQueue(4, func(_ context.Context, a Analysis) {
		got <- a
	}, nil)
	d := NewDispatcher(deps, nil)
	defer d.Close()

	_, err := d.Call(ctx, &CallParams{
		Account:  types.Account{UserID: "u1"},
		Model:    testModelID,
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	d.Close() // drain
	a := <-got
	assert.Equal(t, "Hello world", a.FinalAnswer)
	assert.Equal(t, "u1", a.Account.UserID)
}

// flakyChat fails the first n calls with err, then delegates to script.
type flakyChat struct {
	mu       sync.Mutex
	failures int
	err      error
	script   string
	Requests []*llm.Request
}

func (f *flakyChat) fn() llm.ChatFunction {
	return func(_ context.Context, _ llm.EndpointProvider, req *llm.Request, sink io.Writer) error {
		f.mu.Lock()
		f.Requests = append(f.Requests, req)
		fail := f.failures > 0
		if fail {
			f.failures--
		}
		f.mu.Unlock()
		if fail {
			return f.err
		}
		_, err := io.WriteString(sink, f.script)
		return err
	}
}

func recoveryDeps(t *testing.T, chat llm.ChatFunction, extraction *testutil.ScriptedLLMCall) Deps {
	t.Helper()
	deps := newTestDeps(t, chat)
	extractor := recovery.NewExtractor(deps.Models, nil, extraction.Fn(),
		recovery.DefaultExtractorConfig(), nil)
	deps.Extractor = extractor
	deps.Orchestrator = recovery.NewOrchestrator(recovery.NewMemoryAttemptStore(0),
		extractor, overflow.DefaultBudgetOptions(), nil)
	return deps
}

func TestDispatcher_Call_OverflowRecovery(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	chat := &flakyChat{
		failures: 1,
		err:      errors.New("context length exceeded"),
		script:   scriptedUsageStream(),
	}
	extraction := testutil.NewScriptedLLMCall("earlier the user reported a kernel panic")
	d := NewDispatcher(recoveryDeps(t, chat.fn(), extraction), nil)

	msgs := make([]types.Message, 10)
	for i := range msgs {
		msgs[i] = types.NewUserMessage(strings.Repeat("w", 200))
	}

	var sink recordingSink
	result, err := d.Call(ctx, &CallParams{
		Account:   types.Account{UserID: "u1", ConversationID: "c1"},
		Model:     testModelID,
		Messages:  msgs,
		MaxTokens: 50,
		Sink:      &sink,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", result.Content)

	// First call overflowed, the retry carried the compacted list.
	require.Len(t, chat.Requests, 2)
	retried := chat.Requests[1]
	assert.Less(t, len(retried.Messages), len(msgs))
	assert.Contains(t, retried.Messages[0].Content, "kernel panic")
	assert.True(t, retried.Options.DisableReasoning)
	assert.True(t, retried.Options.AlreadyFiltered)

	// The sink saw a status event during recovery and a clean stream end.
	joined := strings.Join(sink.frames(), "\n")
	assert.Contains(t, joined, `"cg_event":"status"`)
	assert.Contains(t, joined, `"content":"Hello"`)
	assert.Equal(t, "[DONE]", sink.frames()[len(sink.frames())-1])
}

func TestDispatcher_Call_OverflowUnrecoverableSurfacesError(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	chat := testutil.NewFailingChat(errors.New("context length exceeded"))
	extraction := testutil.NewScriptedLLMCall("summary")
	d := NewDispatcher(recoveryDeps(t, chat.Fn(), extraction), nil)

	// Short conversation: nothing historical to extract.
	_, err := d.Call(ctx, &CallParams{
		Model:     testModelID,
		Messages:  []types.Message{types.NewUserMessage("hi")},
		MaxTokens: 50,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrNoRecoveryPossible, types.GetErrorCode(err))
}

func TestDispatcher_ProactiveExtraction(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	chat := testutil.NewScriptedChat(scriptedUsageStream())
	extraction := testutil.NewScriptedLLMCall("the user is migrating to postgres")
	deps := recoveryDeps(t, chat.Fn(), extraction)
	deps.Cache = hcache.NewMemoryStore()

	account := types.Account{UserID: "u1", ConversationID: "c1"}
	require.NoError(t, deps.Cache.Set(ctx, hcache.Key{
		UserID: "u1", ConversationID: "c1", ModelID: testModelID,
	}, hcache.Entry{HistoricalEndIndex: 12, MessageCount: 30}))

	d := NewDispatcher(deps, nil)

	msgs := testutil.Conversation("", 32)
	var sink recordingSink
	_, err := d.Call(ctx, &CallParams{
		Account:  account,
		Model:    testModelID,
		Messages: msgs,
		Sink:     &sink,
	})
	require.NoError(t, err)

	// Messages 0..12 were replaced by one synthetic history message.
	sent := chat.LastRequest().Messages
	require.Len(t, sent, 20)
	assert.Contains(t, sent[0].Content, "migrating to postgres")
	assert.Equal(t, msgs[13], sent[1])
	assert.True(t, chat.LastRequest().Options.AlreadyFiltered)

	// Extraction asked about the latest user turn.
	require.Equal(t, 1, extraction.Calls())
	assert.Contains(t, extraction.Prompts[0], msgs[31].Content)

	joined := strings.Join(sink.frames(), "\n")
	assert.Contains(t, joined, `"cg_event":"status"`)
	assert.Contains(t, joined, `"cg_event":"status_clear"`)
}

func TestDispatcher_PrimesCutoffFromUsage(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	// The provider accepts the call but reports a prompt far beyond the
	// model's 200-token window: a silent truncation.
	chat := testutil.NewScriptedChat(testutil.SSEScript(
		`{"delta":"ok"}`,
		`{"finish":"stop","usage":{"prompt_tokens":500,"completion_tokens":5,"total_tokens":505}}`,
	))
	deps := newTestDeps(t, chat.Fn())
	deps.Cache = hcache.NewMemoryStore()
	d := NewDispatcher(deps, nil)

	account := types.Account{UserID: "u1", ConversationID: "c1"}
	msgs := testutil.Conversation("", 30)
	_, err := d.Call(ctx, &CallParams{
		Account:  account,
		Model:    testModelID,
		Messages: msgs,
	})
	require.NoError(t, err)

	// The cutoff cache now holds a valid entry for the next turn.
	entry, ok, err := deps.Cache.Get(ctx, hcache.Key{
		UserID: "u1", ConversationID: "c1", ModelID: testModelID,
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.ValidFor(len(msgs)))
	assert.Equal(t, len(msgs), entry.MessageCount)
	assert.GreaterOrEqual(t, entry.HistoricalEndIndex, 0)
	assert.Less(t, entry.HistoricalEndIndex, len(msgs)-1)
}

func TestDispatcher_PrimeCutoffSkippedWithinWindow(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	chat := testutil.NewScriptedChat(scriptedUsageStream())
	deps := newTestDeps(t, chat.Fn())
	deps.Cache = hcache.NewMemoryStore()
	d := NewDispatcher(deps, nil)

	_, err := d.Call(ctx, &CallParams{
		Account:  types.Account{UserID: "u1", ConversationID: "c1"},
		Model:    testModelID,
		Messages: testutil.Conversation("", 30),
	})
	require.NoError(t, err)

	// 10 prompt tokens fit the window; nothing is cached.
	_, ok, err := deps.Cache.Get(ctx, hcache.Key{
		UserID: "u1", ConversationID: "c1", ModelID: testModelID,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDispatcher_ProactiveSkipped(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	tests := []struct {
		name  string
		setup func(deps *Deps, p *CallParams)
	}{
		{"below threshold", func(deps *Deps, p *CallParams) {
			p.Messages = testutil.Conversation("", 10)
		}},
		{"no cache entry", func(deps *Deps, p *CallParams) {
			p.Account.ConversationID = "never-seen"
		}},
		{"stale entry", func(deps *Deps, p *CallParams) {
			// Entry written against a longer conversation.
			require.NoError(t, deps.Cache.Set(ctx, hcache.Key{
				UserID: "u1", ConversationID: "c1", ModelID: testModelID,
			}, hcache.Entry{HistoricalEndIndex: 12, MessageCount: 100}))
		}},
		{"already filtered", func(deps *Deps, p *CallParams) {
			p.Options.AlreadyFiltered = true
		}},
		{"historical context disabled", func(deps *Deps, p *CallParams) {
			p.Options.SkipHistoricalContext = true
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := testutil.NewScriptedChat(scriptedUsageStream())
			extraction := testutil.NewScriptedLLMCall("summary")
			deps := recoveryDeps(t, chat.Fn(), extraction)
			deps.Cache = hcache.NewMemoryStore()
			require.NoError(t, deps.Cache.Set(ctx, hcache.Key{
				UserID: "u1", ConversationID: "c1", ModelID: testModelID,
			}, hcache.Entry{HistoricalEndIndex: 12, MessageCount: 30}))

			p := &CallParams{
				Account:  types.Account{UserID: "u1", ConversationID: "c1"},
				Model:    testModelID,
				Messages: testutil.Conversation("", 32),
			}
			tt.setup(&deps, p)

			d := NewDispatcher(deps, nil)
			_, err := d.Call(ctx, p)
			require.NoError(t, err)

			// The original list went out untouched.
			assert.Zero(t, extraction.Calls())
			assert.Len(t, chat.LastRequest().Messages, len(p.Messages))
		})
	}
}

func TestDispatcher_CancelUnknownRequest(t *testing.T) {
	t.Parallel()

	chat := testutil.NewScriptedChat(scriptedUsageStream())
	d := NewDispatcher(newTestDeps(t, chat.Fn()), nil)

	assert.False(t, d.Cancel("no-such-request"))
	assert.False(t, d.IsCancelled("no-such-request"))
}
