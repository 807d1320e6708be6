package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/contextgate/types"
)

func TestStateStore_Lifecycle(t *testing.T) {
	t.Parallel()

	store := NewStateStore()
	account := types.Account{UserID: "u1", ConversationID: "c1"}

	state := store.Begin("req-1", account, "gpt-4o")
	assert.Equal(t, "req-1", state.ID)
	assert.Equal(t, account, state.Account)

	got, ok := store.Get("req-1")
	require.True(t, ok)
	assert.Same(t, state, got)

	store.End("req-1")
	_, ok = store.Get("req-1")
	assert.False(t, ok)

	// Ending twice is harmless.
	store.End("req-1")
}

func TestStateStore_Cancel(t *testing.T) {
	t.Parallel()

	store := NewStateStore()
	store.Begin("req-1", types.Account{}, "gpt-4o")

	assert.False(t, store.IsCancelled("req-1"))
	assert.True(t, store.Cancel("req-1"))
	assert.True(t, store.IsCancelled("req-1"))

	// Unknown requests are reported, not invented.
	assert.False(t, store.Cancel("req-404"))
	assert.False(t, store.IsCancelled("req-404"))
}

func TestRequestState_UsageAccumulates(t *testing.T) {
	t.Parallel()

	state := &RequestState{ID: "req-1"}
	state.AddUsage(types.TokenUsage{PromptTokens: 10, CompletionTokens: 2})
	state.AddUsage(types.TokenUsage{CompletionTokens: 3, TotalTokens: 15})

	assert.Equal(t, types.TokenUsage{
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
	}, state.Usage())
}
