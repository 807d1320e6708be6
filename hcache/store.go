package hcache

import (
	"context"
	"fmt"
)

// Key addresses one cached cutoff.
type Key struct {
	UserID         string
	ConversationID string
	ModelID        string
}

// String renders the key in the canonical "user:conversation:model" form
// used by the key-value backends.
func (k Key) String() string {
	return fmt.Sprintf("hctx:%s:%s:%s", k.UserID, k.ConversationID, k.ModelID)
}

// Entry is the cached cutoff: the index of the last message that was
// treated as historical, and how many messages the conversation had when
// the entry was written.
type Entry struct {
	HistoricalEndIndex int `json:"historical_end_index"`
	MessageCount       int `json:"message_count"`
}

// ValidFor reports whether the entry may be used as a proactive-extraction
// hint for a conversation that currently has currentCount messages. An
// entry written against a longer conversation means the conversation shrank
// or was reset, so it must be ignored.
func (e Entry) ValidFor(currentCount int) bool {
	return currentCount >= e.MessageCount && e.HistoricalEndIndex >= 0
}

// Store is the cutoff cache contract. Implementations must tolerate
// concurrent access from independent requests; entries are independent and
// last-writer-wins is sufficient. All failures must be treated by callers
// as cache misses, never as request failures.
type Store interface {
	// Get returns the entry for the key, or ok=false on a miss.
	Get(ctx context.Context, key Key) (Entry, bool, error)

	// Set writes the entry for the key, overwriting any previous value.
	Set(ctx context.Context, key Key, entry Entry) error

	// Delete removes the entry for the key. Missing keys are not an error.
	Delete(ctx context.Context, key Key) error
}
