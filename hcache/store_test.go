package hcache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/contextgate/testutil"
)

var testKey = Key{UserID: "u1", ConversationID: "c1", ModelID: "gpt-4o"}

func TestKeyString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hctx:u1:c1:gpt-4o", testKey.String())
}

func TestEntryValidFor(t *testing.T) {
	t.Parallel()

	e := Entry{HistoricalEndIndex: 12, MessageCount: 30}
	assert.True(t, e.ValidFor(30))
	assert.True(t, e.ValidFor(35))
	// The conversation shrank or was reset; the cutoff is stale.
	assert.False(t, e.ValidFor(29))
	// A negative end index never validates.
	assert.False(t, Entry{HistoricalEndIndex: -1, MessageCount: 10}.ValidFor(20))
}

// storeConformance runs the shared Store contract against any backend.
func storeConformance(t *testing.T, store Store) {
	ctx := testutil.TestContext(t)

	// Miss before write.
	_, ok, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, ok)

	// Write then read back.
	want := Entry{HistoricalEndIndex: 12, MessageCount: 30}
	require.NoError(t, store.Set(ctx, testKey, want))
	got, ok, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	// Overwrite wins.
	next := Entry{HistoricalEndIndex: 18, MessageCount: 44}
	require.NoError(t, store.Set(ctx, testKey, next))
	got, ok, err = store.Get(ctx, testKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, next, got)

	// Keys are independent.
	other := Key{UserID: "u2", ConversationID: "c9", ModelID: "gpt-4o"}
	_, ok, err = store.Get(ctx, other)
	require.NoError(t, err)
	assert.False(t, ok)

	// Delete, including deleting a missing key.
	require.NoError(t, store.Delete(ctx, testKey))
	_, ok, err = store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, store.Delete(ctx, testKey))
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	storeConformance(t, store)
	assert.Equal(t, 0, store.Len())
}

func TestRedisStore(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, DefaultRedisConfig(), nil)

	storeConformance(t, store)
}

func TestRedisStore_TTL(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := DefaultRedisConfig()
	cfg.TTL = time.Minute
	store := NewRedisStoreFromClient(client, cfg, nil)

	require.NoError(t, store.Set(ctx, testKey, Entry{HistoricalEndIndex: 5, MessageCount: 10}))
	mr.FastForward(2 * time.Minute)

	_, ok, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_CorruptEntryIsMiss(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, DefaultRedisConfig(), nil)

	require.NoError(t, mr.Set(testKey.String(), "{not json"))

	_, ok, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, ok)

	// The corrupt value was dropped, not left to fail forever.
	assert.False(t, mr.Exists(testKey.String()))
}

func TestGormStore(t *testing.T) {
	t.Parallel()

	store, err := NewGormStore(GormConfig{Driver: "sqlite", DSN: ":memory:"}, nil)
	require.NoError(t, err)

	storeConformance(t, store)
}

func TestGormStore_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := NewGormStore(GormConfig{Driver: "oracle"}, nil)
	assert.Error(t, err)
}
