package recovery

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/contextgate/testutil"
)

func TestMemoryAttemptStore_OneStrike(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)
	store := NewMemoryAttemptStore(0)

	first, err := store.Begin(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.Begin(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, second)

	// Independent requests never contend.
	other, err := store.Begin(ctx, "req-2")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestMemoryAttemptStore_ClearAllowsRetry(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)
	store := NewMemoryAttemptStore(0)

	_, err := store.Begin(ctx, "req-1")
	require.NoError(t, err)
	require.NoError(t, store.Clear(ctx, "req-1"))

	again, err := store.Begin(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, again)
}

func TestMemoryAttemptStore_TTLExpiry(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	now := time.Now()
	store := NewMemoryAttemptStore(0)
	store.now = func() time.Time { return now }

	_, err := store.Begin(ctx, "req-1")
	require.NoError(t, err)

	now = now.Add(AttemptTTL - time.Second)
	blocked, err := store.Begin(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, blocked)

	now = now.Add(2 * time.Second)
	expired, err := store.Begin(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestRedisAttemptStore(t *testing.T) {
	t.Parallel()
	ctx := testutil.TestContext(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisAttemptStore(client, 0)

	first, err := store.Begin(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.Begin(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, second)

	require.NoError(t, store.Clear(ctx, "req-1"))
	again, err := store.Begin(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, again)

	// TTL releases the block on its own.
	mr.FastForward(AttemptTTL + time.Second)
	expired, err := store.Begin(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, expired)
}
