package contextgate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/contextgate/config"
	"github.com/BaSui01/contextgate/hcache"
	"github.com/BaSui01/contextgate/types"
)

func TestNewGatewayFromDefaults(t *testing.T) {
	cfg := config.DefaultConfig()

	gw, err := New(cfg,
		WithLogger(zaptest.NewLogger(t)),
		WithCacheStore(hcache.NewMemoryStore()),
	)
	require.NoError(t, err)
	defer gw.Close(context.Background())

	// All four provider slots are registered.
	for _, p := range []types.Provider{
		types.ProviderOpenAI, types.ProviderAzure,
		types.ProviderGemini, types.ProviderBedrock,
	} {
		_, err := gw.Providers.Resolve(p)
		assert.NoError(t, err, p)
	}

	// Default models resolve with filled-in context windows.
	m, err := gw.Models.Get("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, types.ProviderOpenAI, m.Provider)
	assert.Positive(t, m.InputContextWindow)

	// The extractor routes summarization to the cheapest registered model.
	cheapest, ok := gw.Models.Cheapest()
	require.True(t, ok)
	assert.LessOrEqual(t, cheapest.CostTier, m.CostTier)
}

func TestNewGatewayBadLogLevelStillBuilds(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "chatty" // unknown levels fall back to the zap default

	gw, err := New(cfg, WithCacheStore(hcache.NewMemoryStore()))
	require.NoError(t, err)
	require.NoError(t, gw.Close(context.Background()))
}

func TestNewGatewayTwiceInOneProcess(t *testing.T) {
	// Metrics collectors live in a per-gateway registry, so assembling a
	// second gateway must not collide with the first one's registrations.
	first, err := New(config.DefaultConfig(),
		WithLogger(zaptest.NewLogger(t)),
		WithCacheStore(hcache.NewMemoryStore()),
	)
	require.NoError(t, err)
	defer first.Close(context.Background())

	second, err := New(config.DefaultConfig(),
		WithLogger(zaptest.NewLogger(t)),
		WithCacheStore(hcache.NewMemoryStore()),
	)
	require.NoError(t, err)
	defer second.Close(context.Background())

	require.NotNil(t, first.MetricsRegistry)
	require.NotNil(t, second.MetricsRegistry)
	assert.NotSame(t, first.MetricsRegistry, second.MetricsRegistry)

	// Both registries gather independently.
	_, err = first.MetricsRegistry.Gather()
	assert.NoError(t, err)
	_, err = second.MetricsRegistry.Gather()
	assert.NoError(t, err)
}

func TestCloseIsSafeWithMemoryCache(t *testing.T) {
	gw, err := New(config.DefaultConfig(),
		WithLogger(zaptest.NewLogger(t)),
		WithCacheStore(hcache.NewMemoryStore()),
	)
	require.NoError(t, err)
	assert.NoError(t, gw.Close(context.Background()))
}
