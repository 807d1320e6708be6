// Package contextgate assembles the LLM gateway from configuration: the
// model and provider registries, the cutoff cache, the recovery pipeline
// and the unified dispatcher.
//
// Usage:
//
//	cfg := config.MustLoad("config.yaml")
//	gw, err := contextgate.New(cfg)
//	if err != nil { ... }
//	defer gw.Close(context.Background())
//	result, err := gw.Dispatcher.Call(ctx, &dispatch.CallParams{...})
package contextgate

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/contextgate/config"
	"github.com/BaSui01/contextgate/dispatch"
	"github.com/BaSui01/contextgate/hcache"
	"github.com/BaSui01/contextgate/internal/metrics"
	"github.com/BaSui01/contextgate/internal/telemetry"
	"github.com/BaSui01/contextgate/llm"
	"github.com/BaSui01/contextgate/llm/providers/bedrock"
	"github.com/BaSui01/contextgate/llm/providers/gemini"
	"github.com/BaSui01/contextgate/llm/providers/openai"
	"github.com/BaSui01/contextgate/llm/tokenizer"
	"github.com/BaSui01/contextgate/overflow"
	"github.com/BaSui01/contextgate/recovery"
	"github.com/BaSui01/contextgate/types"
)

// Gateway is the assembled system.
type Gateway struct {
	Dispatcher *dispatch.Dispatcher
	Models     *types.ModelRegistry
	Providers  *llm.Registry

	// MetricsRegistry holds this gateway's Prometheus collectors. Mount it
	// on an HTTP handler to expose them.
	MetricsRegistry *prometheus.Registry

	cache     hcache.Store
	telemetry *telemetry.Providers
	logger    *zap.Logger
}

// Option customizes gateway assembly.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	recorder  dispatch.UsageRecorder
	analysis  dispatch.AnalysisFunc
	cache     hcache.Store
	endpoints map[types.Provider]llm.EndpointProvider
}

// WithLogger supplies a pre-built logger instead of one derived from the
// log config.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithUsageRecorder wires the accounting collaborator.
func WithUsageRecorder(r dispatch.UsageRecorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithAnalysisFunc wires the fire-and-forget conversation analysis consumer.
func WithAnalysisFunc(fn dispatch.AnalysisFunc) Option {
	return func(o *options) { o.analysis = fn }
}

// WithCacheStore overrides the config-selected cutoff cache backend.
func WithCacheStore(s hcache.Store) Option {
	return func(o *options) { o.cache = s }
}

// WithEndpointProvider wires per-call credential resolution for a provider
// whose capability needs it (azure, bedrock).
func WithEndpointProvider(p types.Provider, ep llm.EndpointProvider) Option {
	return func(o *options) {
		if o.endpoints == nil {
			o.endpoints = make(map[types.Provider]llm.EndpointProvider)
		}
		o.endpoints[p] = ep
	}
}

// New assembles a gateway from configuration.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = buildLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
	}

	tel, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	tokenizer.RegisterOpenAITokenizers()

	models := types.NewModelRegistry()
	registerDefaultModels(models)

	caps := llm.NewRegistry()
	caps.Register(types.ProviderOpenAI, openai.NewCapability(openai.Config{
		APIKey:  cfg.Providers.OpenAI.APIKey,
		BaseURL: cfg.Providers.OpenAI.BaseURL,
		Timeout: cfg.Providers.OpenAI.Timeout,
	}, logger))
	caps.Register(types.ProviderAzure, openai.NewCapability(openai.Config{
		APIKey:     cfg.Providers.Azure.APIKey,
		BaseURL:    cfg.Providers.Azure.BaseURL,
		Azure:      true,
		APIVersion: cfg.Providers.Azure.APIVersion,
		Timeout:    cfg.Providers.Azure.Timeout,
	}, logger))
	caps.Register(types.ProviderGemini, gemini.NewCapability(gemini.Config{
		APIKey:  cfg.Providers.Gemini.APIKey,
		BaseURL: cfg.Providers.Gemini.BaseURL,
		Timeout: cfg.Providers.Gemini.Timeout,
	}, logger))
	caps.Register(types.ProviderBedrock, bedrock.NewCapability(bedrock.Config{
		APIKey:  cfg.Providers.Bedrock.APIKey,
		BaseURL: cfg.Providers.Bedrock.BaseURL,
		Timeout: cfg.Providers.Bedrock.Timeout,
	}, logger))

	cache := o.cache
	if cache == nil {
		cache, err = buildCacheStore(cfg.Cache, logger)
		if err != nil {
			return nil, fmt.Errorf("build cache store: %w", err)
		}
	}

	extractorCfg := recovery.ExtractorConfig{
		CharsPerToken:           cfg.Recovery.CharsPerToken,
		WindowUtilization:       0.70,
		OversizedShare:          cfg.Recovery.OversizedThresholdRatio,
		MaxOversized:            cfg.Recovery.MaxParallelExtractions,
		TruncationFallbackChars: cfg.Recovery.TruncationFallbackChars,
	}
	extractor := recovery.NewExtractor(models, cache,
		extractionCall(caps, o.endpoints), extractorCfg, logger)

	budgetOpts := overflow.BudgetOptions{
		SafetyMarginRatio: cfg.Recovery.SafetyMarginRatio,
		IntactRatio:       cfg.Recovery.IntactRatio,
	}
	orchestrator := recovery.NewOrchestrator(
		recovery.NewMemoryAttemptStore(cfg.Recovery.AttemptTTL), extractor, budgetOpts, logger)

	// Each gateway gets its own registry: registering promauto collectors
	// against the default registerer panics when a process builds a second
	// gateway.
	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector(cfg.Metrics.Namespace, promRegistry, logger)
	analysis := dispatch.NewAnalysisQueue(cfg.Dispatch.AnalysisQueueSize, o.analysis, logger)

	dispatcher := dispatch.NewDispatcher(dispatch.Deps{
		Providers:    caps,
		Models:       models,
		Cache:        cache,
		Extractor:    extractor,
		Orchestrator: orchestrator,
		Recorder:     o.recorder,
		Analysis:     analysis,
		Metrics:      collector,
		Endpoints:    o.endpoints,
		BudgetOpts:   budgetOpts,
		Settings: dispatch.Settings{
			ProactiveThreshold:   cfg.Dispatch.ProactiveThreshold,
			ExtractionsPerMinute: cfg.Dispatch.ExtractionsPerMinute,
			ExtractionBurst:      cfg.Dispatch.ExtractionBurst,
			ArtifactsPrompt:      cfg.Dispatch.ArtifactsPrompt,
		},
	}, logger)

	return &Gateway{
		Dispatcher:      dispatcher,
		Models:          models,
		Providers:       caps,
		MetricsRegistry: promRegistry,
		cache:           cache,
		telemetry:       tel,
		logger:          logger,
	}, nil
}

// Close releases background workers and flushes telemetry.
func (g *Gateway) Close(ctx context.Context) error {
	g.Dispatcher.Close()
	if closer, ok := g.cache.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			g.logger.Warn("closing cache store", zap.Error(err))
		}
	}
	return g.telemetry.Shutdown(ctx)
}

// extractionCall adapts the capability registry into the non-streaming call
// the extractor uses for summarization.
func extractionCall(caps *llm.Registry, endpoints map[types.Provider]llm.EndpointProvider) recovery.LLMCall {
	return func(ctx context.Context, model types.ModelDescriptor, req *llm.Request) (*llm.Result, error) {
		capability, err := caps.Resolve(model.Provider)
		if err != nil {
			return nil, err
		}
		var ep llm.EndpointProvider
		if capability.NeedsEndpoint {
			ep = endpoints[model.Provider]
			if ep == nil {
				return nil, types.NewError(types.ErrProviderUnavailable,
					fmt.Sprintf("provider %q requires an endpoint provider", model.Provider))
			}
		}

		var buf bytes.Buffer
		req.Stream = false
		req.Model = model.ID
		if err := capability.Chat(ctx, ep, req, &buf); err != nil {
			return nil, err
		}

		var dec dispatch.Decoder
		result := &llm.Result{}
		events := dec.Feed(buf.Bytes())
		events = append(events, dec.Flush()...)
		for _, ev := range events {
			if ev.Done || ev.Meta {
				continue
			}
			if capability.Usage != nil {
				if u := capability.Usage(ev.Data); u != nil {
					if capability.CumulativeUsage {
						result.Usage = *u
					} else {
						result.Usage.Add(*u)
					}
				}
			}
			if capability.Transform == nil {
				continue
			}
			chunk, terr := capability.Transform(ev.Data)
			if terr != nil || chunk == nil {
				continue
			}
			result.Content += chunk.Content
			result.ToolCalls = append(result.ToolCalls, chunk.ToolCalls...)
		}
		return result, nil
	}
}

func buildCacheStore(cfg config.CacheConfig, logger *zap.Logger) (hcache.Store, error) {
	switch cfg.Backend {
	case "redis":
		return hcache.NewRedisStore(hcache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			TTL:      cfg.Redis.TTL,
		}, logger)
	case "database":
		return hcache.NewGormStore(hcache.GormConfig{
			Driver: cfg.Database.Driver,
			DSN:    cfg.Database.DSN,
		}, logger)
	default:
		return hcache.NewMemoryStore(), nil
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err == nil {
		zc.Level = level
	}
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	return zc.Build()
}

// registerDefaultModels seeds the registry with the commonly routed models.
// Callers register additional models on Gateway.Models.
func registerDefaultModels(r *types.ModelRegistry) {
	defaults := []struct {
		m        types.ModelDescriptor
		provider string
	}{
		{types.ModelDescriptor{ID: "gpt-4o", SupportsSystemPrompts: true, CostTier: 3}, "openai"},
		{types.ModelDescriptor{ID: "gpt-4o-mini", SupportsSystemPrompts: true, CostTier: 1}, "openai"},
		{types.ModelDescriptor{ID: "o3-mini", SupportsReasoning: true, SupportsSystemPrompts: true, CostTier: 2}, "openai"},
		{types.ModelDescriptor{ID: "gemini-2.5-pro", SupportsReasoning: true, SupportsSystemPrompts: true, CostTier: 3}, "gemini"},
		{types.ModelDescriptor{ID: "gemini-2.5-flash", SupportsSystemPrompts: true, CostTier: 1}, "gemini"},
		{types.ModelDescriptor{ID: "claude-3-5-sonnet-20241022", SupportsSystemPrompts: true, CostTier: 3}, "bedrock"},
		{types.ModelDescriptor{ID: "claude-3-5-haiku-20241022", SupportsSystemPrompts: true, CostTier: 1}, "bedrock"},
	}
	for _, d := range defaults {
		// Registration of the static defaults cannot fail.
		_ = r.Register(d.m, d.provider)
	}
}
