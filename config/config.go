// Package config holds the gateway configuration and its YAML/env loader.
//
// Precedence: defaults, then YAML file, then environment variables with the
// CONTEXTGATE prefix (CONTEXTGATE_CACHE_REDIS_ADDR and so on).
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete gateway configuration.
type Config struct {
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`
	Cache     CacheConfig     `yaml:"cache" env:"CACHE"`
	Recovery  RecoveryConfig  `yaml:"recovery" env:"RECOVERY"`
	Dispatch  DispatchConfig  `yaml:"dispatch" env:"DISPATCH"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Metrics   MetricsConfig   `yaml:"metrics" env:"METRICS"`
}

// ProviderConfig holds static connection details for one upstream provider.
type ProviderConfig struct {
	APIKey     string        `yaml:"api_key" env:"API_KEY"`
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	APIVersion string        `yaml:"api_version" env:"API_VERSION"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ProvidersConfig configures the closed provider set.
type ProvidersConfig struct {
	OpenAI  ProviderConfig `yaml:"openai" env:"OPENAI"`
	Azure   ProviderConfig `yaml:"azure" env:"AZURE"`
	Gemini  ProviderConfig `yaml:"gemini" env:"GEMINI"`
	Bedrock ProviderConfig `yaml:"bedrock" env:"BEDROCK"`
}

// CacheConfig selects and configures the cutoff-cache backend.
type CacheConfig struct {
	// Backend is one of "memory", "redis", "database".
	Backend  string         `yaml:"backend" env:"BACKEND"`
	Redis    RedisConfig    `yaml:"redis" env:"REDIS"`
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
}

// RedisConfig configures the Redis cutoff-cache and attempt-store backends.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	PoolSize int           `yaml:"pool_size" env:"POOL_SIZE"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// DatabaseConfig configures the relational cutoff-cache backend.
type DatabaseConfig struct {
	// Driver is one of "sqlite", "postgres", "mysql".
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// RecoveryConfig tunes the overflow recovery pipeline.
type RecoveryConfig struct {
	// SafetyMarginRatio is subtracted from the usable context window to
	// absorb tokenizer estimation error.
	SafetyMarginRatio float64 `yaml:"safety_margin_ratio" env:"SAFETY_MARGIN_RATIO"`
	// IntactRatio is the share of the input budget kept for verbatim
	// recent messages; the remainder funds extracted history.
	IntactRatio float64 `yaml:"intact_ratio" env:"INTACT_RATIO"`
	// CharsPerToken converts token budgets into character budgets for
	// extraction-side sizing.
	CharsPerToken float64 `yaml:"chars_per_token" env:"CHARS_PER_TOKEN"`
	// OversizedThresholdRatio marks a single historical message as
	// oversized when it exceeds this share of the character budget.
	OversizedThresholdRatio float64 `yaml:"oversized_threshold_ratio" env:"OVERSIZED_THRESHOLD_RATIO"`
	// MaxParallelExtractions bounds concurrent per-message extraction
	// calls for oversized messages.
	MaxParallelExtractions int `yaml:"max_parallel_extractions" env:"MAX_PARALLEL_EXTRACTIONS"`
	// TruncationFallbackChars sizes the dumb-truncation fallback used when
	// the extraction model itself fails.
	TruncationFallbackChars int `yaml:"truncation_fallback_chars" env:"TRUNCATION_FALLBACK_CHARS"`
	// AttemptTTL bounds the single-retry window per request.
	AttemptTTL time.Duration `yaml:"attempt_ttl" env:"ATTEMPT_TTL"`
}

// DispatchConfig tunes the unified dispatcher.
type DispatchConfig struct {
	// ProactiveThreshold is the minimum conversation length before the
	// cutoff cache is consulted.
	ProactiveThreshold int `yaml:"proactive_threshold" env:"PROACTIVE_THRESHOLD"`
	// ExtractionsPerMinute rate-limits proactive extraction across the
	// dispatcher; zero disables the limiter.
	ExtractionsPerMinute float64 `yaml:"extractions_per_minute" env:"EXTRACTIONS_PER_MINUTE"`
	// ExtractionBurst is the limiter burst size.
	ExtractionBurst int `yaml:"extraction_burst" env:"EXTRACTION_BURST"`
	// ArtifactsPrompt, when non-empty, is injected as a system message
	// after any existing leading system messages.
	ArtifactsPrompt string `yaml:"artifacts_prompt" env:"ARTIFACTS_PROMPT"`
	// AnalysisQueueSize bounds the fire-and-forget conversation analysis
	// queue; zero disables analysis.
	AnalysisQueueSize int `yaml:"analysis_queue_size" env:"ANALYSIS_QUEUE_SIZE"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig configures the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig configures Prometheus metric registration.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	var errs []string

	switch c.Cache.Backend {
	case "memory", "redis", "database":
	default:
		errs = append(errs, fmt.Sprintf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Cache.Backend == "redis" && c.Cache.Redis.Addr == "" {
		errs = append(errs, "redis cache backend requires an address")
	}
	if c.Cache.Backend == "database" && c.Cache.Database.DSN == "" {
		errs = append(errs, "database cache backend requires a dsn")
	}

	if c.Recovery.SafetyMarginRatio < 0 || c.Recovery.SafetyMarginRatio >= 1 {
		errs = append(errs, "safety_margin_ratio must be in [0, 1)")
	}
	if c.Recovery.IntactRatio <= 0 || c.Recovery.IntactRatio >= 1 {
		errs = append(errs, "intact_ratio must be in (0, 1)")
	}
	if c.Recovery.CharsPerToken <= 0 {
		errs = append(errs, "chars_per_token must be positive")
	}
	if c.Recovery.MaxParallelExtractions <= 0 {
		errs = append(errs, "max_parallel_extractions must be positive")
	}
	if c.Dispatch.ProactiveThreshold <= 0 {
		errs = append(errs, "proactive_threshold must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
