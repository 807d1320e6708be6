package config

import "time"

// DefaultConfig returns a configuration that works with no file and no
// environment: in-memory cache, stdout logging, telemetry off.
func DefaultConfig() *Config {
	return &Config{
		Providers: ProvidersConfig{
			OpenAI:  ProviderConfig{BaseURL: "https://api.openai.com", Timeout: 60 * time.Second},
			Azure:   ProviderConfig{APIVersion: "2024-06-01", Timeout: 60 * time.Second},
			Gemini:  ProviderConfig{BaseURL: "https://generativelanguage.googleapis.com", Timeout: 60 * time.Second},
			Bedrock: ProviderConfig{Timeout: 120 * time.Second},
		},
		Cache: CacheConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
				TTL:      7 * 24 * time.Hour,
			},
			Database: DatabaseConfig{
				Driver: "sqlite",
			},
		},
		Recovery: RecoveryConfig{
			SafetyMarginRatio:       0.02,
			IntactRatio:             0.60,
			CharsPerToken:           4.0,
			OversizedThresholdRatio: 0.50,
			MaxParallelExtractions:  5,
			TruncationFallbackChars: 2000,
			AttemptTTL:              5 * time.Minute,
		},
		Dispatch: DispatchConfig{
			ProactiveThreshold:   20,
			ExtractionsPerMinute: 30,
			ExtractionBurst:      5,
			AnalysisQueueSize:    256,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "contextgate",
			SampleRate:   1.0,
		},
		Metrics: MetricsConfig{
			Namespace: "contextgate",
		},
	}
}
