package configuration

import (
	"errors"
	"time"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Store and cache backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"

	CacheMemory = "memory"
	CacheRedis  = "redis"

	BridgeNone  = "none"
	BridgeRedis = "redis"

	DispatchLocal    = "local"
	DispatchTemporal = "temporal"
)

// Resilience constants.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second

	DefaultBreakerCooldown = 30 * time.Second
)

// Job constants.
const (
	DefaultMaxAttempts    = 3
	DefaultMaxConcurrency = 4
	DefaultQueueSize      = 256
	DefaultRequeueDelay   = time.Second

	DefaultCancelPollInterval = time.Second
	DefaultPendingSweep       = 5 * time.Second
	DefaultClaimTimeout       = 15 * time.Minute
)

// Metric cache constants.
const (
	DefaultMetricCacheTTL = 15 * time.Minute
	DefaultSweepInterval  = 5 * time.Minute
)

// DefaultConfig returns the configuration used when nothing is set in the
// environment. It mirrors the `default` struct tags so tests and embedded
// callers need not go through envconfig.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			StreamBuffer:    64,
		},
		Store: StoreConfig{Driver: StoreMemory, DSN: "promptlab.db"},
		Providers: ProvidersConfig{
			OpenAIEndpoint:    "https://api.openai.com/v1",
			AnthropicEndpoint: "https://api.anthropic.com/v1",
			OllamaEndpoint:    "http://localhost:11434",
			HTTPTimeout:       120 * time.Second,
			StubChunkDelay:    50 * time.Millisecond,
		},
		Resilience: ResilienceConfig{
			Timeout:           DefaultTimeout,
			MaxRetries:        DefaultMaxRetries,
			BaseDelay:         DefaultBaseDelay,
			MaxDelay:          DefaultMaxDelay,
			UseSuggestedDelay: true,
			Burst:             1,
			BreakerCooldown:   DefaultBreakerCooldown,
		},
		Jobs: JobsConfig{
			MaxAttempts:    DefaultMaxAttempts,
			MaxConcurrency: DefaultMaxConcurrency,
			QueueSize:      DefaultQueueSize,
			RequeueDelay:   DefaultRequeueDelay,

			CancelPollInterval: DefaultCancelPollInterval,
			SweepInterval:      DefaultPendingSweep,
			ClaimTimeout:       DefaultClaimTimeout,
		},
		MetricCache: MetricCacheConfig{
			Enabled:       true,
			Backend:       CacheMemory,
			TTL:           DefaultMetricCacheTTL,
			SweepInterval: DefaultSweepInterval,
			RedisAddr:     "localhost:6379",
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "promptlab-jobs",
		},
		Events: EventsConfig{
			Bridge:        BridgeNone,
			RedisAddr:     "localhost:6379",
			ChannelPrefix: "promptlab:events:",
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsEnabled: true,
		},
	}
}
