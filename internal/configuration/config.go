package configuration

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "PROMPTLAB"

// Config holds the configuration for a Prompt Lab process.
// Each section maps to one component; all values can be overridden from the
// environment (PROMPTLAB_<SECTION>_<FIELD>).
type Config struct {
	Server        ServerConfig        `envconfig:"SERVER"`
	Store         StoreConfig         `envconfig:"STORE"`
	Providers     ProvidersConfig     `envconfig:"PROVIDERS"`
	Resilience    ResilienceConfig    `envconfig:"RESILIENCE"`
	Jobs          JobsConfig          `envconfig:"JOBS"`
	MetricCache   MetricCacheConfig   `envconfig:"METRIC_CACHE"`
	Metrics       MetricsConfig       `envconfig:"METRICS"`
	Temporal      TemporalConfig      `envconfig:"TEMPORAL"`
	Events        EventsConfig        `envconfig:"EVENTS"`
	Observability ObservabilityConfig `envconfig:"OBSERVABILITY"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	StreamBuffer    int           `envconfig:"STREAM_BUFFER" default:"64"` // per-connection event buffer
}

// StoreConfig selects the job store backend.
type StoreConfig struct {
	Driver string `envconfig:"DRIVER" default:"memory"` // memory | sqlite
	DSN    string `envconfig:"DSN" default:"promptlab.db"`
}

// ProvidersConfig holds credentials and endpoints for each LLM backend.
// API keys fall back to the conventional unprefixed variables
// (OPENAI_API_KEY, ANTHROPIC_API_KEY).
type ProvidersConfig struct {
	OpenAIAPIKey      string        `envconfig:"OPENAI_API_KEY"`
	OpenAIEndpoint    string        `envconfig:"OPENAI_ENDPOINT" default:"https://api.openai.com/v1"`
	AnthropicAPIKey   string        `envconfig:"ANTHROPIC_API_KEY"`
	AnthropicEndpoint string        `envconfig:"ANTHROPIC_ENDPOINT" default:"https://api.anthropic.com/v1"`
	OllamaEndpoint    string        `envconfig:"OLLAMA_ENDPOINT" default:"http://localhost:11434"`
	HTTPTimeout       time.Duration `envconfig:"HTTP_TIMEOUT" default:"120s"`
	StubChunkDelay    time.Duration `envconfig:"STUB_CHUNK_DELAY" default:"50ms"`

	// Comma-separated model allowlists. Empty accepts any model name.
	OpenAIModels    []string `envconfig:"OPENAI_MODELS"`
	AnthropicModels []string `envconfig:"ANTHROPIC_MODELS"`
	OllamaModels    []string `envconfig:"OLLAMA_MODELS"`
}

// ProviderConfig is the resolved configuration handed to one provider adapter.
type ProviderConfig struct {
	Endpoint  string            `json:"endpoint"`
	APIKey    string            `json:"-"` // Sensitive, not serialized
	APIKeyEnv string            `json:"api_key_env"`
	Headers   map[string]string `json:"headers"`
	Models    []string          `json:"models"` // served models; empty means unchecked
}

// OpenAI returns the resolved OpenAI adapter configuration.
func (p ProvidersConfig) OpenAI() ProviderConfig {
	return ProviderConfig{
		Endpoint:  p.OpenAIEndpoint,
		APIKey:    p.OpenAIAPIKey,
		APIKeyEnv: "OPENAI_API_KEY",
		Models:    p.OpenAIModels,
	}
}

// Anthropic returns the resolved Anthropic adapter configuration.
func (p ProvidersConfig) Anthropic() ProviderConfig {
	return ProviderConfig{
		Endpoint:  p.AnthropicEndpoint,
		APIKey:    p.AnthropicAPIKey,
		APIKeyEnv: "ANTHROPIC_API_KEY",
		Models:    p.AnthropicModels,
	}
}

// Ollama returns the resolved Ollama adapter configuration.
func (p ProvidersConfig) Ollama() ProviderConfig {
	return ProviderConfig{Endpoint: p.OllamaEndpoint, Models: p.OllamaModels}
}

// ResilienceConfig controls the timeout and retry policy wrapped around every
// provider call.
type ResilienceConfig struct {
	Timeout           time.Duration `envconfig:"TIMEOUT" default:"30s"`
	MaxRetries        int           `envconfig:"MAX_RETRIES" default:"3"` // total attempts per call
	BaseDelay         time.Duration `envconfig:"BASE_DELAY" default:"500ms"`
	MaxDelay          time.Duration `envconfig:"MAX_DELAY" default:"5s"`
	UseSuggestedDelay bool          `envconfig:"USE_SUGGESTED_DELAY" default:"true"`
	RequestsPerSecond float64       `envconfig:"REQUESTS_PER_SECOND" default:"0"` // 0 disables the limiter
	Burst             int           `envconfig:"BURST" default:"1"`

	// BreakerThreshold consecutive transport failures open a provider's
	// circuit for BreakerCooldown. 0 disables the breaker.
	BreakerThreshold int           `envconfig:"BREAKER_THRESHOLD" default:"0"`
	BreakerCooldown  time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s"`
}

// JobsConfig controls job-level retry and the dispatcher pool.
type JobsConfig struct {
	MaxAttempts    int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	MaxConcurrency int           `envconfig:"MAX_CONCURRENCY" default:"4"`
	QueueSize      int           `envconfig:"QUEUE_SIZE" default:"256"`
	RequeueDelay   time.Duration `envconfig:"REQUEUE_DELAY" default:"1s"`
	WorkerID       string        `envconfig:"WORKER_ID"`

	// CancelPollInterval is how often a running job re-reads its stored
	// cancellation flag. 0 disables polling.
	CancelPollInterval time.Duration `envconfig:"CANCEL_POLL_INTERVAL" default:"1s"`
	// SweepInterval is how often the dispatcher re-submits pending jobs and
	// recovers stale claims. 0 disables the sweep.
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"5s"`
	// ClaimTimeout is how long a running or evaluating job may go without an
	// update before the dispatcher treats its worker as lost.
	ClaimTimeout       time.Duration `envconfig:"CLAIM_TIMEOUT" default:"15m"`
}

// MetricCacheConfig controls caching of metric evaluation results.
type MetricCacheConfig struct {
	Enabled       bool          `envconfig:"ENABLED" default:"true"`
	Backend       string        `envconfig:"BACKEND" default:"memory"` // memory | redis
	TTL           time.Duration `envconfig:"TTL" default:"15m"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
}

// MetricsConfig points at an optional plugin manifest.
type MetricsConfig struct {
	ManifestPath string `envconfig:"MANIFEST_PATH"`
}

// TemporalConfig controls the optional durable worker.
type TemporalConfig struct {
	HostPort  string `envconfig:"HOST_PORT" default:"localhost:7233"`
	Namespace string `envconfig:"NAMESPACE" default:"default"`
	TaskQueue string `envconfig:"TASK_QUEUE" default:"promptlab-jobs"`
}

// EventsConfig controls how job events cross process boundaries. With the
// redis bridge a Temporal worker forwards its events to the API process.
type EventsConfig struct {
	Bridge        string `envconfig:"BRIDGE" default:"none"` // none | redis
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	ChannelPrefix string `envconfig:"CHANNEL_PREFIX" default:"promptlab:events:"`
}

// ObservabilityConfig controls logging and Prometheus exposition.
type ObservabilityConfig struct {
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string `envconfig:"LOG_FORMAT" default:"json"` // json | text
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads the configuration from the environment on top of the defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make the pipeline misbehave.
func (c *Config) Validate() error {
	switch {
	case c.Resilience.MaxRetries < 1:
		return fmt.Errorf("%w: resilience max retries must be >= 1", ErrInvalidConfig)
	case c.Resilience.Timeout <= 0:
		return fmt.Errorf("%w: resilience timeout must be positive", ErrInvalidConfig)
	case c.Jobs.MaxAttempts < 1:
		return fmt.Errorf("%w: job max attempts must be >= 1", ErrInvalidConfig)
	case c.Jobs.MaxConcurrency < 1:
		return fmt.Errorf("%w: job concurrency must be >= 1", ErrInvalidConfig)
	}
	switch c.Store.Driver {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	switch c.MetricCache.Backend {
	case CacheMemory, CacheRedis:
	default:
		return fmt.Errorf("%w: unknown metric cache backend %q", ErrInvalidConfig, c.MetricCache.Backend)
	}
	switch c.Events.Bridge {
	case BridgeNone, BridgeRedis:
	default:
		return fmt.Errorf("%w: unknown events bridge %q", ErrInvalidConfig, c.Events.Bridge)
	}
	return nil
}

// ValidateDispatch checks that the configuration supports the dispatch mode.
// Temporal workers run in another process, so the job store must be shared.
func (c *Config) ValidateDispatch(mode string) error {
	switch mode {
	case DispatchLocal:
		return nil
	case DispatchTemporal:
		if c.Store.Driver == StoreMemory || c.Store.Driver == "" {
			return fmt.Errorf("%w: temporal dispatch needs a shared store, not %q", ErrInvalidConfig, StoreMemory)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown dispatch mode %q (want local or temporal)", ErrInvalidConfig, mode)
	}
}
