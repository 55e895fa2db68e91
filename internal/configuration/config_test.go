package configuration_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/promptlab/internal/configuration"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := configuration.Load()
	require.NoError(t, err)

	assert.Equal(t, configuration.DefaultConfig().Resilience, cfg.Resilience)
	assert.Equal(t, configuration.DefaultConfig().Jobs.MaxAttempts, cfg.Jobs.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.MetricCache.TTL)
	assert.Equal(t, 5*time.Minute, cfg.MetricCache.SweepInterval)
	assert.Equal(t, configuration.StoreMemory, cfg.Store.Driver)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PROMPTLAB_RESILIENCE_TIMEOUT", "2s")
	t.Setenv("PROMPTLAB_JOBS_MAX_ATTEMPTS", "5")
	t.Setenv("PROMPTLAB_STORE_DRIVER", "sqlite")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("PROMPTLAB_PROVIDERS_ANTHROPIC_API_KEY", "ak-test")

	cfg, err := configuration.Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Resilience.Timeout)
	assert.Equal(t, 5, cfg.Jobs.MaxAttempts)
	assert.Equal(t, configuration.StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, "sk-test", cfg.Providers.OpenAI().APIKey)
	assert.Equal(t, "ak-test", cfg.Providers.Anthropic().APIKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*configuration.Config)
		wantErr bool
	}{
		{"defaults", func(*configuration.Config) {}, false},
		{"zero_retries", func(c *configuration.Config) { c.Resilience.MaxRetries = 0 }, true},
		{"zero_timeout", func(c *configuration.Config) { c.Resilience.Timeout = 0 }, true},
		{"zero_attempts", func(c *configuration.Config) { c.Jobs.MaxAttempts = 0 }, true},
		{"zero_concurrency", func(c *configuration.Config) { c.Jobs.MaxConcurrency = 0 }, true},
		{"bad_store", func(c *configuration.Config) { c.Store.Driver = "mongo" }, true},
		{"bad_cache", func(c *configuration.Config) { c.MetricCache.Backend = "memcached" }, true},
		{"bad_bridge", func(c *configuration.Config) { c.Events.Bridge = "kafka" }, true},
		{"redis_bridge", func(c *configuration.Config) { c.Events.Bridge = configuration.BridgeRedis }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := configuration.DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, configuration.ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateDispatch(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		mode    string
		wantErr bool
	}{
		{"local_memory", configuration.StoreMemory, configuration.DispatchLocal, false},
		{"temporal_sqlite", configuration.StoreSQLite, configuration.DispatchTemporal, false},
		{"temporal_memory", configuration.StoreMemory, configuration.DispatchTemporal, true},
		{"unknown_mode", configuration.StoreSQLite, "carrier-pigeon", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := configuration.DefaultConfig()
			cfg.Store.Driver = tt.driver
			err := cfg.ValidateDispatch(tt.mode)
			if tt.wantErr {
				assert.ErrorIs(t, err, configuration.ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoadJobRecoveryAndModelSettings(t *testing.T) {
	t.Setenv("PROMPTLAB_JOBS_CLAIM_TIMEOUT", "2m")
	t.Setenv("PROMPTLAB_PROVIDERS_OPENAI_MODELS", "gpt-4o,my-finetune")

	cfg, err := configuration.Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Jobs.ClaimTimeout)
	assert.Equal(t, configuration.DefaultPendingSweep, cfg.Jobs.SweepInterval)
	assert.Equal(t, time.Second, cfg.Jobs.CancelPollInterval)
	assert.Equal(t, []string{"gpt-4o", "my-finetune"}, cfg.Providers.OpenAI().Models)
	assert.Equal(t, configuration.BridgeNone, cfg.Events.Bridge)
}
