package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func setEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PROMPTLAB_STORE_DRIVER", "memory")
	t.Setenv("PROMPTLAB_PROVIDERS_STUB_CHUNK_DELAY", "0s")
	t.Setenv("PROMPTLAB_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("PROMPTLAB_OBSERVABILITY_METRICS_ENABLED", "false")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRunCommandPrintsOutputAndSummary(t *testing.T) {
	setEnv(t)
	out, err := execute(t, "run", "--prompt", "Say hello", "--metric", "word_count")
	require.NoError(t, err)

	idx := strings.Index(out, "{")
	require.GreaterOrEqual(t, idx, 0, out)
	assert.Equal(t, "Hello from stub", strings.TrimSpace(out[:idx]))

	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(out[idx:]), &summary))
	assert.Equal(t, "completed", summary["status"])
	metrics := summary["metrics"].(map[string]any)
	assert.Contains(t, metrics, "word_count")
}

func TestRunCommandRejectsUnknownProvider(t *testing.T) {
	setEnv(t)
	_, err := execute(t, "run", "--prompt", "hi", "--provider", "nope")
	assert.Error(t, err)
}

func TestPluginsCommand(t *testing.T) {
	setEnv(t)
	out, err := execute(t, "plugins")
	require.NoError(t, err)

	var listed struct {
		Plugins []struct {
			ID      string `yaml:"id"`
			Default bool   `yaml:"default"`
			Enabled bool   `yaml:"enabled"`
		} `yaml:"plugins"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &listed))
	require.NotEmpty(t, listed.Plugins)

	defaults := map[string]bool{}
	for _, p := range listed.Plugins {
		assert.True(t, p.Enabled, p.ID)
		if p.Default {
			defaults[p.ID] = true
		}
	}
	assert.True(t, defaults["word_count"])
}

func TestTemporalModesRejectMemoryStore(t *testing.T) {
	setEnv(t)
	for _, args := range [][]string{
		{"serve", "--dispatch", "temporal"},
		{"worker"},
	} {
		_, err := execute(t, args...)
		require.Error(t, err, args)
		assert.Contains(t, err.Error(), "shared store", args)
	}
	dispatchMode = "local"
}
