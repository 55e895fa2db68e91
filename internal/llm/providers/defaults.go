package providers

import (
	"net/http"
	"time"

	"github.com/ahrav/promptlab/internal/configuration"
)

// NewDefaultRegistry builds the registry of every built-in provider from
// configuration. Providers without credentials are still registered; they
// fail fast with a configuration error when used.
func NewDefaultRegistry(cfg configuration.ProvidersConfig) *Registry {
	client := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.HTTPTimeout <= 0 {
		client.Timeout = 120 * time.Second
	}
	return NewRegistry(
		NewOpenAI(cfg.OpenAI(), client),
		NewAnthropic(cfg.Anthropic(), client),
		NewOllama(cfg.Ollama(), client),
		NewStub(WithStubDelay(cfg.StubChunkDelay)),
	)
}
