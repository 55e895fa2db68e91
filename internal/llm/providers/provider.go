// Package providers exposes a uniform interface over heterogeneous LLM
// backends. Every provider offers a blocking Complete call; providers that can
// produce output incrementally also implement Streamer.
package providers

import (
	"context"
)

// Supported provider identifiers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderStub      = "stub"
)

// Options carries the per-call generation parameters. Sampling fields are
// optional; providers ignore the ones they do not support.
type Options struct {
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Completion is the whole-response result of Complete.
type Completion struct {
	Output string  `json:"output"`
	Tokens int64   `json:"tokens"`
	Cost   float64 `json:"cost"` // USD
	Usage  Usage   `json:"usage"`
}

// Chunk is one element of a stream. The final chunk has IsFinal set and may
// carry Usage. A chunk with Err set terminates the stream.
type Chunk struct {
	Content string
	IsFinal bool
	Usage   *Usage
	Err     error
}

// Provider generates text from a prompt.
type Provider interface {
	// Name returns the registry key of the provider.
	Name() string

	// Models lists the models the provider serves. An empty list means any
	// model name is passed through unchecked.
	Models() []string

	// Complete blocks until the whole response is available.
	Complete(ctx context.Context, prompt string, opts Options) (*Completion, error)

	// Price computes the USD cost of usage for model; 0 when the model has no
	// price entry.
	Price(model string, usage Usage) float64
}

// Streamer is implemented by providers with an incremental mode.
// The returned channel is finite and closed by the provider; it is not
// restartable, a fresh call begins a fresh generation. Callers that stop
// reading must cancel ctx so the producer can exit.
type Streamer interface {
	Stream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error)
}

// SupportsModel reports whether p accepts model.
func SupportsModel(p Provider, model string) bool {
	models := p.Models()
	if len(models) == 0 {
		return model != ""
	}
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}

// send delivers c unless ctx is done. It reports whether the chunk was sent.
func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
