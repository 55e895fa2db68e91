package providers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/ahrav/promptlab/internal/configuration"
	llmerrors "github.com/ahrav/promptlab/internal/llm/errors"
)

// Adapter abstracts provider-specific HTTP communication patterns.
// Each backend implements this interface to handle its API format,
// authentication scheme and streaming framing; HTTPProvider supplies the
// shared request execution.
type Adapter interface {
	// Name returns the canonical provider identifier.
	Name() string

	// Build constructs the provider request. stream selects the incremental
	// variant of the endpoint.
	Build(ctx context.Context, prompt string, opts Options, stream bool) (*http.Request, error)

	// Parse extracts the completion from a successful response.
	Parse(resp *http.Response) (*Completion, error)

	// ParseError converts a non-2xx response into a typed provider error.
	ParseError(resp *http.Response) error

	// DecodeStream reads a successful streaming body, calling emit for each
	// chunk and finally for a chunk with IsFinal set. It stops early when
	// emit returns false.
	DecodeStream(body io.Reader, emit func(Chunk) bool) error
}

// HTTPProvider implements Provider and Streamer on top of an Adapter.
type HTTPProvider struct {
	adapter    Adapter
	client     *http.Client
	cfg        configuration.ProviderConfig
	requireKey bool
	pricing    PriceTable
}

// NewHTTPProvider wires an adapter to an HTTP client. When requireKey is set
// every call fails fast with a configuration error if cfg has no API key.
func NewHTTPProvider(
	adapter Adapter,
	cfg configuration.ProviderConfig,
	client *http.Client,
	requireKey bool,
	pricing PriceTable,
) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{adapter: adapter, client: client, cfg: cfg, requireKey: requireKey, pricing: pricing}
}

// Name returns the adapter's provider name.
func (p *HTTPProvider) Name() string { return p.adapter.Name() }

// Models returns the configured model allowlist. It is independent of the
// price table: an unpriced model is served and costs 0.
func (p *HTTPProvider) Models() []string {
	if len(p.cfg.Models) == 0 {
		return nil
	}
	return slices.Clone(p.cfg.Models)
}

// PricedModels returns the models with a price entry, sorted.
func (p *HTTPProvider) PricedModels() []string {
	models := p.pricing.Models()
	slices.Sort(models)
	return models
}

// Price computes the cost of usage from the provider's static table.
func (p *HTTPProvider) Price(model string, usage Usage) float64 {
	return p.pricing.Cost(model, usage)
}

func (p *HTTPProvider) checkCredential() error {
	if p.requireKey && p.cfg.APIKey == "" {
		return llmerrors.MissingAPIKey(p.Name(), p.cfg.APIKeyEnv)
	}
	return nil
}

func (p *HTTPProvider) do(ctx context.Context, prompt string, opts Options, stream bool) (*http.Response, error) {
	if err := p.checkCredential(); err != nil {
		return nil, err
	}

	req, err := p.adapter.Build(ctx, prompt, opts, stream)
	if err != nil {
		return nil, err
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", p.Name(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, p.adapter.ParseError(resp)
	}
	return resp, nil
}

// Complete sends one blocking request and prices the reported usage.
func (p *HTTPProvider) Complete(ctx context.Context, prompt string, opts Options) (*Completion, error) {
	resp, err := p.do(ctx, prompt, opts, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	completion, err := p.adapter.Parse(resp)
	if err != nil {
		return nil, err
	}
	completion.Tokens = completion.Usage.TotalTokens
	completion.Cost = p.Price(opts.Model, completion.Usage)
	return completion, nil
}

// Stream opens a streaming request. Errors before the first byte are
// returned directly; later failures arrive as a Chunk with Err set.
func (p *HTTPProvider) Stream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error) {
	resp, err := p.do(ctx, prompt, opts, true)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		err := p.adapter.DecodeStream(resp.Body, func(c Chunk) bool {
			return send(ctx, out, c)
		})
		if err != nil && ctx.Err() == nil {
			send(ctx, out, Chunk{Err: err})
		}
	}()
	return out, nil
}

// errStreamTruncated is returned when the body ends before the provider's
// terminal marker. A dropped connection is transient.
func errStreamTruncated(provider string) error {
	return &llmerrors.CategorizedError{
		Type:      llmerrors.ErrorTypeNetwork,
		Message:   provider + " stream closed before the final chunk",
		Retryable: true,
		Cause:     io.ErrUnexpectedEOF,
	}
}

const maxStreamLine = 1 << 20

// readSSE parses a server-sent-events body and calls fn with each event's
// name and joined data. fn returns true to stop reading.
func readSSE(body io.Reader, fn func(event, data string) (bool, error)) (bool, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)

	var event string
	var data []string
	dispatch := func() (bool, error) {
		if len(data) == 0 {
			event = ""
			return false, nil
		}
		stop, err := fn(event, strings.Join(data, "\n"))
		event, data = "", data[:0]
		return stop, err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if stop, err := dispatch(); stop || err != nil {
				return stop, err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	return dispatch()
}
