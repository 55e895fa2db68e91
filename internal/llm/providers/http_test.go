package providers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/promptlab/internal/configuration"
	llmerrors "github.com/ahrav/promptlab/internal/llm/errors"
	"github.com/ahrav/promptlab/internal/llm/providers"
)

func collect(t *testing.T, ch <-chan providers.Chunk) ([]string, *providers.Chunk, error) {
	t.Helper()
	var contents []string
	var final *providers.Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return contents, final, nil
			}
			if c.Err != nil {
				return contents, final, c.Err
			}
			if c.IsFinal {
				cc := c
				final = &cc
				continue
			}
			contents = append(contents, c.Content)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestOpenAIComplete(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = fmt.Fprint(w, `{"choices":[{"message":{"content":"hi there"}}],"usage":{"prompt_tokens":1000000,"completion_tokens":1000000,"total_tokens":2000000}}`)
	}))
	defer srv.Close()

	p := providers.NewOpenAI(configuration.ProviderConfig{Endpoint: srv.URL, APIKey: "sk-test"}, srv.Client())
	temp := 0.2
	completion, err := p.Complete(context.Background(), "hello", providers.Options{Model: "gpt-4o-mini", Temperature: &temp})
	require.NoError(t, err)

	assert.Equal(t, "hi there", completion.Output)
	assert.Equal(t, int64(2_000_000), completion.Tokens)
	assert.InDelta(t, 0.15+0.60, completion.Cost, 1e-9)
	assert.Equal(t, "gpt-4o-mini", gotBody["model"])
	assert.InDelta(t, 0.2, gotBody["temperature"], 1e-9)
	assert.NotContains(t, gotBody, "top_p")
}

func TestOpenAIUnpricedModelCostsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"choices":[{"message":{"content":"x"}}],"usage":{"prompt_tokens":5,"completion_tokens":5,"total_tokens":10}}`)
	}))
	defer srv.Close()

	p := providers.NewOpenAI(configuration.ProviderConfig{Endpoint: srv.URL, APIKey: "k"}, srv.Client())
	completion, err := p.Complete(context.Background(), "hello", providers.Options{Model: "my-finetune"})
	require.NoError(t, err)
	assert.Zero(t, completion.Cost)
	assert.Equal(t, int64(10), completion.Tokens)
}

func TestMissingAPIKeyFailsWithoutNetworkCall(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	defer srv.Close()

	for _, p := range []*providers.HTTPProvider{
		providers.NewOpenAI(configuration.ProviderConfig{Endpoint: srv.URL}, srv.Client()),
		providers.NewAnthropic(configuration.ProviderConfig{Endpoint: srv.URL}, srv.Client()),
	} {
		t.Run(p.Name(), func(t *testing.T) {
			_, err := p.Complete(context.Background(), "hello", providers.Options{Model: "m"})
			var cfgErr *llmerrors.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, llmerrors.ErrorTypeProvider, llmerrors.Category(err))
			assert.False(t, llmerrors.IsRetryable(err))

			_, err = p.Stream(context.Background(), "hello", providers.Options{Model: "m"})
			assert.ErrorIs(t, err, llmerrors.ErrMissingAPIKey)
		})
	}
	assert.Zero(t, hits.Load())
}

func TestHTTPErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		retryAfter string
		want       llmerrors.ErrorType
	}{
		{"rate_limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`, "3", llmerrors.ErrorTypeRateLimit},
		{"bad_key", http.StatusUnauthorized, `{"error":{"message":"Incorrect API key","code":"invalid_api_key"}}`, "", llmerrors.ErrorTypeProvider},
		{"unknown_model", http.StatusNotFound, `{"error":{"message":"The model does not exist","code":"model_not_found"}}`, "", llmerrors.ErrorTypeProvider},
		{"bad_request", http.StatusBadRequest, `{"error":{"message":"messages is required","type":"invalid_request_error"}}`, "", llmerrors.ErrorTypeValidation},
		{"server_error", http.StatusBadGateway, `upstream down`, "", llmerrors.ErrorTypeNetwork},
		{"gateway_timeout", http.StatusGatewayTimeout, ``, "", llmerrors.ErrorTypeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			p := providers.NewOpenAI(configuration.ProviderConfig{Endpoint: srv.URL, APIKey: "k"}, srv.Client())
			_, err := p.Complete(context.Background(), "hello", providers.Options{Model: "gpt-4o"})

			var provErr *llmerrors.ProviderError
			require.ErrorAs(t, err, &provErr)
			assert.Equal(t, tt.status, provErr.StatusCode)
			assert.Equal(t, tt.want, llmerrors.Category(err))
			if tt.retryAfter != "" {
				assert.Equal(t, 3*time.Second, llmerrors.Classify(err).Delay())
			}
		})
	}
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
			`[DONE]`,
		} {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
	defer srv.Close()

	p := providers.NewOpenAI(configuration.ProviderConfig{Endpoint: srv.URL, APIKey: "k"}, srv.Client())
	ch, err := p.Stream(context.Background(), "hello", providers.Options{Model: "gpt-4o"})
	require.NoError(t, err)

	contents, final, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, contents)
	require.NotNil(t, final)
	require.NotNil(t, final.Usage)
	assert.Equal(t, int64(5), final.Usage.TotalTokens)
}

func TestOpenAIStreamTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
	}))
	defer srv.Close()

	p := providers.NewOpenAI(configuration.ProviderConfig{Endpoint: srv.URL, APIKey: "k"}, srv.Client())
	ch, err := p.Stream(context.Background(), "hello", providers.Options{Model: "gpt-4o"})
	require.NoError(t, err)

	contents, final, err := collect(t, ch)
	assert.Equal(t, []string{"par"}, contents)
	assert.Nil(t, final)
	require.Error(t, err)
	assert.Equal(t, llmerrors.ErrorTypeNetwork, llmerrors.Category(err))
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "ak", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))

		events := []struct{ name, data string }{
			{"message_start", `{"type":"message_start","message":{"usage":{"input_tokens":4}}}`},
			{"content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"Bon"}}`},
			{"ping", `{"type":"ping"}`},
			{"content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"jour"}}`},
			{"message_delta", `{"type":"message_delta","usage":{"output_tokens":2}}`},
			{"message_stop", `{"type":"message_stop"}`},
		}
		for _, e := range events {
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.name, e.data)
		}
	}))
	defer srv.Close()

	p := providers.NewAnthropic(configuration.ProviderConfig{Endpoint: srv.URL, APIKey: "ak"}, srv.Client())
	ch, err := p.Stream(context.Background(), "hello", providers.Options{Model: "claude-3-5-haiku-latest"})
	require.NoError(t, err)

	contents, final, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", strings.Join(contents, ""))
	require.NotNil(t, final)
	assert.Equal(t, providers.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6}, *final.Usage)
	assert.Greater(t, p.Price("claude-3-5-haiku-latest", *final.Usage), 0.0)
}

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = fmt.Fprintln(w, `{"response":"a","done":false}`)
		_, _ = fmt.Fprintln(w, `{"response":"b","done":false}`)
		_, _ = fmt.Fprintln(w, `{"response":"","done":true,"prompt_eval_count":2,"eval_count":2}`)
	}))
	defer srv.Close()

	p := providers.NewOllama(configuration.ProviderConfig{Endpoint: srv.URL}, srv.Client())
	ch, err := p.Stream(context.Background(), "hello", providers.Options{Model: "llama3"})
	require.NoError(t, err)

	contents, final, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, contents)
	require.NotNil(t, final)
	assert.Equal(t, int64(4), final.Usage.TotalTokens)
	assert.Zero(t, p.Price("llama3", *final.Usage))
}

func TestStubStreamAndFailures(t *testing.T) {
	boom := fmt.Errorf("ECONNREFUSED")
	stub := providers.NewStub(providers.WithStubChunks("Hel", "lo"), providers.WithStubFailures(boom))

	_, err := stub.Stream(context.Background(), "hello", providers.Options{Model: "m1"})
	require.ErrorIs(t, err, boom)

	ch, err := stub.Stream(context.Background(), "hello", providers.Options{Model: "m1"})
	require.NoError(t, err)
	contents, final, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, contents)
	require.NotNil(t, final)
	assert.Equal(t, int64(2), stub.Calls())

	completion, err := stub.Complete(context.Background(), "hello", providers.Options{Model: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "Hello", completion.Output)
	assert.Greater(t, completion.Cost, 0.0)
}

func TestStubStreamStopsOnCancel(t *testing.T) {
	gate := make(chan struct{})
	stub := providers.NewStub(providers.WithStubGate(gate))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := stub.Stream(ctx, "hello", providers.Options{Model: "m1"})
	require.NoError(t, err)
	cancel()

	contents, final, err := collect(t, ch)
	require.NoError(t, err)
	assert.Empty(t, contents)
	assert.Nil(t, final)
}
