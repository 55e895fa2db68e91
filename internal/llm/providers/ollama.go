package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ahrav/promptlab/internal/configuration"
	llmerrors "github.com/ahrav/promptlab/internal/llm/errors"
)

// OllamaAdapter implements Adapter for a local Ollama server's
// /api/generate endpoint. Local models need no credential and cost nothing.
type OllamaAdapter struct {
	config configuration.ProviderConfig
}

// NewOllamaAdapter creates an adapter for the given endpoint.
func NewOllamaAdapter(cfg configuration.ProviderConfig) *OllamaAdapter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:11434"
	}
	return &OllamaAdapter{config: cfg}
}

// NewOllama returns a ready Ollama provider.
func NewOllama(cfg configuration.ProviderConfig, client *http.Client) *HTTPProvider {
	return NewHTTPProvider(NewOllamaAdapter(cfg), cfg, client, false, nil)
}

// Name returns the provider name.
func (a *OllamaAdapter) Name() string { return ProviderOllama }

// Build constructs a generate request.
func (a *OllamaAdapter) Build(ctx context.Context, prompt string, opts Options, stream bool) (*http.Request, error) {
	options := map[string]any{}
	if opts.Temperature != nil {
		options["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		options["top_p"] = *opts.TopP
	}
	if opts.MaxTokens != nil {
		options["num_predict"] = *opts.MaxTokens
	}
	body := map[string]any{
		"model":  opts.Model,
		"prompt": prompt,
		"stream": stream,
	}
	if len(options) > 0 {
		body["options"] = options
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Endpoint+"/api/generate", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

type ollamaResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
	Error           string `json:"error"`
}

func (r ollamaResponse) usage() Usage {
	return Usage{
		PromptTokens:     r.PromptEvalCount,
		CompletionTokens: r.EvalCount,
		TotalTokens:      r.PromptEvalCount + r.EvalCount,
	}
}

// Parse decodes a non-streaming generate response.
func (a *OllamaAdapter) Parse(httpResp *http.Response) (*Completion, error) {
	var resp ollamaResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: %v", llmerrors.ErrInvalidResponse, err)
	}
	return &Completion{Output: resp.Response, Usage: resp.usage()}, nil
}

// ParseError converts Ollama's {"error": "..."} body to a ProviderError.
// Ollama answers 404 for models that have not been pulled.
func (a *OllamaAdapter) ParseError(httpResp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxStreamLine))
	var resp ollamaResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != "" {
		return newProviderError(ProviderOllama, httpResp, resp.Error, "")
	}
	return newProviderError(ProviderOllama, httpResp, string(body), "")
}

// DecodeStream reads newline-delimited JSON objects until one has done set.
func (a *OllamaAdapter) DecodeStream(body io.Reader, emit func(Chunk) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp ollamaResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("%w: %v", llmerrors.ErrInvalidResponse, err)
		}
		if resp.Error != "" {
			return fmt.Errorf("ollama stream: %s", resp.Error)
		}
		if resp.Response != "" && !emit(Chunk{Content: resp.Response}) {
			return nil
		}
		if resp.Done {
			u := resp.usage()
			emit(Chunk{IsFinal: true, Usage: &u})
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errStreamTruncated(ProviderOllama)
}
