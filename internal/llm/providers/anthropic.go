package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ahrav/promptlab/internal/configuration"
	llmerrors "github.com/ahrav/promptlab/internal/llm/errors"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 1024
)

// AnthropicAdapter implements Adapter for the Messages API.
type AnthropicAdapter struct {
	config configuration.ProviderConfig
}

// NewAnthropicAdapter creates an Anthropic adapter with the default endpoint.
func NewAnthropicAdapter(cfg configuration.ProviderConfig) *AnthropicAdapter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1"
	}
	return &AnthropicAdapter{config: cfg}
}

// NewAnthropic returns a ready Anthropic provider.
func NewAnthropic(cfg configuration.ProviderConfig, client *http.Client) *HTTPProvider {
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	return NewHTTPProvider(NewAnthropicAdapter(cfg), cfg, client, true, anthropicPricing)
}

// Name returns the provider name.
func (a *AnthropicAdapter) Name() string { return ProviderAnthropic }

// Build constructs a messages request. max_tokens is mandatory for this API
// and falls back to a conservative default.
func (a *AnthropicAdapter) Build(ctx context.Context, prompt string, opts Options, stream bool) (*http.Request, error) {
	maxTokens := anthropicDefaultMaxTokens
	if opts.MaxTokens != nil {
		maxTokens = *opts.MaxTokens
	}
	body := map[string]any{
		"model":      opts.Model,
		"max_tokens": maxTokens,
		"messages":   []map[string]string{{"role": "user", "content": prompt}},
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	if stream {
		body["stream"] = true
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Endpoint+"/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.config.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Parse concatenates the text content blocks.
func (a *AnthropicAdapter) Parse(httpResp *http.Response) (*Completion, error) {
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage anthropicUsage `json:"usage"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: %v", llmerrors.ErrInvalidResponse, err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &Completion{
		Output: sb.String(),
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

type anthropicErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ParseError converts Anthropic's error envelope to a ProviderError.
func (a *AnthropicAdapter) ParseError(httpResp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxStreamLine))
	var errResp struct {
		Error anthropicErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return newProviderError(ProviderAnthropic, httpResp, errResp.Error.Message, errResp.Error.Type)
	}
	return newProviderError(ProviderAnthropic, httpResp, string(body), "")
}

// DecodeStream follows the message_start / content_block_delta /
// message_delta / message_stop event sequence.
func (a *AnthropicAdapter) DecodeStream(body io.Reader, emit func(Chunk) bool) error {
	var usage Usage
	done, err := readSSE(body, func(event, data string) (bool, error) {
		var evt struct {
			Type    string `json:"type"`
			Message struct {
				Usage anthropicUsage `json:"usage"`
			} `json:"message"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
			Usage anthropicUsage     `json:"usage"`
			Error anthropicErrorBody `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return false, fmt.Errorf("%w: %v", llmerrors.ErrInvalidResponse, err)
		}
		if evt.Type == "" {
			evt.Type = event
		}

		switch evt.Type {
		case "message_start":
			usage.PromptTokens = evt.Message.Usage.InputTokens
		case "content_block_delta":
			if evt.Delta.Text != "" && !emit(Chunk{Content: evt.Delta.Text}) {
				return true, nil
			}
		case "message_delta":
			usage.CompletionTokens = evt.Usage.OutputTokens
		case "message_stop":
			return true, nil
		case "error":
			return false, &llmerrors.ProviderError{
				Provider: ProviderAnthropic,
				Message:  evt.Error.Message,
				Code:     evt.Error.Type,
				Type:     classifyErrorType(0, evt.Error.Type),
			}
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !done {
		return errStreamTruncated(ProviderAnthropic)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	emit(Chunk{IsFinal: true, Usage: &usage})
	return nil
}
