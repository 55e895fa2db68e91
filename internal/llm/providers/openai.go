package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ahrav/promptlab/internal/configuration"
	llmerrors "github.com/ahrav/promptlab/internal/llm/errors"
)

// OpenAIAdapter implements Adapter for the chat/completions API.
type OpenAIAdapter struct {
	config configuration.ProviderConfig
}

// NewOpenAIAdapter creates an OpenAI adapter, defaulting the endpoint to the
// production API.
func NewOpenAIAdapter(cfg configuration.ProviderConfig) *OpenAIAdapter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	return &OpenAIAdapter{config: cfg}
}

// NewOpenAI returns a ready OpenAI provider.
func NewOpenAI(cfg configuration.ProviderConfig, client *http.Client) *HTTPProvider {
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "OPENAI_API_KEY"
	}
	return NewHTTPProvider(NewOpenAIAdapter(cfg), cfg, client, true, openAIPricing)
}

// Name returns the provider name.
func (a *OpenAIAdapter) Name() string { return ProviderOpenAI }

// Build constructs a chat/completions request with a single user message.
func (a *OpenAIAdapter) Build(ctx context.Context, prompt string, opts Options, stream bool) (*http.Request, error) {
	body := map[string]any{
		"model":    opts.Model,
		"messages": []map[string]string{{"role": "user", "content": prompt}},
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	if opts.MaxTokens != nil {
		body["max_tokens"] = *opts.MaxTokens
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/chat/completions", a.config.Endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func (u openAIUsage) normalize() Usage {
	return Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

// Parse extracts the first choice and the usage block.
func (a *OpenAIAdapter) Parse(httpResp *http.Response) (*Completion, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage openAIUsage `json:"usage"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: %v", llmerrors.ErrInvalidResponse, err)
	}

	var content string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	return &Completion{Output: content, Usage: resp.Usage.normalize()}, nil
}

// ParseError converts OpenAI's JSON error envelope to a ProviderError.
func (a *OpenAIAdapter) ParseError(httpResp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxStreamLine))
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		code := errResp.Error.Code
		if code == "" {
			code = errResp.Error.Type
		}
		return newProviderError(ProviderOpenAI, httpResp, errResp.Error.Message, code)
	}
	return newProviderError(ProviderOpenAI, httpResp, string(body), "")
}

// DecodeStream reads `data:` events until the [DONE] marker. The usage block
// arrives in the last data event, which carries no choices.
func (a *OpenAIAdapter) DecodeStream(body io.Reader, emit func(Chunk) bool) error {
	var usage *Usage
	done, err := readSSE(body, func(_, data string) (bool, error) {
		if data == "[DONE]" {
			return true, nil
		}
		var evt struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *openAIUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return false, fmt.Errorf("%w: %v", llmerrors.ErrInvalidResponse, err)
		}
		if evt.Usage != nil {
			u := evt.Usage.normalize()
			usage = &u
		}
		if len(evt.Choices) > 0 && evt.Choices[0].Delta.Content != "" {
			if !emit(Chunk{Content: evt.Choices[0].Delta.Content}) {
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !done {
		return errStreamTruncated(ProviderOpenAI)
	}
	emit(Chunk{IsFinal: true, Usage: usage})
	return nil
}
