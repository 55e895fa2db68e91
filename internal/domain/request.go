package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// CreateJobRequest is the input of the job creation entry point. Either
// Prompt or Template (rendered with InputData) must be given.
type CreateJobRequest struct {
	Prompt          string            `json:"prompt" validate:"required_without=Template"`
	Template        string            `json:"template" validate:"required_without=Prompt"`
	InputData       map[string]string `json:"input_data"`
	Provider        string            `json:"provider" validate:"required"`
	Model           string            `json:"model" validate:"required"`
	Temperature     *float64          `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	TopP            *float64          `json:"top_p" validate:"omitempty,gte=0,lte=1"`
	MaxTokens       *int              `json:"max_tokens" validate:"omitempty,gt=0"`
	Metrics         []MetricSelection `json:"metrics" validate:"omitempty,dive"`
	DisabledMetrics []string          `json:"disabled_metrics" validate:"omitempty,dive,required"`
	ReferenceText   string            `json:"reference_text"`
	MaxAttempts     int               `json:"max_attempts" validate:"omitempty,gte=1,lte=10"`
}

// Validate checks the request's structural constraints. Whether the
// provider and model exist is checked by the caller against the provider
// registry.
func (r *CreateJobRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.-]*)\s*\}\}`)

// RenderedPrompt returns Prompt when set, otherwise Template with every
// {{name}} placeholder replaced from InputData.
func (r *CreateJobRequest) RenderedPrompt() (string, error) {
	if r.Prompt != "" {
		return r.Prompt, nil
	}
	return RenderTemplate(r.Template, r.InputData)
}

// RenderTemplate substitutes {{name}} placeholders. A placeholder with no
// value is an error.
func RenderTemplate(tmpl string, data map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		v, ok := data[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingTemplateVar, strings.Join(missing, ", "))
	}
	return out, nil
}
