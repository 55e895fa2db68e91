// Package metric implements the text-metric plugin registry and the
// evaluator that runs a selection of plugins over a job's output.
package metric

import (
	"context"
)

// Category groups related plugins.
type Category string

// Plugin categories.
const (
	CategoryBasic       Category = "basic"
	CategoryReadability Category = "readability"
	CategorySentiment   Category = "sentiment"
	CategoryReference   Category = "reference"
	CategoryContent     Category = "content"
	CategoryStructure   Category = "structure"
)

// InputKind names the auxiliary input a plugin needs.
type InputKind string

// Auxiliary input kinds.
const (
	InputNone      InputKind = "none"
	InputReference InputKind = "reference"
	InputKeywords  InputKind = "keywords"
	InputText      InputKind = "text"
)

// Info describes a plugin.
type Info struct {
	ID            string    `json:"id" yaml:"id"`
	Name          string    `json:"name" yaml:"name"`
	Description   string    `json:"description" yaml:"description"`
	Category      Category  `json:"category" yaml:"category"`
	Version       string    `json:"version" yaml:"version"`
	RequiresInput bool      `json:"requires_input" yaml:"requires_input"`
	InputKind     InputKind `json:"input_kind" yaml:"input_kind"`
	Default       bool      `json:"default" yaml:"default"`
}

// Input is the auxiliary input handed to a plugin.
type Input struct {
	Reference string   `json:"reference,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
	Text      string   `json:"text,omitempty"`
}

// has reports whether the input carries the given kind.
func (in Input) has(kind InputKind) bool {
	switch kind {
	case InputReference:
		return in.Reference != ""
	case InputKeywords:
		return len(in.Keywords) > 0
	case InputText:
		return in.Text != ""
	default:
		return true
	}
}

// Plugin computes one named measurement over text. Results are a number, a
// bool, or a small JSON-encodable struct.
type Plugin interface {
	Info() Info
	Calculate(ctx context.Context, text string, input Input) (any, error)
}

// Validator is implemented by plugins that reject malformed input before
// calculation.
type Validator interface {
	Validate(input Input) bool
}

// Sentiment is the structured result of the sentiment plugin.
type Sentiment struct {
	Label      string  `json:"label"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Compound   float64 `json:"compound"`
}

// KeywordMatch is the structured result of the keyword plugin.
type KeywordMatch struct {
	Found           []string `json:"found"`
	Missing         []string `json:"missing"`
	MatchPercentage float64  `json:"match_percentage"`
	TotalKeywords   int      `json:"total_keywords"`
}
