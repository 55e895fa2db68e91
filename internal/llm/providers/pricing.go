package providers

// PricingEntry holds the USD price per million tokens for one model,
// distinguishing prompt (input) from output tokens.
type PricingEntry struct {
	Model            string  `json:"model"`
	PromptPerMillion float64 `json:"prompt_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// PriceTable maps a model name to its pricing.
type PriceTable map[string]PricingEntry

// NewPriceTable indexes entries by model.
func NewPriceTable(entries ...PricingEntry) PriceTable {
	t := make(PriceTable, len(entries))
	for _, e := range entries {
		t[e.Model] = e
	}
	return t
}

const tokensPerMillion = 1_000_000

// Cost returns the USD cost of usage on model. A model without an entry
// costs 0; missing pricing is never an error.
func (t PriceTable) Cost(model string, usage Usage) float64 {
	entry, ok := t[model]
	if !ok {
		return 0
	}
	prompt := float64(usage.PromptTokens) * entry.PromptPerMillion / tokensPerMillion
	output := float64(usage.CompletionTokens) * entry.OutputPerMillion / tokensPerMillion
	return prompt + output
}

// Models returns the priced model names.
func (t PriceTable) Models() []string {
	models := make([]string, 0, len(t))
	for m := range t {
		models = append(models, m)
	}
	return models
}

// Static price tables.
var (
	openAIPricing = NewPriceTable(
		PricingEntry{Model: "gpt-4o", PromptPerMillion: 2.50, OutputPerMillion: 10.00},
		PricingEntry{Model: "gpt-4o-mini", PromptPerMillion: 0.15, OutputPerMillion: 0.60},
		PricingEntry{Model: "gpt-4.1", PromptPerMillion: 2.00, OutputPerMillion: 8.00},
		PricingEntry{Model: "gpt-4.1-mini", PromptPerMillion: 0.40, OutputPerMillion: 1.60},
		PricingEntry{Model: "gpt-3.5-turbo", PromptPerMillion: 0.50, OutputPerMillion: 1.50},
	)

	anthropicPricing = NewPriceTable(
		PricingEntry{Model: "claude-3-5-sonnet-latest", PromptPerMillion: 3.00, OutputPerMillion: 15.00},
		PricingEntry{Model: "claude-3-5-haiku-latest", PromptPerMillion: 0.80, OutputPerMillion: 4.00},
		PricingEntry{Model: "claude-3-opus-latest", PromptPerMillion: 15.00, OutputPerMillion: 75.00},
	)

	stubPricing = NewPriceTable(
		PricingEntry{Model: "m1", PromptPerMillion: 1.00, OutputPerMillion: 2.00},
	)
)
