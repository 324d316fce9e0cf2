package provider

import (
	"strings"
	"sync"
)

// Price is the cost in USD per 1K tokens.
type Price struct {
	Prompt     float64 `toml:"prompt" json:"prompt"`
	Completion float64 `toml:"completion" json:"completion"`
}

// Pricing maps model ids to prices. Unknown models cost nothing.
type Pricing struct {
	mu     sync.RWMutex
	prices map[string]Price
}

var defaultPrices = map[string]Price{
	"openai/gpt-4o":                     {Prompt: 0.0025, Completion: 0.01},
	"openai/gpt-4o-mini":                {Prompt: 0.00015, Completion: 0.0006},
	"anthropic/claude-3.5-sonnet":       {Prompt: 0.003, Completion: 0.015},
	"anthropic/claude-3-haiku":          {Prompt: 0.00025, Completion: 0.00125},
	"anthropic/claude-3-opus":           {Prompt: 0.015, Completion: 0.075},
	"google/gemini-pro-1.5":             {Prompt: 0.00125, Completion: 0.005},
	"google/gemini-flash-1.5":           {Prompt: 0.000075, Completion: 0.0003},
	"meta-llama/llama-3.1-70b-instruct": {Prompt: 0.00052, Completion: 0.00075},
	"meta-llama/llama-3.1-8b-instruct":  {Prompt: 0.00005, Completion: 0.00005},
	"mistralai/mistral-large":           {Prompt: 0.002, Completion: 0.006},
	"deepseek/deepseek-chat":            {Prompt: 0.00014, Completion: 0.00028},
}

// DefaultPricing returns a table seeded with common OpenRouter models.
func DefaultPricing() *Pricing {
	p := &Pricing{prices: make(map[string]Price, len(defaultPrices))}
	for m, price := range defaultPrices {
		p.prices[m] = price
	}
	return p
}

// Set adds or replaces the price of model.
func (p *Pricing) Set(model string, price Price) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prices == nil {
		p.prices = make(map[string]Price)
	}
	p.prices[normalizeModel(model)] = price
}

// Merge copies every entry of prices into the table.
func (p *Pricing) Merge(prices map[string]Price) {
	for m, price := range prices {
		p.Set(m, price)
	}
}

// Lookup returns the price of model.
func (p *Pricing) Lookup(model string) (Price, bool) {
	if p == nil {
		return Price{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[normalizeModel(model)]
	return price, ok
}

// Cost returns the USD cost of a completion.
func (p *Pricing) Cost(model string, promptTokens, completionTokens int) float64 {
	price, ok := p.Lookup(model)
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*price.Prompt + float64(completionTokens)/1000*price.Completion
}

// normalizeModel strips OpenRouter variant suffixes such as ":free".
func normalizeModel(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	if i := strings.IndexByte(model, ':'); i >= 0 {
		model = model[:i]
	}
	return model
}
