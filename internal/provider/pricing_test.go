package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPricing_Cost(t *testing.T) {
	p := DefaultPricing()

	assert.InDelta(t, 1000*0.0025/1000+500*0.01/1000, p.Cost("openai/gpt-4o", 1000, 500), 1e-12)
	assert.Zero(t, p.Cost("unknown/model", 1000, 1000))

	// variant suffixes share the base price
	assert.Equal(t, p.Cost("openai/gpt-4o", 10, 10), p.Cost("OpenAI/GPT-4o:free", 10, 10))
}

func TestPricing_Merge(t *testing.T) {
	p := DefaultPricing()
	p.Merge(map[string]Price{"local/model": {Prompt: 1, Completion: 2}})

	price, ok := p.Lookup("local/model")
	assert.True(t, ok)
	assert.Equal(t, Price{Prompt: 1, Completion: 2}, price)
	assert.InDelta(t, 3.0, p.Cost("local/model", 1000, 1000), 1e-12)

	var nilTable *Pricing
	assert.Zero(t, nilTable.Cost("openai/gpt-4o", 1, 1))
}
