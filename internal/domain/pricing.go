package domain

import "context"

// ModelPricing contains per-model billing rates, in wallet units.
type ModelPricing struct {
	UserCostPer1K      float64 // units charged per 1K input tokens
	AssistantCostPer1K float64 // units charged per 1K generated tokens
}

// PricingRegistry maintains pricing information for models.
type PricingRegistry interface {
	// GetPricing returns pricing for a model. ErrNotFound for unknown models.
	GetPricing(ctx context.Context, model string) (ModelPricing, error)

	// RegisterPricing adds pricing for a model.
	RegisterPricing(ctx context.Context, model string, pricing ModelPricing) error
}

const tokensPerK = 1000

// blocksOf1K rounds a token count up to whole 1K blocks, charging at least
// one block for any non-empty text.
func blocksOf1K(units int) int {
	if units < 1 {
		units = 1
	}
	blocks := units / tokensPerK
	if units%tokensPerK != 0 {
		blocks++
	}
	return blocks
}

// UserCost returns the charge for a user turn of the given unit count.
func (p ModelPricing) UserCost(units int) float64 {
	return float64(blocksOf1K(units)) * p.UserCostPer1K
}

// AssistantCost returns the charge for an assistant turn of the given unit
// count. Also used with the configured hold size to pre-authorize a reply
// whose length is not yet known.
func (p ModelPricing) AssistantCost(units int) float64 {
	return float64(blocksOf1K(units)) * p.AssistantCostPer1K
}
