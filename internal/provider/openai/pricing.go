package openai

import (
	"context"
	"fmt"

	"github.com/davidbz/markl/internal/domain"
)

// Default billing rates in wallet units per 1K tokens, split by direction:
// user input and generated output are charged at different rates.
const (
	gpt4oUserPer1K      = 2
	gpt4oAssistantPer1K = 5

	gpt4oMiniUserPer1K      = 1
	gpt4oMiniAssistantPer1K = 2

	gpt4UserPer1K      = 3
	gpt4AssistantPer1K = 6

	o3UserPer1K      = 2
	o3AssistantPer1K = 4

	o1UserPer1K      = 1
	o1AssistantPer1K = 3
)

// RegisterPricing registers OpenAI model pricing with the registry.
func RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	models := map[string]domain.ModelPricing{
		"gpt-4o": {
			UserCostPer1K:      gpt4oUserPer1K,
			AssistantCostPer1K: gpt4oAssistantPer1K,
		},
		"gpt-4o-mini": {
			UserCostPer1K:      gpt4oMiniUserPer1K,
			AssistantCostPer1K: gpt4oMiniAssistantPer1K,
		},
		"gpt-4": {
			UserCostPer1K:      gpt4UserPer1K,
			AssistantCostPer1K: gpt4AssistantPer1K,
		},
		"o3": {
			UserCostPer1K:      o3UserPer1K,
			AssistantCostPer1K: o3AssistantPer1K,
		},
		"o1": {
			UserCostPer1K:      o1UserPer1K,
			AssistantCostPer1K: o1AssistantPer1K,
		},
	}

	for model, pricing := range models {
		if err := registry.RegisterPricing(ctx, model, pricing); err != nil {
			return fmt.Errorf("failed to register pricing for model %s: %w", model, err)
		}
	}

	return nil
}
