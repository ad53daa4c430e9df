package cost

import (
	"math"

	"github.com/cellsage/ai-engine/internal/domain"
)

// Calculator prices completions off the tier table. Prices are USD per
// million tokens; budget units are the caller-facing currency debited
// per request.
type Calculator struct {
	tiers map[domain.Tier]domain.TierConfig
}

func NewCalculator(tiers []domain.TierConfig) *Calculator {
	m := make(map[domain.Tier]domain.TierConfig, len(tiers))
	for _, tc := range tiers {
		m[tc.Tier] = tc
	}
	return &Calculator{tiers: m}
}

// Calculate returns the USD cost of one completion at the given tier.
// Unknown tiers price to zero.
func (c *Calculator) Calculate(tier domain.Tier, inputTokens, outputTokens int) float64 {
	tc, ok := c.tiers[tier]
	if !ok {
		return 0
	}

	inputCost := float64(inputTokens) / 1e6 * tc.InputPricePerM
	outputCost := float64(outputTokens) / 1e6 * tc.OutputPricePerM

	return inputCost + outputCost
}

// Price fills in CostUSD on the envelope from its tier and token counts
// and returns the cost.
func (c *Calculator) Price(env *domain.ResponseEnvelope) float64 {
	env.CostUSD = c.Calculate(env.Tier, env.InputTokens, env.OutputTokens)
	return env.CostUSD
}

// Units converts a USD cost into budget units: one unit per cent of base
// cost, scaled by the tier's multiplier. Fractional units round up so
// partial cents are never given away.
func (c *Calculator) Units(tier domain.Tier, costUSD float64) int64 {
	if costUSD <= 0 {
		return 0
	}

	multiplier := 1.0
	if tc, ok := c.tiers[tier]; ok && tc.UnitMultiplier > 0 {
		multiplier = tc.UnitMultiplier
	}

	return int64(math.Ceil(costUSD * 100 * multiplier))
}

// Config returns the tier's pricing row.
func (c *Calculator) Config(tier domain.Tier) (domain.TierConfig, bool) {
	tc, ok := c.tiers[tier]
	return tc, ok
}
