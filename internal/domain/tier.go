package domain

// Tier is a cost/quality level. Tiers are totally ordered: tier1 < tier2 < tier3.
// Each tier maps to a concrete model per provider and a price point.
type Tier string

const (
	Tier1 Tier = "tier1"
	Tier2 Tier = "tier2"
	Tier3 Tier = "tier3"
)

// Order returns the tier's position in the ordering, or 0 for unknown tiers.
func (t Tier) Order() int {
	switch t {
	case Tier1:
		return 1
	case Tier2:
		return 2
	case Tier3:
		return 3
	default:
		return 0
	}
}

func (t Tier) Valid() bool {
	return t.Order() != 0
}

// Next returns the tier exactly one level up. The second return is false
// when there is no higher tier.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case Tier1:
		return Tier2, true
	case Tier2:
		return Tier3, true
	default:
		return "", false
	}
}

// Above reports whether t is strictly higher than other.
func (t Tier) Above(other Tier) bool {
	return t.Order() > other.Order()
}

func (t Tier) String() string {
	return string(t)
}

// SubscriptionLevel is the caller's plan, which bounds the highest tier
// the caller may use.
type SubscriptionLevel string

const (
	SubscriptionFree    SubscriptionLevel = "free"
	SubscriptionPro     SubscriptionLevel = "pro"
	SubscriptionPremium SubscriptionLevel = "premium"
)

// MaxTier returns the highest tier the subscription entitles the caller to.
// Unknown levels are treated as free.
func (s SubscriptionLevel) MaxTier() Tier {
	switch s {
	case SubscriptionPremium:
		return Tier3
	case SubscriptionPro:
		return Tier2
	default:
		return Tier1
	}
}

// TierConfig is the price and policy attached to one tier.
// Prices are USD per million tokens.
type TierConfig struct {
	Tier             Tier    `json:"tier"`
	InputPricePerM   float64 `json:"input_price_per_m"`
	OutputPricePerM  float64 `json:"output_price_per_m"`
	MaxOutputTokens  int     `json:"max_output_tokens"`
	QualityThreshold float64 `json:"quality_threshold"`
	MinBudgetUnits   int64   `json:"min_budget_units"`
	UnitMultiplier   float64 `json:"unit_multiplier"`
}

// ProviderDescriptor describes one upstream vendor: which model serves each
// tier, its endpoint, quotas, and whether it accepts image input.
type ProviderDescriptor struct {
	Name              string
	BaseURL           string
	HasCredential     bool
	Models            map[Tier]string
	RequestsPerMinute int
	TokensPerMinute   int
	Multimodal        bool
}

// ModelFor resolves the model identifier serving the given tier.
func (d ProviderDescriptor) ModelFor(t Tier) (string, bool) {
	m, ok := d.Models[t]
	return m, ok && m != ""
}
