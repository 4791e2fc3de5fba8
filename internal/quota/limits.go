package quota

import "strings"

// Tier is the Gemini API billing tier.
type Tier string

const (
	TierFree  Tier = "free"
	TierPaid1 Tier = "tier1"
)

// DefaultModel is used when a model has no entry in the limits table.
const DefaultModel = "gemini-2.5-flash"

// Limit is the request budget of one model on one tier.
type Limit struct {
	PerMinute int `json:"perMinute"`
	PerDay    int `json:"perDay"`
}

var geminiLimits = map[string]map[Tier]Limit{
	"gemini-2.5-pro": {
		TierFree:  {PerMinute: 5, PerDay: 100},
		TierPaid1: {PerMinute: 150, PerDay: 10000},
	},
	"gemini-2.5-flash": {
		TierFree:  {PerMinute: 10, PerDay: 250},
		TierPaid1: {PerMinute: 1000, PerDay: 10000},
	},
	"gemini-2.5-flash-lite": {
		TierFree:  {PerMinute: 15, PerDay: 1000},
		TierPaid1: {PerMinute: 4000, PerDay: 14400},
	},
	"gemini-2.0-flash": {
		TierFree:  {PerMinute: 15, PerDay: 200},
		TierPaid1: {PerMinute: 2000, PerDay: 14400},
	},
}

// ParseTier maps user input to a Tier, defaulting to free.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tier1", "tier-1", "paid", "paid1":
		return TierPaid1
	default:
		return TierFree
	}
}

// Limits returns the budget for model on tier. Unknown models fall back to
// DefaultModel and unknown tiers to the free tier.
func Limits(model string, tier Tier) Limit {
	byTier, ok := geminiLimits[model]
	if !ok {
		byTier = geminiLimits[DefaultModel]
	}
	if l, ok := byTier[tier]; ok {
		return l
	}
	return byTier[TierFree]
}

// Models lists the models with known limits.
func Models() []string {
	return []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.5-flash-lite", "gemini-2.0-flash"}
}
