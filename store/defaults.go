package store

// DefaultLimits is the built-in default table keyed on (provider, tier),
// used when neither an exact (provider, model, tier) row nor a
// (provider, null, tier) provider-wide fallback row is configured.
var DefaultLimits = map[string]map[Tier]LimitConfig{
	"anthropic": {
		TierFree: {Provider: "anthropic", Tier: TierFree,
			RequestsPerMin: ptr(50), RequestsPerDay: ptr(1000),
			TokensPerMin: ptr(40000), TokensPerDay: ptr(300000)},
		TierPro: {Provider: "anthropic", Tier: TierPro,
			RequestsPerMin: ptr(1000), RequestsPerDay: ptr(10000),
			TokensPerMin: ptr(80000), TokensPerDay: ptr(2500000)},
	},
	"openai": {
		TierFree: {Provider: "openai", Tier: TierFree,
			RequestsPerMin: ptr(60), RequestsPerDay: ptr(200),
			TokensPerMin: ptr(40000)},
		TierPro: {Provider: "openai", Tier: TierPro,
			RequestsPerMin: ptr(500), RequestsPerDay: ptr(10000),
			TokensPerMin: ptr(150000)},
	},
	"google": {
		TierFree: {Provider: "google", Tier: TierFree,
			RequestsPerMin: ptr(60), RequestsPerDay: ptr(1500)},
		TierPro: {Provider: "google", Tier: TierPro,
			RequestsPerMin: ptr(1000), RequestsPerDay: ptr(15000)},
	},
}

func ptr(v int64) *int64 { return &v }

// ResolveDefault returns the built-in default LimitConfig for a
// (provider, tier) pair, or nil if the provider has no built-in table
// (an arbitrary additional provider with no configured rows at all).
func ResolveDefault(provider string, tier Tier) *LimitConfig {
	byTier, ok := DefaultLimits[provider]
	if !ok {
		return nil
	}
	cfg, ok := byTier[tier]
	if !ok {
		return nil
	}
	out := cfg
	return &out
}

// Retention defaults for the housekeeping sweeper.
const (
	DefaultEventRetention          = 30 * 24 // hours -> see config package for the time.Duration form
	DefaultQueueTerminalRetentionH = 7 * 24
	DefaultWindowRetentionH        = 7 * 24
	DefaultPatternMinConfidence    = 0.3
	DefaultPatternRetentionH       = 30 * 24
)
