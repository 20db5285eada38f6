// Package store is the sole custodian of durable state: tenants, limit
// configs, windows, queue entries, events and patterns. It contains no
// policy — every contract it exposes is a direct CRUD or targeted query.
package store

import "time"

// Tier is a tenant's capability tier.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Horizon is the duration class of a sliding window.
type Horizon string

const (
	HorizonMinute Horizon = "minute"
	HorizonHour   Horizon = "hour"
	HorizonDay    Horizon = "day"
)

// Duration returns the wall-clock length of one horizon.
func (h Horizon) Duration() time.Duration {
	switch h {
	case HorizonMinute:
		return time.Minute
	case HorizonHour:
		return time.Hour
	case HorizonDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// AllHorizons is the enforcement order: minute then hour then day, first
// refusal wins.
var AllHorizons = []Horizon{HorizonMinute, HorizonHour, HorizonDay}

// Capabilities is the tier-derived capability profile.
type Capabilities struct {
	MayQueue             bool
	MaxQueueSize         int
	MayLearnPatterns     bool
	MayUseCustomLimits   bool
	PriorityQueueEnabled bool
	BaseRPM              int64
}

// CapabilitiesFor returns the built-in capability matrix for a tier.
func CapabilitiesFor(tier Tier) Capabilities {
	if tier == TierPro {
		return Capabilities{
			MayQueue:             true,
			MaxQueueSize:         100,
			MayLearnPatterns:     true,
			MayUseCustomLimits:   true,
			PriorityQueueEnabled: true,
			BaseRPM:              0, // provider-specific, see DefaultLimits
		}
	}
	return Capabilities{
		MayQueue:             false,
		MaxQueueSize:         0,
		MayLearnPatterns:     false,
		MayUseCustomLimits:   false,
		PriorityQueueEnabled: false,
		BaseRPM:              100, // shared free-tier fallback
	}
}

// Tenant is the principal whose quota is enforced, identified by an
// opaque string ID scoped to one host. Tenant rows are lazily initialised
// on first reference.
type Tenant struct {
	ID           string
	Tier         Tier
	PaidUntil    *time.Time
	MaxQueueSize int // overrides Capabilities.MaxQueueSize when > 0
	CreatedAt    time.Time
}

// EffectiveTier returns the tenant's tier after applying the paid-until
// rule: a tenant with an absent or elapsed paid-until is free regardless
// of a stored "pro" tier value.
func (t *Tenant) EffectiveTier(now time.Time) Tier {
	if t.Tier == TierPro && t.PaidUntil != nil && t.PaidUntil.After(now) {
		return TierPro
	}
	return TierFree
}

// Capabilities returns the tenant's effective capability profile, with
// MaxQueueSize overridden if the tenant row carries a custom value.
func (t *Tenant) Capabilities(now time.Time) Capabilities {
	c := CapabilitiesFor(t.EffectiveTier(now))
	if t.MaxQueueSize > 0 {
		c.MaxQueueSize = t.MaxQueueSize
	}
	return c
}

// LimitConfig maps (provider, model-or-wildcard, tier) to optional
// numeric ceilings. A Model of "" is the provider-wide fallback row.
type LimitConfig struct {
	Provider        string
	Model           string // "" means provider-wide wildcard
	Tier            Tier
	RequestsPerMin  *int64
	RequestsPerHour *int64
	RequestsPerDay  *int64
	TokensPerMin    *int64
	TokensPerDay    *int64
}

// LimitFor returns the ceiling pair relevant to a given horizon: request
// limit and token limit, either of which may be nil (unenforced).
func (c *LimitConfig) LimitFor(h Horizon) (requestLimit, tokenLimit *int64) {
	switch h {
	case HorizonMinute:
		return c.RequestsPerMin, c.TokensPerMin
	case HorizonHour:
		return c.RequestsPerHour, nil
	case HorizonDay:
		return c.RequestsPerDay, c.TokensPerDay
	default:
		return nil, nil
	}
}

// Window is one accounting bucket for a (tenant, provider, model, horizon).
type Window struct {
	ID           string
	Tenant       string
	Provider     string
	Model        string
	Horizon      Horizon
	Start        time.Time
	End          time.Time
	RequestCount int64
	TokenCount   int64
	RequestLimit *int64
	TokenLimit   *int64
	Active       bool
}

// Stale reports whether the window's end has passed as of now.
func (w *Window) Stale(now time.Time) bool {
	return !w.End.After(now)
}

// QueueStatus is the lifecycle state of a QueueEntry.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// QueueEntry is a deferred admission request awaiting window capacity.
type QueueEntry struct {
	ID          string
	Tenant      string
	Provider    string
	Model       string
	Payload     []byte // serialized request payload
	Priority    int    // 1..10, default 5
	RetryCount  int
	MaxRetries  int
	Status      QueueStatus
	QueuedAt    time.Time
	ProcessedAt *time.Time
	Error       string
}

// EventKind is the admission decision kind recorded per pre-call.
type EventKind string

const (
	EventAllowed EventKind = "allowed"
	EventWarned  EventKind = "warned"
	EventBlocked EventKind = "blocked"
	EventQueued  EventKind = "queued"
)

// Event is an append-only audit record of one admission decision.
type Event struct {
	ID                string
	Tenant            string
	Provider          string
	Model             string
	Timestamp         time.Time
	Kind              EventKind
	Horizon           Horizon
	CurrentCount      int64
	Limit             int64
	PercentUsed       float64
	RequestID         string
	WasQueued         bool
	QueueTimeMS       int64
	DetectedPatternTag string
}

// PatternKind classifies the statistical analysis that produced a Pattern.
type PatternKind string

const (
	PatternTimeOfDay PatternKind = "time-of-day"
	PatternDayOfWeek PatternKind = "day-of-week"
	PatternBurst     PatternKind = "burst"
)

// Pattern is a persisted, advisory statistical summary.
type Pattern struct {
	ID                 string
	Tenant             string
	Kind               PatternKind
	Label              string
	AverageRPM         float64
	PeakRPM            float64
	Confidence         float64
	SuggestedLimit     int64
	SuggestedQueueSize int
	ObservationCount   int
	FirstDetected      time.Time
	LastObserved       time.Time
	Description        string
}
