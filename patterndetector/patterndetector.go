// Package patterndetector produces advisory, read-mostly statistical
// summaries of a tenant's admitted-request history: hourly and weekly
// usage shape, and burstiness. It never mutates window or queue state.
package patterndetector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/quotaguard/quotaguard/clock"
	"github.com/quotaguard/quotaguard/store"
)

const (
	// DefaultLookback is how far back Analyze scans allowed events.
	DefaultLookback = 7 * 24 * time.Hour
	// MinEvents is the floor below which Analyze reports insufficient data.
	MinEvents = 10
	// DefaultConfidenceThreshold filters out low-confidence patterns.
	DefaultConfidenceThreshold = 0.6
)

// Result is the outcome of one Analyze call.
type Result struct {
	Tenant           string
	InsufficientData bool
	Patterns         []*store.Pattern
	OverallConfidence float64
}

// Prediction is the output of Predict: the best pattern plus narrow
// advisory recommendations.
type Prediction struct {
	Tenant          string
	Best            *store.Pattern
	Recommendations []string
}

// Detector analyses historical admit events into Patterns.
type Detector struct {
	store               store.Store
	clock               clock.Clock
	lookback            time.Duration
	confidenceThreshold float64
	sf                  singleflight.Group
}

// Option configures a Detector at construction time.
type Option func(*Detector)

// WithLookback overrides DefaultLookback.
func WithLookback(d time.Duration) Option { return func(dt *Detector) { dt.lookback = d } }

// WithConfidenceThreshold overrides DefaultConfidenceThreshold.
func WithConfidenceThreshold(c float64) Option { return func(dt *Detector) { dt.confidenceThreshold = c } }

// New constructs a Detector over the given Store.
func New(s store.Store, clk clock.Clock, opts ...Option) *Detector {
	d := &Detector{store: s, clock: clk, lookback: DefaultLookback, confidenceThreshold: DefaultConfidenceThreshold}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Analyze scans the tenant's allowed events within the lookback horizon
// and produces hourly, weekly and burst patterns, deduplicating
// concurrent calls for the same tenant via singleflight. The three
// analyses are independent given the same event slice, so they run
// concurrently and are merged.
func (d *Detector) Analyze(ctx context.Context, tenant *store.Tenant) (*Result, error) {
	if !tenant.Capabilities(d.clock.Now()).MayLearnPatterns {
		return &Result{Tenant: tenant.ID, InsufficientData: true}, nil
	}

	v, err, _ := d.sf.Do(tenant.ID, func() (interface{}, error) {
		return d.analyzeLocked(ctx, tenant.ID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (d *Detector) analyzeLocked(ctx context.Context, tenantID string) (*Result, error) {
	since := d.clock.Now().Add(-d.lookback)
	events, err := d.store.ListEvents(ctx, tenantID, store.EventAllowed, since)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	if len(events) < MinEvents {
		return &Result{Tenant: tenantID, InsufficientData: true}, nil
	}

	var hourly, weekly, burst *store.Pattern
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { hourly = analyzeHourly(tenantID, events); return nil })
	g.Go(func() error { weekly = analyzeWeekly(tenantID, events); return nil })
	g.Go(func() error { burst = analyzeBurst(tenantID, events); return nil })
	if err := g.Wait(); err != nil {
		return nil, err
	}
	_ = gctx

	var kept []*store.Pattern
	for _, p := range []*store.Pattern{hourly, weekly, burst} {
		if p != nil && p.Confidence >= d.confidenceThreshold {
			kept = append(kept, p)
		}
	}

	var overall float64
	if len(kept) > 0 {
		var sum float64
		for _, p := range kept {
			sum += p.Confidence
		}
		overall = sum / float64(len(kept))
		if len(kept) > 1 {
			overall = math.Min(1, overall+0.1)
		}
	}

	now := d.clock.Now()
	for _, p := range kept {
		p.LastObserved = now
		if p.FirstDetected.IsZero() {
			p.FirstDetected = now
		}
		if err := d.store.UpsertPattern(ctx, p); err != nil {
			return nil, fmt.Errorf("upsert pattern %s: %w", p.ID, err)
		}
	}

	return &Result{Tenant: tenantID, Patterns: kept, OverallConfidence: overall}, nil
}

// Predict returns the stored pattern of highest confidence plus a small
// set of advisory recommendations.
func (d *Detector) Predict(ctx context.Context, tenantID string) (*Prediction, error) {
	patterns, err := d.store.ListPatterns(ctx, tenantID, 0)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	if len(patterns) == 0 {
		return &Prediction{Tenant: tenantID}, nil
	}

	best := patterns[0]
	for _, p := range patterns[1:] {
		if p.Confidence > best.Confidence {
			best = p
		}
	}

	var recs []string
	now := d.clock.Now()
	if best.Kind == store.PatternTimeOfDay && inPeakWindow(best.Label, now) {
		recs = append(recs, "currently in peak window")
	}
	if best.Kind == store.PatternBurst && best.SuggestedQueueSize > 0 {
		recs = append(recs, fmt.Sprintf("bursty traffic — consider queue size %d", best.SuggestedQueueSize))
	}

	return &Prediction{Tenant: tenantID, Best: best, Recommendations: recs}, nil
}

func inPeakWindow(label string, now time.Time) bool {
	h := now.Hour()
	switch label {
	case "morning":
		return h >= 6 && h < 12
	case "afternoon":
		return h >= 12 && h < 18
	case "evening":
		return h >= 18 && h < 24
	case "night":
		return h < 6
	}
	return false
}

func patternID(tenant string, kind store.PatternKind, label string) string {
	return fmt.Sprintf("%s:%s:%s", tenant, kind, label)
}

func meanVariance(counts []float64) (mean, variance float64) {
	n := float64(len(counts))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, c := range counts {
		sum += c
	}
	mean = sum / n
	var sqDiff float64
	for _, c := range counts {
		d := c - mean
		sqDiff += d * d
	}
	variance = sqDiff / n
	return mean, variance
}

func coarseWindowLabel(hours map[int]bool) string {
	// Pick the coarse window containing the most peak hours.
	buckets := map[string][2]int{
		"morning":   {6, 12},
		"afternoon": {12, 18},
		"evening":   {18, 24},
		"night":     {0, 6},
	}
	best := ""
	bestCount := -1
	for name, rng := range buckets {
		count := 0
		for h := rng[0]; h < rng[1]; h++ {
			if hours[h] {
				count++
			}
		}
		if count > bestCount {
			best = name
			bestCount = count
		}
	}
	return best
}

func analyzeHourly(tenant string, events []*store.Event) *store.Pattern {
	var counts [24]float64
	for _, e := range events {
		counts[e.Timestamp.Hour()]++
	}
	mean, variance := meanVariance(counts[:])

	peakHours := map[int]bool{}
	var max float64
	for h, c := range counts {
		if c > max {
			max = c
		}
		if c > 1.5*mean {
			peakHours[h] = true
		}
	}

	label := "none"
	confidence := 0.3
	if len(peakHours) > 0 {
		label = coarseWindowLabel(peakHours)
		if mean > 0 {
			confidence = math.Min(1, variance/mean*0.5+0.3)
		}
	}

	peakRPM := math.Ceil(max / 60)
	suggestedLimit := int64(math.Ceil(peakRPM * 1.2))

	return &store.Pattern{
		ID:               patternID(tenant, store.PatternTimeOfDay, label),
		Tenant:           tenant,
		Kind:             store.PatternTimeOfDay,
		Label:            label,
		AverageRPM:       mean / 60,
		PeakRPM:          peakRPM,
		Confidence:       confidence,
		SuggestedLimit:   suggestedLimit,
		ObservationCount: len(events),
		Description:      fmt.Sprintf("hourly usage peaks in the %s window (%.0f req/h avg)", label, mean),
	}
}

func analyzeWeekly(tenant string, events []*store.Event) *store.Pattern {
	var counts [7]float64
	for _, e := range events {
		counts[int(e.Timestamp.Weekday())]++
	}
	mean, variance := meanVariance(counts[:])

	var weekdaySum, weekendSum float64
	for d, c := range counts {
		if d == int(time.Sunday) || d == int(time.Saturday) {
			weekendSum += c
		} else {
			weekdaySum += c
		}
	}

	label := "even"
	switch {
	case weekdaySum > 1.5*weekendSum:
		label = "weekday-heavy"
	case weekendSum > 1.5*weekdaySum:
		label = "weekend-heavy"
	}

	var confidence float64
	if mean > 0 {
		confidence = math.Min(1, variance/mean*0.4+0.4)
	}

	var max float64
	for _, c := range counts {
		if c > max {
			max = c
		}
	}
	peakRPM := math.Ceil(max / (24 * 60))
	suggestedLimit := int64(math.Ceil(peakRPM * 1.2))

	return &store.Pattern{
		ID:               patternID(tenant, store.PatternDayOfWeek, label),
		Tenant:           tenant,
		Kind:             store.PatternDayOfWeek,
		Label:            label,
		AverageRPM:       mean / (24 * 60),
		PeakRPM:          peakRPM,
		Confidence:       confidence,
		SuggestedLimit:   suggestedLimit,
		ObservationCount: len(events),
		Description:      fmt.Sprintf("weekly traffic is %s (%.0f req/day avg)", label, mean),
	}
}

func analyzeBurst(tenant string, events []*store.Event) *store.Pattern {
	sorted := make([]*store.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	if len(sorted) < 2 {
		return nil
	}

	deltas := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		deltas = append(deltas, sorted[i].Timestamp.Sub(sorted[i-1].Timestamp).Seconds())
	}
	mean, variance := meanVariance(deltas)
	stdev := math.Sqrt(variance)

	var cv float64
	if mean > 0 {
		cv = stdev / mean
	}

	label := "mixed"
	switch {
	case cv > 1.0:
		label = "bursty"
	case cv < 0.5:
		label = "steady"
	}

	var suggestedQueueSize int
	switch {
	case cv > 2.0:
		suggestedQueueSize = 100
	case cv > 1.5:
		suggestedQueueSize = 50
	case cv > 1.0:
		suggestedQueueSize = 25
	default:
		suggestedQueueSize = 10
	}

	confidence := math.Min(1, math.Abs(cv-1)*0.5+0.4)

	return &store.Pattern{
		ID:                 patternID(tenant, store.PatternBurst, label),
		Tenant:             tenant,
		Kind:               store.PatternBurst,
		Label:              label,
		Confidence:         confidence,
		SuggestedQueueSize: suggestedQueueSize,
		ObservationCount:   len(events),
		Description:        fmt.Sprintf("inter-arrival coefficient of variation %.2f — traffic is %s", cv, label),
	}
}
