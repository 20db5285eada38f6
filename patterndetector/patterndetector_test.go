package patterndetector

import (
	"context"
	"testing"
	"time"

	"github.com/quotaguard/quotaguard/clock"
	"github.com/quotaguard/quotaguard/store"
)

func mustRecord(t *testing.T, s store.Store, ctx context.Context, tenant string, ts time.Time) {
	t.Helper()
	if err := s.RecordEvent(ctx, &store.Event{Tenant: tenant, Provider: "anthropic", Model: "claude-3", Timestamp: ts, Kind: store.EventAllowed}); err != nil {
		t.Fatal(err)
	}
}

func TestAnalyzeInsufficientData(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	d := New(s, clk)

	future := clk.Now().Add(time.Hour)
	tenant := &store.Tenant{ID: "t1", Tier: store.TierPro, PaidUntil: &future}
	for i := 0; i < 3; i++ {
		mustRecord(t, s, ctx, tenant.ID, clk.Now().Add(-time.Duration(i)*time.Hour))
	}

	res, err := d.Analyze(ctx, tenant)
	if err != nil {
		t.Fatal(err)
	}
	if !res.InsufficientData {
		t.Fatalf("expected insufficient data with only 3 events, got %+v", res)
	}
}

func TestAnalyzeGatedByMayLearnPatterns(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	d := New(s, clk)

	tenant := &store.Tenant{ID: "t2", Tier: store.TierFree}
	for i := 0; i < 20; i++ {
		mustRecord(t, s, ctx, tenant.ID, clk.Now().Add(-time.Duration(i)*time.Minute))
	}

	res, err := d.Analyze(ctx, tenant)
	if err != nil {
		t.Fatal(err)
	}
	if !res.InsufficientData {
		t.Fatal("expected free tier (may-learn-patterns=false) to short-circuit regardless of event count")
	}
}

func TestAnalyzeBurstyTraffic(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now()
	clk := clock.NewFake(now)
	d := New(s, clk, WithConfidenceThreshold(0))

	future := now.Add(time.Hour)
	tenant := &store.Tenant{ID: "t3", Tier: store.TierPro, PaidUntil: &future}

	// A handful of tight clusters far apart produces a high coefficient
	// of variation in inter-arrival times.
	base := now.Add(-6 * time.Hour)
	ts := []time.Time{}
	for c := 0; c < 4; c++ {
		clusterStart := base.Add(time.Duration(c) * time.Hour)
		for i := 0; i < 5; i++ {
			ts = append(ts, clusterStart.Add(time.Duration(i)*time.Second))
		}
	}
	for _, t0 := range ts {
		mustRecord(t, s, ctx, tenant.ID, t0)
	}

	res, err := d.Analyze(ctx, tenant)
	if err != nil {
		t.Fatal(err)
	}
	if res.InsufficientData {
		t.Fatalf("expected enough events, got insufficient: %d recorded", len(ts))
	}

	found := false
	for _, p := range res.Patterns {
		if p.Kind == store.PatternBurst {
			found = true
			if p.Label != "bursty" {
				t.Fatalf("expected bursty classification, got %s", p.Label)
			}
		}
	}
	if !found {
		t.Fatal("expected a burst pattern to be produced")
	}
}

func TestPredictReturnsHighestConfidence(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	d := New(s, clk)

	low := &store.Pattern{ID: "low", Tenant: "t4", Kind: store.PatternDayOfWeek, Label: "even", Confidence: 0.4}
	high := &store.Pattern{ID: "high", Tenant: "t4", Kind: store.PatternBurst, Label: "bursty", Confidence: 0.9, SuggestedQueueSize: 50}
	if err := s.UpsertPattern(ctx, low); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertPattern(ctx, high); err != nil {
		t.Fatal(err)
	}

	pred, err := d.Predict(ctx, "t4")
	if err != nil {
		t.Fatal(err)
	}
	if pred.Best == nil || pred.Best.ID != "high" {
		t.Fatalf("expected highest-confidence pattern 'high', got %+v", pred.Best)
	}
	if len(pred.Recommendations) == 0 {
		t.Fatal("expected a burst recommendation to be attached")
	}
}
