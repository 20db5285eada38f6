package windowtracker

import (
	"context"
	"testing"
	"time"

	"github.com/quotaguard/quotaguard/clock"
	"github.com/quotaguard/quotaguard/store"
)

func TestWouldExceedUsesBuiltInDefault(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	tr := New(s, clk)

	def := store.ResolveDefault("anthropic", store.TierFree)
	if def == nil || def.RequestsPerMin == nil {
		t.Fatal("expected a built-in free-tier default for anthropic")
	}
	limit := *def.RequestsPerMin

	for i := int64(0); i < limit; i++ {
		d, err := tr.WouldExceed(ctx, "tenant-1", "anthropic", "claude-3", store.HorizonMinute, store.TierFree)
		if err != nil {
			t.Fatal(err)
		}
		if d.Exceeded {
			t.Fatalf("request %d should not exceed (limit=%d)", i, limit)
		}
		if err := tr.Increment(ctx, "tenant-1", "anthropic", "claude-3", store.HorizonMinute, store.TierFree, 10); err != nil {
			t.Fatal(err)
		}
	}

	d, err := tr.WouldExceed(ctx, "tenant-1", "anthropic", "claude-3", store.HorizonMinute, store.TierFree)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Exceeded {
		t.Fatalf("expected minute window to be exceeded after %d requests", limit)
	}
	if d.Current != limit || d.Limit != limit {
		t.Fatalf("expected current/limit %d/%d, got %d/%d", limit, limit, d.Current, d.Limit)
	}
}

func TestWindowRotatesWhenStale(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	tr := New(s, clk)

	cfg := &store.LimitConfig{Provider: "anthropic", Model: "claude-3", Tier: store.TierFree, RequestsPerMin: intPtr(1)}
	if err := s.UpsertLimitConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	if err := tr.Increment(ctx, "tenant-2", "anthropic", "claude-3", store.HorizonMinute, store.TierFree, 5); err != nil {
		t.Fatal(err)
	}
	d, err := tr.WouldExceed(ctx, "tenant-2", "anthropic", "claude-3", store.HorizonMinute, store.TierFree)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Exceeded {
		t.Fatal("expected the 1-request-per-minute window to be exceeded")
	}

	clk.Advance(61 * time.Second)

	d, err = tr.WouldExceed(ctx, "tenant-2", "anthropic", "claude-3", store.HorizonMinute, store.TierFree)
	if err != nil {
		t.Fatal(err)
	}
	if d.Exceeded {
		t.Fatal("expected a fresh window after rotation, got exceeded")
	}
	if d.Current != 0 {
		t.Fatalf("expected rotated window to start at 0, got %d", d.Current)
	}
}

func TestTokenLimitExceededIndependentlyOfRequestCount(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	tr := New(s, clk)

	cfg := &store.LimitConfig{
		Provider: "anthropic", Model: "claude-3", Tier: store.TierFree,
		RequestsPerMin: intPtr(1000), TokensPerMin: intPtr(100),
	}
	if err := s.UpsertLimitConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	if err := tr.Increment(ctx, "tenant-3", "anthropic", "claude-3", store.HorizonMinute, store.TierFree, 150); err != nil {
		t.Fatal(err)
	}
	d, err := tr.WouldExceed(ctx, "tenant-3", "anthropic", "claude-3", store.HorizonMinute, store.TierFree)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Exceeded {
		t.Fatal("expected token ceiling to trip even though request count is low")
	}
	if d.Limit != 100 {
		t.Fatalf("expected reported limit 100 (token limit), got %d", d.Limit)
	}
}

func TestResolvePrecedenceExactOverWildcardOverDefault(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	tr := New(s, clk)

	got, err := tr.Resolve(ctx, "anthropic", "claude-3", store.TierFree)
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestsPerMin == nil {
		t.Fatal("expected built-in default to apply when nothing configured")
	}

	wildcard := &store.LimitConfig{Provider: "anthropic", Model: "", Tier: store.TierFree, RequestsPerMin: intPtr(7)}
	if err := s.UpsertLimitConfig(ctx, wildcard); err != nil {
		t.Fatal(err)
	}
	got, err = tr.Resolve(ctx, "anthropic", "claude-3", store.TierFree)
	if err != nil {
		t.Fatal(err)
	}
	if *got.RequestsPerMin != 7 {
		t.Fatalf("expected wildcard override (7), got %d", *got.RequestsPerMin)
	}

	exact := &store.LimitConfig{Provider: "anthropic", Model: "claude-3", Tier: store.TierFree, RequestsPerMin: intPtr(3)}
	if err := s.UpsertLimitConfig(ctx, exact); err != nil {
		t.Fatal(err)
	}
	got, err = tr.Resolve(ctx, "anthropic", "claude-3", store.TierFree)
	if err != nil {
		t.Fatal(err)
	}
	if *got.RequestsPerMin != 3 {
		t.Fatalf("expected exact-model override (3), got %d", *got.RequestsPerMin)
	}
}

func intPtr(n int64) *int64 { return &n }
