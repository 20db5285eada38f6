package store

import (
	"context"
	"testing"
	"time"
)

func TestLimitConfigPrecedence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	wildcard := &LimitConfig{Provider: "anthropic", Model: "", Tier: TierFree, RequestsPerMin: ptr(10)}
	exact := &LimitConfig{Provider: "anthropic", Model: "claude-3", Tier: TierFree, RequestsPerMin: ptr(5)}
	if err := s.UpsertLimitConfig(ctx, wildcard); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertLimitConfig(ctx, exact); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetLimitConfig(ctx, "anthropic", "claude-3", TierFree)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || *got.RequestsPerMin != 5 {
		t.Fatalf("expected exact model match to win, got %+v", got)
	}

	got, err = s.GetLimitConfig(ctx, "anthropic", "gpt-impostor", TierFree)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || *got.RequestsPerMin != 10 {
		t.Fatalf("expected wildcard fallback, got %+v", got)
	}

	got, err = s.GetLimitConfig(ctx, "unknown-provider", "", TierFree)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nothing for unconfigured provider, got %+v", got)
	}
}

func TestWindowLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	w := &Window{Tenant: "t1", Provider: "anthropic", Model: "claude", Horizon: HorizonMinute,
		Start: now, End: now.Add(time.Minute), RequestLimit: ptr(50)}
	if err := s.CreateWindow(ctx, w); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCurrentWindow(ctx, "t1", "anthropic", "claude", HorizonMinute, now)
	if err != nil || got == nil {
		t.Fatalf("expected active window, err=%v got=%+v", err, got)
	}

	if err := s.IncrementWindow(ctx, got.ID, 100); err != nil {
		t.Fatal(err)
	}
	got2, _ := s.GetCurrentWindow(ctx, "t1", "anthropic", "claude", HorizonMinute, now)
	if got2.RequestCount != 1 || got2.TokenCount != 100 {
		t.Fatalf("expected count 1/100, got %d/%d", got2.RequestCount, got2.TokenCount)
	}

	if err := s.DeactivateWindow(ctx, got.ID); err != nil {
		t.Fatal(err)
	}
	got3, _ := s.GetCurrentWindow(ctx, "t1", "anthropic", "claude", HorizonMinute, now)
	if got3 != nil {
		t.Fatalf("expected no active window after deactivate, got %+v", got3)
	}
}

func TestQueueOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	// Two equal-priority entries (p=8) queued at different times, plus one
	// lower-priority entry (p=3) queued first: priority should win outright.
	low := &QueueEntry{Tenant: "t2", Priority: 3, QueuedAt: base}
	highA := &QueueEntry{Tenant: "t2", Priority: 8, QueuedAt: base.Add(time.Second)}
	highB := &QueueEntry{Tenant: "t2", Priority: 8, QueuedAt: base.Add(2 * time.Second)}

	for _, e := range []*QueueEntry{low, highA, highB} {
		if err := s.Enqueue(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{highA.ID, highB.ID, low.ID}
	for i, id := range want {
		got, err := s.DequeueOne(ctx, "t2")
		if err != nil || got == nil {
			t.Fatalf("dequeue %d: err=%v got=%v", i, err, got)
		}
		if got.ID != id {
			t.Fatalf("dequeue %d: want %s got %s", i, id, got.ID)
		}
		if err := s.CompleteQueued(ctx, got.ID, true, ""); err != nil {
			t.Fatal(err)
		}
	}
}

func TestQueueCapacityAndCancel(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e := &QueueEntry{Tenant: "t3", Priority: 5, QueuedAt: time.Now()}
	if err := s.Enqueue(ctx, e); err != nil {
		t.Fatal(err)
	}
	stats, err := s.QueueStats(ctx, "t3")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 {
		t.Fatalf("expected 1 pending, got %d", stats.Pending)
	}

	if err := s.CancelQueued(ctx, e.ID); err != nil {
		t.Fatal(err)
	}
	stats, _ = s.QueueStats(ctx, "t3")
	if stats.Failed != 1 || stats.Pending != 0 {
		t.Fatalf("expected cancel to move to failed, got %+v", stats)
	}

	if err := s.CancelQueued(ctx, e.ID); err == nil {
		t.Fatal("expected error cancelling an already-terminal entry")
	}
}

func TestTenantEffectiveTier(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	expired := &Tenant{ID: "a", Tier: TierPro, PaidUntil: &past}
	if expired.EffectiveTier(now) != TierFree {
		t.Fatal("expired paid-until should be treated as free")
	}

	active := &Tenant{ID: "b", Tier: TierPro, PaidUntil: &future}
	if active.EffectiveTier(now) != TierPro {
		t.Fatal("unexpired paid-until should stay pro")
	}

	noPaidUntil := &Tenant{ID: "c", Tier: TierPro}
	if noPaidUntil.EffectiveTier(now) != TierFree {
		t.Fatal("absent paid-until should be treated as free even if tier=pro")
	}
}
