package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quotaguard/quotaguard/clock"
	"github.com/quotaguard/quotaguard/errs"
	"github.com/quotaguard/quotaguard/store"
)

func TestSubmitRejectsFreeTier(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	q := New(s, clk)

	tenant := &store.Tenant{ID: "free-tenant", Tier: store.TierFree}
	_, err := q.Submit(ctx, tenant, "anthropic", "claude-3", nil, 5)
	var disabled *errs.QueueDisabled
	if !errors.As(err, &disabled) {
		t.Fatalf("expected QueueDisabled, got %v", err)
	}
}

func TestSubmitRejectsWhenFull(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	q := New(s, clk)

	future := clk.Now().Add(time.Hour)
	tenant := &store.Tenant{ID: "pro-tenant", Tier: store.TierPro, PaidUntil: &future, MaxQueueSize: 1}

	if _, err := q.Submit(ctx, tenant, "anthropic", "claude-3", nil, 5); err != nil {
		t.Fatalf("first submit should succeed: %v", err)
	}
	_, err := q.Submit(ctx, tenant, "anthropic", "claude-3", nil, 5)
	var full *errs.QueueFull
	if !errors.As(err, &full) {
		t.Fatalf("expected QueueFull, got %v", err)
	}
}

func TestDequeueNextExpiresStaleEntries(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	q := New(s, clk, WithMaxAge(time.Minute))

	future := clk.Now().Add(time.Hour)
	tenant := &store.Tenant{ID: "pro-tenant", Tier: store.TierPro, PaidUntil: &future, MaxQueueSize: 10}

	stale, err := q.Submit(ctx, tenant, "anthropic", "claude-3", nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Minute)
	fresh, err := q.Submit(ctx, tenant, "anthropic", "claude-3", nil, 5)
	if err != nil {
		t.Fatal(err)
	}

	got, err := q.DequeueNext(ctx, tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != fresh.ID {
		t.Fatalf("expected the fresh entry to be dequeued after expiring the stale one, got %+v", got)
	}

	stats, err := q.Stats(ctx, tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 {
		t.Fatalf("expected the expired entry to count as failed, got %+v", stats)
	}
	_ = stale
}

func TestRependDoesNotIncrementRetryCount(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	q := New(s, clk)

	future := clk.Now().Add(time.Hour)
	tenant := &store.Tenant{ID: "pro-tenant", Tier: store.TierPro, PaidUntil: &future, MaxQueueSize: 10}
	entry, err := q.Submit(ctx, tenant, "anthropic", "claude-3", nil, 5)
	if err != nil {
		t.Fatal(err)
	}

	got, err := q.DequeueNext(ctx, tenant.ID)
	if err != nil || got == nil {
		t.Fatalf("expected to dequeue the entry, err=%v got=%v", err, got)
	}
	if err := q.Repend(ctx, got.ID); err != nil {
		t.Fatal(err)
	}

	list, err := q.List(ctx, tenant.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].RetryCount != 0 {
		t.Fatalf("expected retry count to stay 0 after repend, got %+v", list)
	}
	if list[0].ID != entry.ID {
		t.Fatalf("expected repended entry to be %s, got %s", entry.ID, list[0].ID)
	}
}

func TestCancelMarksEntryFailed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	q := New(s, clk)

	future := clk.Now().Add(time.Hour)
	tenant := &store.Tenant{ID: "pro-tenant", Tier: store.TierPro, PaidUntil: &future, MaxQueueSize: 10}
	entry, err := q.Submit(ctx, tenant, "anthropic", "claude-3", nil, 5)
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Cancel(ctx, entry.ID); err != nil {
		t.Fatal(err)
	}

	stats, err := q.Stats(ctx, tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 || stats.Pending != 0 {
		t.Fatalf("expected the cancelled entry to count as failed, got %+v", stats)
	}
}

func TestCancelUnknownEntryReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	q := New(s, clk)

	err := q.Cancel(ctx, "does-not-exist")
	var notFound *errs.NotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestUpdatePriorityChangesOrdering(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	q := New(s, clk)

	future := clk.Now().Add(time.Hour)
	tenant := &store.Tenant{ID: "pro-tenant", Tier: store.TierPro, PaidUntil: &future, MaxQueueSize: 10}

	low, err := q.Submit(ctx, tenant, "anthropic", "claude-3", nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	high, err := q.Submit(ctx, tenant, "anthropic", "claude-3", nil, 8)
	if err != nil {
		t.Fatal(err)
	}

	if err := q.UpdatePriority(ctx, low.ID, 10); err != nil {
		t.Fatal(err)
	}

	got, err := q.DequeueNext(ctx, tenant.ID)
	if err != nil || got == nil {
		t.Fatalf("expected to dequeue an entry, err=%v got=%v", err, got)
	}
	if got.ID != low.ID {
		t.Fatalf("expected the re-prioritised entry %s to dequeue first, got %s", low.ID, got.ID)
	}
	_ = high
}

func TestUpdatePriorityUnknownEntryReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	q := New(s, clk)

	err := q.UpdatePriority(ctx, "does-not-exist", 5)
	var notFound *errs.NotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestUpdatePriorityRejectsOutOfRange(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	q := New(s, clk)

	err := q.UpdatePriority(ctx, "irrelevant", 11)
	var invalid *errs.InvalidInput
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestPositionReflectsQueueOrder(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	q := New(s, clk)

	future := clk.Now().Add(time.Hour)
	tenant := &store.Tenant{ID: "pro-tenant", Tier: store.TierPro, PaidUntil: &future, MaxQueueSize: 10}

	first, err := q.Submit(ctx, tenant, "anthropic", "claude-3", nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Submit(ctx, tenant, "anthropic", "claude-3", nil, 5)
	if err != nil {
		t.Fatal(err)
	}

	pos, err := q.Position(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 1 {
		t.Fatalf("expected the later-queued equal-priority entry to have 1 entry ahead of it, got %d", pos)
	}

	pos, err = q.Position(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 0 {
		t.Fatalf("expected the first-queued entry to have nothing ahead of it, got %d", pos)
	}
}

func TestPositionUnknownEntryReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	q := New(s, clk)

	_, err := q.Position(ctx, "does-not-exist")
	var notFound *errs.NotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
