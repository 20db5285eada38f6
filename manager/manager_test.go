package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quotaguard/quotaguard/clock"
	"github.com/quotaguard/quotaguard/config"
	"github.com/quotaguard/quotaguard/errs"
	"github.com/quotaguard/quotaguard/store"
)

func newTestManager(t *testing.T, clk *clock.Fake) (*Manager, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	cfg := config.DefaultConfig()
	return New(s, clk, cfg), s
}

func TestPreCallBlocksAtFreeTierMinuteLimit(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	m, s := newTestManager(t, clk)

	cfg := &store.LimitConfig{Provider: "anthropic", Model: "claude-3", Tier: store.TierFree, RequestsPerMin: int64Ptr(2)}
	if err := s.UpsertLimitConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		req := &Request{}
		if err := m.PreCall(ctx, "r1", "anthropic", "claude-3", "free-tenant", "sess-1", req); err != nil {
			t.Fatalf("request %d should be admitted, got %v", i, err)
		}
	}

	err := m.PreCall(ctx, "r3", "anthropic", "claude-3", "free-tenant", "sess-1", &Request{})
	var limitErr *errs.LimitExceeded
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitExceeded on the 3rd request, got %v", err)
	}
	if limitErr.Current != 2 || limitErr.Limit != 2 {
		t.Fatalf("expected 2/2, got %d/%d", limitErr.Current, limitErr.Limit)
	}

	events, err := s.ListEvents(ctx, "free-tenant", store.EventBlocked, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one blocked event, got %d", len(events))
	}
}

func TestPreCallQueuesProTenantAndDrainAdmitsOnPostCall(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	m, s := newTestManager(t, clk)

	future := clk.Now().Add(24 * time.Hour)
	tenant := &store.Tenant{ID: "pro-tenant", Tier: store.TierPro, PaidUntil: &future, MaxQueueSize: 10}
	if err := s.UpsertTenant(ctx, tenant); err != nil {
		t.Fatal(err)
	}
	cfg := &store.LimitConfig{Provider: "anthropic", Model: "claude-3", Tier: store.TierPro, RequestsPerMin: int64Ptr(1)}
	if err := s.UpsertLimitConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	first := &Request{}
	if err := m.PreCall(ctx, "r1", "anthropic", "claude-3", "pro-tenant", "sess-2", first); err != nil {
		t.Fatalf("first request should admit: %v", err)
	}

	err := m.PreCall(ctx, "r2", "anthropic", "claude-3", "pro-tenant", "sess-2", &Request{})
	var queued *errs.Queued
	if !errors.As(err, &queued) {
		t.Fatalf("expected Queued for the 2nd request, got %v", err)
	}

	clk.Advance(61 * time.Second)

	m.PostCall(ctx, "r1", "anthropic", "claude-3", "pro-tenant", "sess-2", first, &Response{})

	list, err := m.ListQueued(ctx, "pro-tenant", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Status != store.QueueCompleted {
		t.Fatalf("expected the drained entry to be completed, got %+v", list)
	}
}

func TestPostCallIgnoresRequestsWithoutDecision(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	m, _ := newTestManager(t, clk)

	// No PreCall was made, so req.decision is nil: PostCall must be a no-op
	// and must not panic.
	m.PostCall(ctx, "r1", "anthropic", "claude-3", "tenant-x", "sess-3", &Request{}, &Response{})
}

func TestPostCallExtractsTokensFromCostMetrics(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	m, s := newTestManager(t, clk)

	req := &Request{}
	if err := m.PreCall(ctx, "r1", "anthropic", "claude-3", "free-tenant", "sess-4", req); err != nil {
		t.Fatal(err)
	}

	resp := &Response{Payload: map[string]any{
		"_cost_metrics": map[string]any{"tokens_total": int64(123)},
	}}
	m.PostCall(ctx, "r1", "anthropic", "claude-3", "free-tenant", "sess-4", req, resp)

	windows, err := s.GetActiveWindows(ctx, "free-tenant")
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, w := range windows {
		if w.Horizon == store.HorizonMinute {
			found = true
			if w.TokenCount != 123 {
				t.Fatalf("expected token count 123, got %d", w.TokenCount)
			}
		}
	}
	if !found {
		t.Fatal("expected a minute window to exist after pre-call")
	}
}

func TestSessionEndReleasesRoster(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	m, _ := newTestManager(t, clk)

	req := &Request{}
	if err := m.PreCall(ctx, "r1", "anthropic", "claude-3", "free-tenant", "sess-5", req); err != nil {
		t.Fatal(err)
	}
	m.SessionEnd(ctx, "sess-5", "free-tenant")

	if _, ok := m.sessions.get("sess-5"); ok {
		t.Fatal("expected session roster entry to be released after SessionEnd")
	}
}

func TestSetLimitGatedByCustomLimitsCapability(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	m, _ := newTestManager(t, clk)

	err := m.SetLimit(ctx, "free-tenant", "anthropic", "claude-3", int64Ptr(10), nil)
	var invalid *errs.InvalidInput
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidInput for a free tenant, got %v", err)
	}
}

func TestPredictGatedByLearnPatternsCapability(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	m, _ := newTestManager(t, clk)

	_, err := m.Predict(ctx, "free-tenant")
	var invalid *errs.InvalidInput
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidInput for a free tenant, got %v", err)
	}
}

func int64Ptr(n int64) *int64 { return &n }
