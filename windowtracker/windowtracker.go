// Package windowtracker implements the sliding-window arithmetic and the
// "would this request exceed a given horizon" predicate. It
// owns no policy beyond the window math itself: admission policy
// (queue-or-block, tier gating) lives in manager.
package windowtracker

import (
	"context"
	"fmt"

	"github.com/quotaguard/quotaguard/clock"
	"github.com/quotaguard/quotaguard/store"
)

// Decision is the result of a WouldExceed check for one horizon.
type Decision struct {
	Exceeded    bool
	Current     int64
	Limit       int64 // 0 when unenforced
	PercentUsed float64
	Horizon     store.Horizon
	WindowID    string
}

// Tracker maintains per-(tenant, provider, model, horizon) sliding windows.
type Tracker struct {
	store store.Store
	clock clock.Clock
}

// New constructs a Tracker over the given Store, using clk for "now".
func New(s store.Store, clk clock.Clock) *Tracker {
	return &Tracker{store: s, clock: clk}
}

// Resolve returns the most specific matching LimitConfig for
// (provider, model, tier), falling back to the built-in default table
// when nothing is configured for the (provider, model, tier) triple.
func (t *Tracker) Resolve(ctx context.Context, provider, model string, tier store.Tier) (*store.LimitConfig, error) {
	cfg, err := t.store.GetLimitConfig(ctx, provider, model, tier)
	if err != nil {
		return nil, fmt.Errorf("resolve limit config: %w", err)
	}
	if cfg != nil {
		return cfg, nil
	}
	if def := store.ResolveDefault(provider, tier); def != nil {
		return def, nil
	}
	// No configured row and no built-in default (an arbitrary additional
	// provider with nothing set up): every horizon is unenforced.
	return &store.LimitConfig{Provider: provider, Model: model, Tier: tier}, nil
}

// currentOrRotated returns the active window for the key, creating one
// from the resolved LimitConfig if absent, or rotating it if stale.
func (t *Tracker) currentOrRotated(ctx context.Context, tenant, provider, model string, horizon store.Horizon, tier store.Tier) (*store.Window, error) {
	now := t.clock.Now()

	w, err := t.store.GetCurrentWindow(ctx, tenant, provider, model, horizon, now)
	if err != nil {
		return nil, fmt.Errorf("get current window: %w", err)
	}

	if w != nil && w.Stale(now) {
		if err := t.store.DeactivateWindow(ctx, w.ID); err != nil {
			return nil, fmt.Errorf("deactivate stale window: %w", err)
		}
		w = nil
	}

	if w == nil {
		cfg, err := t.Resolve(ctx, provider, model, tier)
		if err != nil {
			return nil, err
		}
		reqLimit, tokLimit := cfg.LimitFor(horizon)
		fresh := &store.Window{
			Tenant:       tenant,
			Provider:     provider,
			Model:        model,
			Horizon:      horizon,
			Start:        now,
			End:          now.Add(horizon.Duration()),
			RequestLimit: reqLimit,
			TokenLimit:   tokLimit,
			Active:       true,
		}
		if err := t.store.CreateWindow(ctx, fresh); err != nil {
			return nil, fmt.Errorf("create window: %w", err)
		}
		w = fresh
	}

	return w, nil
}

// WouldExceed ensures a current (possibly freshly rotated) window exists,
// then decides whether admitting one more request would breach either the
// request-count or token-count ceiling. The token-limit check compares
// the *current* token-count to the limit, with no forward estimate of the
// request about to be made, so a single oversized request can still slip
// through before its own usage is recorded.
func (t *Tracker) WouldExceed(ctx context.Context, tenant, provider, model string, horizon store.Horizon, tier store.Tier) (Decision, error) {
	w, err := t.currentOrRotated(ctx, tenant, provider, model, horizon, tier)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Horizon: horizon, WindowID: w.ID}

	reqExceeded := w.RequestLimit != nil && w.RequestCount >= *w.RequestLimit
	tokExceeded := w.TokenLimit != nil && w.TokenCount >= *w.TokenLimit
	d.Exceeded = reqExceeded || tokExceeded

	switch {
	case reqExceeded:
		d.Current = w.RequestCount
		d.Limit = *w.RequestLimit
	case tokExceeded:
		d.Current = w.TokenCount
		d.Limit = *w.TokenLimit
	case w.RequestLimit != nil:
		d.Current = w.RequestCount
		d.Limit = *w.RequestLimit
	default:
		d.Current = w.RequestCount
	}
	if d.Limit > 0 {
		d.PercentUsed = 100 * float64(d.Current) / float64(d.Limit)
	}
	return d, nil
}

// Increment ensures a current window (creating/rotating as needed) and
// applies request-count += 1, token-count += deltaTokens. Used by the
// Manager's pre-call path to reserve the admitted slot before the
// provider call is known to have succeeded.
func (t *Tracker) Increment(ctx context.Context, tenant, provider, model string, horizon store.Horizon, tier store.Tier, deltaTokens int64) error {
	w, err := t.currentOrRotated(ctx, tenant, provider, model, horizon, tier)
	if err != nil {
		return err
	}
	if err := t.store.IncrementWindow(ctx, w.ID, deltaTokens); err != nil {
		return fmt.Errorf("increment window: %w", err)
	}
	return nil
}

// AddTokens raises only token-count, without incrementing request-count.
// Used by the post-call path to record true token usage without
// double-counting the request that was already pre-incremented.
func (t *Tracker) AddTokens(ctx context.Context, tenant, provider, model string, horizon store.Horizon, tier store.Tier, deltaTokens int64) error {
	w, err := t.currentOrRotated(ctx, tenant, provider, model, horizon, tier)
	if err != nil {
		return err
	}
	if err := t.store.AddTokensToWindow(ctx, w.ID, deltaTokens); err != nil {
		return fmt.Errorf("add tokens to window: %w", err)
	}
	return nil
}

// ActiveWindows is a materialised view for status/dashboard reads.
func (t *Tracker) ActiveWindows(ctx context.Context, tenant string) ([]*store.Window, error) {
	ws, err := t.store.GetActiveWindows(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("get active windows: %w", err)
	}
	return ws, nil
}
