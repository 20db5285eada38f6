// Package manager is the orchestrator: the three pipeline hooks
// (PreCall/PostCall/SessionEnd) plus status/read queries, composing
// Store, WindowTracker, Queue and PatternDetector under a per-tenant
// mutual-exclusion guarantee. Manager owns the other four components by
// composition; none of them refer back to it.
package manager

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quotaguard/quotaguard/clock"
	"github.com/quotaguard/quotaguard/config"
	"github.com/quotaguard/quotaguard/errs"
	"github.com/quotaguard/quotaguard/metrics"
	"github.com/quotaguard/quotaguard/patterndetector"
	"github.com/quotaguard/quotaguard/queue"
	"github.com/quotaguard/quotaguard/store"
	"github.com/quotaguard/quotaguard/windowtracker"
)

// Manager is the single entry point a host wires into its request path.
type Manager struct {
	store    store.Store
	clock    clock.Clock
	tracker  *windowtracker.Tracker
	queue    *queue.Queue
	detector *patterndetector.Detector
	cfg      config.Config

	tenantLocks  sync.Map // tenant -> *sync.Mutex
	sessions     sessionRoster
	drainLimiter *rate.Limiter
}

// New constructs a Manager over the given Store, using clk for "now" and
// cfg for its tunables.
func New(s store.Store, clk clock.Clock, cfg config.Config) *Manager {
	return &Manager{
		store:        s,
		clock:        clk,
		tracker:      windowtracker.New(s, clk),
		queue:        queue.New(s, clk, queue.WithMaxAge(cfg.QueueMaxAge), queue.WithMaxRetries(cfg.QueueMaxRetries)),
		detector:     patterndetector.New(s, clk, patterndetector.WithLookback(cfg.PatternLookback), patterndetector.WithConfidenceThreshold(cfg.PatternConfidenceThreshold)),
		cfg:          cfg,
		drainLimiter: rate.NewLimiter(rate.Limit(cfg.DrainRatePerSecond), cfg.DrainBound),
	}
}

func (m *Manager) tenantMutex(tenant string) *sync.Mutex {
	v, _ := m.tenantLocks.LoadOrStore(tenant, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (m *Manager) loadOrCreateTenant(ctx context.Context, tenantID string) (*store.Tenant, error) {
	t, err := m.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t != nil {
		return t, nil
	}
	t = &store.Tenant{ID: tenantID, Tier: store.TierFree, CreatedAt: m.clock.Now()}
	if err := m.store.UpsertTenant(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (m *Manager) recordEvent(ctx context.Context, tenant, provider, model string, kind store.EventKind, h store.Horizon, current, limit int64, percent float64, requestID string, wasQueued bool, queueTimeMS int64, patternTag string) {
	e := &store.Event{
		Tenant: tenant, Provider: provider, Model: model, Timestamp: m.clock.Now(),
		Kind: kind, Horizon: h, CurrentCount: current, Limit: limit, PercentUsed: percent,
		RequestID: requestID, WasQueued: wasQueued, QueueTimeMS: queueTimeMS, DetectedPatternTag: patternTag,
	}
	if err := m.store.RecordEvent(ctx, e); err != nil {
		log.Printf("quotaguard: failed to record %s event for tenant %s: %v", kind, tenant, err)
	}
}

// PreCall is the admission entry point. It returns nil on admit,
// *errs.Queued on a non-fatal deferral, or one of *errs.LimitExceeded /
// *errs.QueueDisabled / *errs.QueueFull / *errs.InvalidInput on refusal.
func (m *Manager) PreCall(ctx context.Context, requestID, provider, model, tenantID, sessionID string, req *Request) error {
	if tenantID == "" {
		return &errs.InvalidInput{Field: "tenant", Reason: "must not be empty"}
	}
	if provider == "" {
		return &errs.InvalidInput{Field: "provider", Reason: "must not be empty"}
	}

	lock := m.tenantMutex(tenantID)
	lock.Lock()
	defer lock.Unlock()

	tenant, err := m.loadOrCreateTenant(ctx, tenantID)
	if err != nil {
		// Fail closed: a broken store must never silently admit.
		metrics.StoreErrors.WithLabelValues("load_tenant").Inc()
		m.recordEvent(ctx, tenantID, provider, model, store.EventBlocked, store.HorizonMinute, 0, 0, 0, requestID, false, 0, "")
		metrics.Decisions.WithLabelValues("blocked", provider, string(store.HorizonMinute)).Inc()
		return &errs.LimitExceeded{Tenant: tenantID, Provider: provider, Model: model, Horizon: errs.HorizonMinute}
	}

	now := m.clock.Now()
	tier := tenant.EffectiveTier(now)
	caps := tenant.Capabilities(now)

	for _, h := range store.AllHorizons {
		dec, err := m.tracker.WouldExceed(ctx, tenantID, provider, model, h, tier)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("would_exceed").Inc()
			m.recordEvent(ctx, tenantID, provider, model, store.EventBlocked, h, 0, 0, 0, requestID, false, 0, "")
			metrics.Decisions.WithLabelValues("blocked", provider, string(h)).Inc()
			return &errs.LimitExceeded{Tenant: tenantID, Provider: provider, Model: model, Horizon: errs.Horizon(h)}
		}

		if !dec.Exceeded {
			continue
		}

		if tier == store.TierPro && caps.MayQueue {
			entry, qerr := m.queue.Submit(ctx, tenant, provider, model, nil, req.Priority)
			if qerr != nil {
				m.recordEvent(ctx, tenantID, provider, model, store.EventBlocked, h, dec.Current, dec.Limit, dec.PercentUsed, requestID, false, 0, "")
				metrics.Decisions.WithLabelValues("blocked", provider, string(h)).Inc()
				var storeErr *errs.StoreError
				if errors.As(qerr, &storeErr) {
					// Fail closed: a store failure while queueing is a refusal.
					metrics.StoreErrors.WithLabelValues("queue_submit").Inc()
					return &errs.LimitExceeded{
						Tenant: tenantID, Provider: provider, Model: model, Horizon: errs.Horizon(h),
						Current: dec.Current, Limit: dec.Limit, PercentUsed: dec.PercentUsed,
					}
				}
				return qerr
			}
			m.recordEvent(ctx, tenantID, provider, model, store.EventQueued, h, dec.Current, dec.Limit, dec.PercentUsed, requestID, true, 0, "")
			metrics.Decisions.WithLabelValues("queued", provider, string(h)).Inc()
			if stats, serr := m.queue.Stats(ctx, tenantID); serr == nil {
				metrics.QueueDepth.WithLabelValues(tenantID).Set(float64(stats.Pending))
			}
			return &errs.Queued{
				Tenant: tenantID, Provider: provider, Model: model, Horizon: errs.Horizon(h),
				Current: dec.Current, Limit: dec.Limit, PercentUsed: dec.PercentUsed, QueueID: entry.ID,
			}
		}

		m.recordEvent(ctx, tenantID, provider, model, store.EventBlocked, h, dec.Current, dec.Limit, dec.PercentUsed, requestID, false, 0, "")
		metrics.Decisions.WithLabelValues("blocked", provider, string(h)).Inc()
		return &errs.LimitExceeded{
			Tenant: tenantID, Provider: provider, Model: model, Horizon: errs.Horizon(h),
			Current: dec.Current, Limit: dec.Limit, PercentUsed: dec.PercentUsed,
		}
	}

	for _, h := range store.AllHorizons {
		if err := m.tracker.Increment(ctx, tenantID, provider, model, h, tier, 0); err != nil {
			log.Printf("quotaguard: failed to pre-increment %s window for tenant %s: %v", h, tenantID, err)
		}
	}

	req.decision = &decisionRecord{tenant: tenantID, provider: provider, model: model, tier: tier}
	m.recordEvent(ctx, tenantID, provider, model, store.EventAllowed, "", 0, 0, 0, requestID, false, 0, "")
	metrics.Decisions.WithLabelValues("allowed", provider, "").Inc()
	m.sessions.register(sessionID, tenantID, now)
	return nil
}

// PostCall is the accounting + opportunistic-drain entry point. It never
// returns an error to the host: every failure is logged and swallowed so
// a successful provider call can never be invalidated by an accounting
// failure.
func (m *Manager) PostCall(ctx context.Context, requestID, provider, model, tenantID, sessionID string, req *Request, resp *Response) {
	if req == nil || req.decision == nil {
		return
	}

	lock := m.tenantMutex(tenantID)
	lock.Lock()
	defer lock.Unlock()

	tokens := extractTokens(resp)
	tier := req.decision.tier

	for _, h := range store.AllHorizons {
		if err := m.tracker.AddTokens(ctx, tenantID, provider, model, h, tier, tokens); err != nil {
			log.Printf("quotaguard: failed to add tokens to %s window for tenant %s: %v", h, tenantID, err)
		}
	}

	tenant, err := m.loadOrCreateTenant(ctx, tenantID)
	if err != nil {
		log.Printf("quotaguard: failed to load tenant %s for drain: %v", tenantID, err)
		return
	}
	now := m.clock.Now()
	if tenant.EffectiveTier(now) != store.TierPro || !tenant.Capabilities(now).MayQueue {
		return
	}

	m.drain(ctx, tenantID, tier)
	if stats, serr := m.queue.Stats(ctx, tenantID); serr == nil {
		metrics.QueueDepth.WithLabelValues(tenantID).Set(float64(stats.Pending))
	}
}

// drain is the bounded opportunistic drain loop: repeatedly dequeue one
// entry; admit it if the minute horizon has room, otherwise re-pend it
// and stop. golang.org/x/time/rate additionally caps how much drain work
// runs across the whole process per second, a storm-protection measure
// against a pathological backlog of tenants all becoming drainable at once.
func (m *Manager) drain(ctx context.Context, tenantID string, tier store.Tier) {
	for i := 0; i < m.cfg.DrainBound; i++ {
		if !m.drainLimiter.Allow() {
			metrics.DrainOutcomes.WithLabelValues("rate_limited").Inc()
			return
		}

		entry, err := m.queue.DequeueNext(ctx, tenantID)
		if err != nil {
			log.Printf("quotaguard: drain dequeue failed for tenant %s: %v", tenantID, err)
			return
		}
		if entry == nil {
			return
		}

		dec, err := m.tracker.WouldExceed(ctx, entry.Tenant, entry.Provider, entry.Model, store.HorizonMinute, tier)
		if err != nil {
			log.Printf("quotaguard: drain wouldExceed failed for entry %s: %v", entry.ID, err)
			if rerr := m.queue.Repend(ctx, entry.ID); rerr != nil {
				log.Printf("quotaguard: drain repend failed for entry %s: %v", entry.ID, rerr)
			}
			return
		}

		if dec.Exceeded {
			if err := m.queue.Repend(ctx, entry.ID); err != nil {
				log.Printf("quotaguard: drain repend failed for entry %s: %v", entry.ID, err)
			}
			metrics.DrainOutcomes.WithLabelValues("repend").Inc()
			return
		}

		for _, h := range store.AllHorizons {
			if err := m.tracker.Increment(ctx, entry.Tenant, entry.Provider, entry.Model, h, tier, 0); err != nil {
				log.Printf("quotaguard: drain pre-increment failed for entry %s horizon %s: %v", entry.ID, h, err)
			}
		}
		if err := m.queue.Complete(ctx, entry.ID, true, ""); err != nil {
			log.Printf("quotaguard: drain complete failed for entry %s: %v", entry.ID, err)
		}
		metrics.QueueWaitSeconds.Observe(m.clock.Now().Sub(entry.QueuedAt).Seconds())
		metrics.DrainOutcomes.WithLabelValues("admitted").Inc()
	}
}

// SessionEnd runs pattern analysis for eligible tenants, then roster
// cleanup. Like PostCall, it never returns an error.
func (m *Manager) SessionEnd(ctx context.Context, sessionID, tenantID string) {
	state, ok := m.sessions.get(sessionID)
	if !ok {
		return
	}

	tenant, err := m.loadOrCreateTenant(ctx, tenantID)
	if err != nil {
		log.Printf("quotaguard: failed to load tenant %s at session end: %v", tenantID, err)
		m.sessions.release(sessionID)
		return
	}

	now := m.clock.Now()
	if tenant.EffectiveTier(now) == store.TierPro && tenant.Capabilities(now).MayLearnPatterns {
		res, err := m.detector.Analyze(ctx, tenant)
		if err != nil {
			log.Printf("quotaguard: pattern analysis failed for tenant %s: %v", tenantID, err)
		} else {
			for _, p := range res.Patterns {
				metrics.PatternConfidence.Observe(p.Confidence)
			}
		}
	}

	duration := now.Sub(state.startedAt)
	_ = duration // surfaced via log only; the host reads durable state for dashboards
	log.Printf("quotaguard: session %s ended for tenant %s after %d requests (%s)", sessionID, tenantID, state.requestCount, duration)

	m.sessions.release(sessionID)
}

// GetStatus is a pure read of a tenant's current windows and queue stats.
func (m *Manager) GetStatus(ctx context.Context, tenantID string) (*StatusSnapshot, error) {
	tenant, err := m.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, &errs.StoreError{Op: "get_tenant", Err: err}
	}
	if tenant == nil {
		// An unknown tenant reads as free tier; no row is created here.
		tenant = &store.Tenant{ID: tenantID, Tier: store.TierFree}
	}
	windows, err := m.tracker.ActiveWindows(ctx, tenantID)
	if err != nil {
		return nil, &errs.StoreError{Op: "active_windows", Err: err}
	}
	qstats, err := m.queue.Stats(ctx, tenantID)
	if err != nil {
		return nil, &errs.StoreError{Op: "queue_stats", Err: err}
	}
	return &StatusSnapshot{
		Tenant:        tenantID,
		Tier:          tenant.EffectiveTier(m.clock.Now()),
		ActiveWindows: windows,
		QueueStats:    qstats,
	}, nil
}

// Predict delegates to PatternDetector for a pro-tenant usage forecast,
// gated on the tenant's may-learn-patterns capability.
func (m *Manager) Predict(ctx context.Context, tenantID string) (*patterndetector.Prediction, error) {
	tenant, err := m.loadOrCreateTenant(ctx, tenantID)
	if err != nil {
		return nil, &errs.StoreError{Op: "get_tenant", Err: err}
	}
	if !tenant.Capabilities(m.clock.Now()).MayLearnPatterns {
		return nil, &errs.InvalidInput{Field: "tenant", Reason: "tier does not grant may-learn-patterns"}
	}
	return m.detector.Predict(ctx, tenantID)
}

// ListPatterns is a thin read-API wrapper over the detector's stored output.
func (m *Manager) ListPatterns(ctx context.Context, tenantID string, limit int) ([]*store.Pattern, error) {
	ps, err := m.store.ListPatterns(ctx, tenantID, limit)
	if err != nil {
		return nil, &errs.StoreError{Op: "list_patterns", Err: err}
	}
	return ps, nil
}

// ListQueued is a thin read-API wrapper over the deferred-request backlog.
func (m *Manager) ListQueued(ctx context.Context, tenantID string, limit int) ([]*store.QueueEntry, error) {
	return m.queue.List(ctx, tenantID, limit)
}

// ListEvents is a thin read-API wrapper over the tenant's event log.
func (m *Manager) ListEvents(ctx context.Context, tenantID string, kind store.EventKind, since time.Time) ([]*store.Event, error) {
	events, err := m.store.ListEvents(ctx, tenantID, kind, since)
	if err != nil {
		return nil, &errs.StoreError{Op: "list_events", Err: err}
	}
	return events, nil
}

// SetLimit is the admin mutator for per-(provider, model) overrides, gated
// on the tenant's may-use-custom-limits capability.
func (m *Manager) SetLimit(ctx context.Context, tenantID, provider, model string, requestsPerMin, tokensPerMin *int64) error {
	tenant, err := m.loadOrCreateTenant(ctx, tenantID)
	if err != nil {
		return &errs.StoreError{Op: "get_tenant", Err: err}
	}
	if !tenant.Capabilities(m.clock.Now()).MayUseCustomLimits {
		return &errs.InvalidInput{Field: "tenant", Reason: "tier does not grant may-use-custom-limits"}
	}
	cfg := &store.LimitConfig{
		Provider: provider, Model: model, Tier: tenant.EffectiveTier(m.clock.Now()),
		RequestsPerMin: requestsPerMin, TokensPerMin: tokensPerMin,
	}
	if err := m.store.UpsertLimitConfig(ctx, cfg); err != nil {
		return &errs.StoreError{Op: "upsert_limit_config", Err: err}
	}
	return nil
}
