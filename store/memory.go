package store

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store backed by maps-per-resource and a
// container/heap priority queue. It has no restart durability; it exists
// for tests and for hosts that run in pure dry-run mode.
type MemoryStore struct {
	mu       sync.RWMutex
	tenants  map[string]*Tenant
	limits   map[string]*LimitConfig // key: provider|model|tier
	windows  map[string]*Window
	queue    queueHeap
	queueIdx map[string]*QueueEntry
	events   []*Event
	patterns map[string]*Pattern // key: patternID
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:  make(map[string]*Tenant),
		limits:   make(map[string]*LimitConfig),
		windows:  make(map[string]*Window),
		queue:    make(queueHeap, 0),
		queueIdx: make(map[string]*QueueEntry),
		patterns: make(map[string]*Pattern),
	}
}

func (s *MemoryStore) Close() error { return nil }

// --- Tenants ---

func (s *MemoryStore) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

// --- Limit configs ---

func limitKey(provider, model string, tier Tier) string {
	return provider + "|" + model + "|" + string(tier)
}

func (s *MemoryStore) GetLimitConfig(ctx context.Context, provider, model string, tier Tier) (*LimitConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Prefer exact model match over provider-wide wildcard.
	if model != "" {
		if cfg, ok := s.limits[limitKey(provider, model, tier)]; ok {
			cp := *cfg
			return &cp, nil
		}
	}
	if cfg, ok := s.limits[limitKey(provider, "", tier)]; ok {
		cp := *cfg
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) UpsertLimitConfig(ctx context.Context, cfg *LimitConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.limits[limitKey(cfg.Provider, cfg.Model, cfg.Tier)] = &cp
	return nil
}

// --- Windows ---

func windowKey(tenant, provider, model string, horizon Horizon) string {
	return tenant + "|" + provider + "|" + model + "|" + string(horizon)
}

func (s *MemoryStore) GetCurrentWindow(ctx context.Context, tenant, provider, model string, horizon Horizon, now time.Time) (*Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.windows {
		if w.Active && w.Tenant == tenant && w.Provider == provider && w.Model == model && w.Horizon == horizon {
			cp := *w
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CreateWindow(ctx context.Context, w *Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	cp := *w
	s.windows[w.ID] = &cp
	return nil
}

func (s *MemoryStore) DeactivateWindow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[id]
	if !ok {
		return &NotFoundErr{Kind: "window", ID: id}
	}
	w.Active = false
	return nil
}

func (s *MemoryStore) IncrementWindow(ctx context.Context, id string, deltaTokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[id]
	if !ok {
		return &NotFoundErr{Kind: "window", ID: id}
	}
	w.RequestCount++
	w.TokenCount += deltaTokens
	return nil
}

func (s *MemoryStore) AddTokensToWindow(ctx context.Context, id string, deltaTokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[id]
	if !ok {
		return &NotFoundErr{Kind: "window", ID: id}
	}
	w.TokenCount += deltaTokens
	return nil
}

func (s *MemoryStore) GetActiveWindows(ctx context.Context, tenant string) ([]*Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Window
	for _, w := range s.windows {
		if w.Active && w.Tenant == tenant {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Horizon < out[j].Horizon
	})
	return out, nil
}

// --- Queue ---

func (s *MemoryStore) Enqueue(ctx context.Context, e *QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = QueuePending
	}
	cp := *e
	s.queueIdx[e.ID] = &cp
	heap.Push(&s.queue, &cp)
	return nil
}

func (s *MemoryStore) DequeueOne(ctx context.Context, tenant string) (*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Pop-and-requeue scan: find the highest-priority pending entry for
	// this tenant (or any tenant if tenant == ""), leaving others in place.
	var deferred []*QueueEntry
	var picked *QueueEntry
	for s.queue.Len() > 0 {
		item := heap.Pop(&s.queue).(*QueueEntry)
		if picked == nil && item.Status == QueuePending && (tenant == "" || item.Tenant == tenant) {
			picked = item
			continue
		}
		deferred = append(deferred, item)
	}
	for _, d := range deferred {
		heap.Push(&s.queue, d)
	}
	if picked == nil {
		return nil, nil
	}
	picked.Status = QueueProcessing
	s.queueIdx[picked.ID] = picked
	heap.Push(&s.queue, picked)
	cp := *picked
	return &cp, nil
}

func (s *MemoryStore) CompleteQueued(ctx context.Context, id string, success bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queueIdx[id]
	if !ok {
		return &NotFoundErr{Kind: "queue entry", ID: id}
	}
	now := time.Now()
	e.ProcessedAt = &now
	if success {
		e.Status = QueueCompleted
	} else {
		e.Status = QueueFailed
		e.Error = errMsg
		e.RetryCount++
	}
	return nil
}

func (s *MemoryStore) RependQueued(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queueIdx[id]
	if !ok {
		return &NotFoundErr{Kind: "queue entry", ID: id}
	}
	// Re-pend does NOT increment retry-count, since no failure occurred.
	e.Status = QueuePending
	return nil
}

func (s *MemoryStore) CancelQueued(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queueIdx[id]
	if !ok {
		return &NotFoundErr{Kind: "queue entry", ID: id}
	}
	if e.Status != QueuePending {
		return &NotFoundErr{Kind: "pending queue entry", ID: id}
	}
	e.Status = QueueFailed
	e.Error = "cancelled"
	now := time.Now()
	e.ProcessedAt = &now
	return nil
}

func (s *MemoryStore) UpdatePriority(ctx context.Context, id string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queueIdx[id]
	if !ok {
		return &NotFoundErr{Kind: "queue entry", ID: id}
	}
	if e.Status != QueuePending {
		return &NotFoundErr{Kind: "pending queue entry", ID: id}
	}
	e.Priority = priority
	// Re-heapify: priority is a sort key captured at push time, so the
	// heap's invariant has changed out from under it. This mirrors
	// container/heap's documented pattern (heap.Fix after external
	// mutation) rather than re-pushing.
	for i, item := range s.queue {
		if item.ID == id {
			heap.Fix(&s.queue, i)
			break
		}
	}
	return nil
}

func (s *MemoryStore) QueuePosition(ctx context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.queueIdx[id]
	if !ok || target.Status != QueuePending {
		return 0, &NotFoundErr{Kind: "pending queue entry", ID: id}
	}
	ahead := 0
	for _, item := range s.queue {
		if item.ID == id || item.Status != QueuePending {
			continue
		}
		if queueLess(item, target) {
			ahead++
		}
	}
	return ahead, nil
}

func (s *MemoryStore) QueueStats(ctx context.Context, tenant string) (*QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &QueueStats{}
	var waitSum float64
	var waitN int
	for _, e := range s.queueIdx {
		if tenant != "" && e.Tenant != tenant {
			continue
		}
		switch e.Status {
		case QueuePending:
			stats.Pending++
		case QueueProcessing:
			stats.Processing++
		case QueueCompleted:
			stats.Completed++
			if e.ProcessedAt != nil {
				waitSum += e.ProcessedAt.Sub(e.QueuedAt).Seconds() * 1000
				waitN++
			}
		case QueueFailed:
			stats.Failed++
			if e.ProcessedAt != nil {
				waitSum += e.ProcessedAt.Sub(e.QueuedAt).Seconds() * 1000
				waitN++
			}
		}
	}
	if waitN > 0 {
		stats.AverageWaitMillis = waitSum / float64(waitN)
	}
	return stats, nil
}

func (s *MemoryStore) ListQueued(ctx context.Context, tenant string, limit int) ([]*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*QueueEntry
	for _, e := range s.queueIdx {
		if tenant != "" && e.Tenant != tenant {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return queueLess(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Events ---

func (s *MemoryStore) RecordEvent(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, tenant string, kind EventKind, since time.Time) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events {
		if tenant != "" && e.Tenant != tenant {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// --- Patterns ---

func (s *MemoryStore) UpsertPattern(ctx context.Context, p *Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.patterns[p.ID] = &cp
	return nil
}

func (s *MemoryStore) ListPatterns(ctx context.Context, tenant string, limit int) ([]*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Pattern
	for _, p := range s.patterns {
		if tenant != "" && p.Tenant != tenant {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Housekeeping ---

func (s *MemoryStore) PruneWindows(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, w := range s.windows {
		if !w.Active && w.End.Before(olderThan) {
			delete(s.windows, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PruneQueueEntries(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.queueIdx {
		if (e.Status == QueueCompleted || e.Status == QueueFailed) && e.ProcessedAt != nil && e.ProcessedAt.Before(olderThan) {
			delete(s.queueIdx, id)
			n++
		}
	}
	if n > 0 {
		filtered := s.queue[:0]
		for _, item := range s.queue {
			if _, ok := s.queueIdx[item.ID]; ok {
				filtered = append(filtered, item)
			}
		}
		s.queue = filtered
		heap.Init(&s.queue)
	}
	return n, nil
}

func (s *MemoryStore) PruneEvents(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	n := 0
	for _, e := range s.events {
		if e.Timestamp.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return n, nil
}

func (s *MemoryStore) PrunePatterns(ctx context.Context, minConfidence float64, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.patterns {
		if p.Confidence < minConfidence && p.LastObserved.Before(olderThan) {
			delete(s.patterns, id)
			n++
		}
	}
	return n, nil
}

// NotFoundErr is the sentinel every backend returns when a targeted
// mutation (cancel, update-priority, position) addresses a row that does
// not exist or is no longer in the state the operation requires. Callers
// outside this package detect it with errors.As.
type NotFoundErr struct {
	Kind string
	ID   string
}

func (e *NotFoundErr) Error() string { return e.Kind + " not found: " + e.ID }
