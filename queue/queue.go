// Package queue is the admission-gated policy layer above store's raw
// priority queue: tier-capability gating, max-queue-size enforcement,
// expiry-on-dequeue, and position/stat queries. It owns no persistence of
// its own; all state lives in the Store it wraps.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quotaguard/quotaguard/clock"
	"github.com/quotaguard/quotaguard/errs"
	"github.com/quotaguard/quotaguard/store"
)

// asNotFound translates a store.NotFoundErr into the public errs.NotFound
// taxonomy member, leaving any other store error to be wrapped as a plain
// errs.StoreError by the caller.
func asNotFound(err error) (*errs.NotFound, bool) {
	var nf *store.NotFoundErr
	if errors.As(err, &nf) {
		return &errs.NotFound{Kind: nf.Kind, ID: nf.ID}, true
	}
	return nil, false
}

// DefaultMaxAge is how long a pending entry may wait before a dequeue
// attempt fails it with reason "expired".
const DefaultMaxAge = 30 * time.Minute

// DefaultMaxRetries bounds how many times an entry may be re-attempted
// before it drops out of dequeue eligibility.
const DefaultMaxRetries = 3

const defaultPriority = 5

// Queue mediates admission into, and draining out of, the deferred-request
// backlog.
type Queue struct {
	store      store.Store
	clock      clock.Clock
	maxAge     time.Duration
	maxRetries int
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) Option { return func(q *Queue) { q.maxAge = d } }

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option { return func(q *Queue) { q.maxRetries = n } }

// New constructs a Queue over the given Store.
func New(s store.Store, clk clock.Clock, opts ...Option) *Queue {
	q := &Queue{store: s, clock: clk, maxAge: DefaultMaxAge, maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit enqueues a deferred request on behalf of tenant, gated by tier
// capability and current pending count. priority of 0 is normalised to
// the default (5).
func (q *Queue) Submit(ctx context.Context, tenant *store.Tenant, provider, model string, payload []byte, priority int) (*store.QueueEntry, error) {
	now := q.clock.Now()
	caps := tenant.Capabilities(now)

	if !caps.MayQueue {
		return nil, &errs.QueueDisabled{Tenant: tenant.ID}
	}

	stats, err := q.store.QueueStats(ctx, tenant.ID)
	if err != nil {
		return nil, &errs.StoreError{Op: "queue_stats", Err: err}
	}
	if stats.Pending >= caps.MaxQueueSize {
		return nil, &errs.QueueFull{Tenant: tenant.ID, MaxSize: caps.MaxQueueSize, Pending: stats.Pending}
	}

	if priority == 0 {
		priority = defaultPriority
	}
	if priority < 1 || priority > 10 {
		return nil, &errs.InvalidInput{Field: "priority", Reason: fmt.Sprintf("must be in [1,10], got %d", priority)}
	}

	entry := &store.QueueEntry{
		Tenant:     tenant.ID,
		Provider:   provider,
		Model:      model,
		Payload:    payload,
		Priority:   priority,
		MaxRetries: q.maxRetries,
		Status:     store.QueuePending,
		QueuedAt:   now,
	}
	if err := q.store.Enqueue(ctx, entry); err != nil {
		return nil, &errs.StoreError{Op: "enqueue", Err: err}
	}
	return entry, nil
}

// DequeueNext selects the next admissible entry for tenant (or across all
// tenants when tenant is ""), expiring stale entries along the way. It
// returns nil, nil when nothing is eligible.
func (q *Queue) DequeueNext(ctx context.Context, tenant string) (*store.QueueEntry, error) {
	now := q.clock.Now()
	for {
		entry, err := q.store.DequeueOne(ctx, tenant)
		if err != nil {
			return nil, &errs.StoreError{Op: "dequeue_one", Err: err}
		}
		if entry == nil {
			return nil, nil
		}
		if now.Sub(entry.QueuedAt) > q.maxAge {
			if err := q.store.CompleteQueued(ctx, entry.ID, false, "expired"); err != nil {
				return nil, &errs.StoreError{Op: "complete_queued_expired", Err: err}
			}
			continue
		}
		if entry.RetryCount >= entry.MaxRetries {
			if err := q.store.CompleteQueued(ctx, entry.ID, false, "retries exhausted"); err != nil {
				return nil, &errs.StoreError{Op: "complete_queued_retries", Err: err}
			}
			continue
		}
		return entry, nil
	}
}

// Complete records the terminal outcome of a dequeued entry. success=false
// increments retry-count via Store.CompleteQueued.
func (q *Queue) Complete(ctx context.Context, id string, success bool, errMsg string) error {
	if err := q.store.CompleteQueued(ctx, id, success, errMsg); err != nil {
		return &errs.StoreError{Op: "complete_queued", Err: err}
	}
	return nil
}

// Repend moves a dequeued-but-not-yet-admissible entry back to pending
// without incrementing retry-count, since no failure occurred.
func (q *Queue) Repend(ctx context.Context, id string) error {
	if err := q.store.RependQueued(ctx, id); err != nil {
		return &errs.StoreError{Op: "repend_queued", Err: err}
	}
	return nil
}

// Cancel moves a pending entry to failed with reason "cancelled". It
// returns *errs.NotFound when id does not name a pending entry.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	if err := q.store.CancelQueued(ctx, id); err != nil {
		if nf, ok := asNotFound(err); ok {
			return nf
		}
		return &errs.StoreError{Op: "cancel_queued", Err: err}
	}
	return nil
}

// UpdatePriority changes a pending entry's priority. It returns
// *errs.NotFound when id does not name a pending entry.
func (q *Queue) UpdatePriority(ctx context.Context, id string, priority int) error {
	if priority < 1 || priority > 10 {
		return &errs.InvalidInput{Field: "priority", Reason: fmt.Sprintf("must be in [1,10], got %d", priority)}
	}
	if err := q.store.UpdatePriority(ctx, id, priority); err != nil {
		if nf, ok := asNotFound(err); ok {
			return nf
		}
		return &errs.StoreError{Op: "update_priority", Err: err}
	}
	return nil
}

// Position returns the count of pending entries strictly ahead of id under
// the ordering rule (priority desc, queued-at asc). It returns
// *errs.NotFound when id does not name a pending entry.
func (q *Queue) Position(ctx context.Context, id string) (int, error) {
	pos, err := q.store.QueuePosition(ctx, id)
	if err != nil {
		if nf, ok := asNotFound(err); ok {
			return 0, nf
		}
		return 0, &errs.StoreError{Op: "queue_position", Err: err}
	}
	return pos, nil
}

// Stats returns per-tenant queue statistics.
func (q *Queue) Stats(ctx context.Context, tenant string) (*store.QueueStats, error) {
	stats, err := q.store.QueueStats(ctx, tenant)
	if err != nil {
		return nil, &errs.StoreError{Op: "queue_stats", Err: err}
	}
	return stats, nil
}

// List returns up to limit queued entries for tenant, in dequeue order.
func (q *Queue) List(ctx context.Context, tenant string, limit int) ([]*store.QueueEntry, error) {
	entries, err := q.store.ListQueued(ctx, tenant, limit)
	if err != nil {
		return nil, &errs.StoreError{Op: "list_queued", Err: err}
	}
	return entries, nil
}
