package store

import (
	"context"
	"time"
)

// Store is the durable persistence contract. Every operation is
// individually atomic; composite operations that must be atomic across
// several Store calls (admit + pre-increment, dequeue + increment) are
// the Manager's responsibility, coordinated by a per-tenant mutex.
//
// It is a flat method-per-operation interface with multiple interchangeable
// backends: memory, sqlite, and postgres.
type Store interface {
	// Tenants
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	UpsertTenant(ctx context.Context, t *Tenant) error

	// Limit configuration
	GetLimitConfig(ctx context.Context, provider, model string, tier Tier) (*LimitConfig, error)
	UpsertLimitConfig(ctx context.Context, cfg *LimitConfig) error

	// Windows
	GetCurrentWindow(ctx context.Context, tenant, provider, model string, horizon Horizon, now time.Time) (*Window, error)
	CreateWindow(ctx context.Context, w *Window) error
	DeactivateWindow(ctx context.Context, id string) error
	IncrementWindow(ctx context.Context, id string, deltaTokens int64) error
	AddTokensToWindow(ctx context.Context, id string, deltaTokens int64) error
	GetActiveWindows(ctx context.Context, tenant string) ([]*Window, error)

	// Queue
	Enqueue(ctx context.Context, e *QueueEntry) error
	DequeueOne(ctx context.Context, tenant string) (*QueueEntry, error)
	CompleteQueued(ctx context.Context, id string, success bool, errMsg string) error
	RependQueued(ctx context.Context, id string) error // processing -> pending, no retry increment
	CancelQueued(ctx context.Context, id string) error
	UpdatePriority(ctx context.Context, id string, priority int) error
	QueuePosition(ctx context.Context, id string) (int, error)
	QueueStats(ctx context.Context, tenant string) (*QueueStats, error)
	ListQueued(ctx context.Context, tenant string, limit int) ([]*QueueEntry, error)

	// Events
	RecordEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, tenant string, kind EventKind, since time.Time) ([]*Event, error)

	// Patterns
	UpsertPattern(ctx context.Context, p *Pattern) error
	ListPatterns(ctx context.Context, tenant string, limit int) ([]*Pattern, error)

	// Housekeeping
	PruneWindows(ctx context.Context, olderThan time.Time) (int, error)
	PruneQueueEntries(ctx context.Context, olderThan time.Time) (int, error)
	PruneEvents(ctx context.Context, olderThan time.Time) (int, error)
	PrunePatterns(ctx context.Context, minConfidence float64, olderThan time.Time) (int, error)

	// Close releases any underlying connection resources.
	Close() error
}

// QueueStats summarises a tenant's queue for status/dashboard reads.
type QueueStats struct {
	Pending           int
	Processing        int
	Completed         int
	Failed            int
	AverageWaitMillis float64
}
