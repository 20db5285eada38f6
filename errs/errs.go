// Package errs defines the structured error taxonomy of the admission
// pipeline. These are values, not sentinels: each carries the fields the
// host needs to render a dashboard row or a log line instead of a bare
// string.
package errs

import "fmt"

// Horizon identifies which sliding window a decision was made against.
type Horizon string

const (
	HorizonMinute Horizon = "minute"
	HorizonHour   Horizon = "hour"
	HorizonDay    Horizon = "day"
)

// LimitExceeded is returned when wouldExceed is true and the tenant has no
// eligible queueing path.
type LimitExceeded struct {
	Tenant     string
	Provider   string
	Model      string
	Horizon    Horizon
	Current    int64
	Limit      int64
	PercentUsed float64
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("quota exceeded: tenant=%s provider=%s model=%s horizon=%s %d/%d (%.1f%%)",
		e.Tenant, e.Provider, e.Model, e.Horizon, e.Current, e.Limit, e.PercentUsed)
}

// Queued is returned when wouldExceed is true but the request was admitted
// into the deferred queue instead of being rejected outright. The host is
// contractually required to treat this as a non-fatal refusal.
type Queued struct {
	Tenant      string
	Provider    string
	Model       string
	Horizon     Horizon
	Current     int64
	Limit       int64
	PercentUsed float64
	QueueID     string
}

func (e *Queued) Error() string {
	return fmt.Sprintf("request queued: tenant=%s queue_id=%s horizon=%s %d/%d (%.1f%%)",
		e.Tenant, e.QueueID, e.Horizon, e.Current, e.Limit, e.PercentUsed)
}

// QueueDisabled is returned when a free-tier tenant attempts to queue.
type QueueDisabled struct {
	Tenant string
}

func (e *QueueDisabled) Error() string {
	return fmt.Sprintf("queueing disabled for tenant %s (tier does not grant may-queue)", e.Tenant)
}

// QueueFull is returned when a pro-tier tenant's queue is at max-queue-size.
type QueueFull struct {
	Tenant   string
	MaxSize  int
	Pending  int
}

func (e *QueueFull) Error() string {
	return fmt.Sprintf("queue full for tenant %s (%d/%d pending)", e.Tenant, e.Pending, e.MaxSize)
}

// InvalidInput is returned for unknown providers, out-of-range priorities,
// unknown horizons, and similar caller errors.
type InvalidInput struct {
	Field  string
	Reason string
}

func (e *InvalidInput) Error() string {
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

// StoreError wraps a failure from the durable store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NotFound is returned by cancel/update operations against a non-existent
// or already-terminal queue entry.
type NotFound struct {
	Kind string
	ID   string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}
