package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

func (s *SQLiteStore) Enqueue(ctx context.Context, e *QueueEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = QueuePending
	}
	if e.QueuedAt.IsZero() {
		e.QueuedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries (id, tenant, provider, model, payload, priority, retry_count, max_retries, status, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Tenant, e.Provider, e.Model, e.Payload, e.Priority, e.RetryCount, e.MaxRetries, e.Status, e.QueuedAt)
	return err
}

// DequeueOne selects the single highest-priority pending entry for tenant
// (priority desc, queued-at asc), atomically marks it processing, and
// returns it. SQLite serializes writers, so the
// select-then-update is wrapped in one transaction to keep the pair
// atomic against other connections.
func (s *SQLiteStore) DequeueOne(ctx context.Context, tenant string) (*QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `SELECT id, tenant, provider, model, payload, priority, retry_count, max_retries, status, queued_at, processed_at, error
		FROM queue_entries WHERE status = 'pending'`
	args := []any{}
	if tenant != "" {
		query += ` AND tenant = ?`
		args = append(args, tenant)
	}
	query += ` ORDER BY priority DESC, queued_at ASC LIMIT 1`

	row := tx.QueryRowContext(ctx, query, args...)
	e, err := scanQueueEntry(row)
	if err != nil || e == nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE queue_entries SET status = 'processing' WHERE id = ?`, e.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.Status = QueueProcessing
	return e, nil
}

func scanQueueEntry(row *sql.Row) (*QueueEntry, error) {
	var e QueueEntry
	var processedAt sql.NullTime
	var errMsg sql.NullString
	if err := row.Scan(&e.ID, &e.Tenant, &e.Provider, &e.Model, &e.Payload, &e.Priority, &e.RetryCount, &e.MaxRetries, &e.Status, &e.QueuedAt, &processedAt, &errMsg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	e.Error = errMsg.String
	return &e, nil
}

func (s *SQLiteStore) CompleteQueued(ctx context.Context, id string, success bool, errMsg string) error {
	status := QueueCompleted
	retryIncrement := 0
	if !success {
		status = QueueFailed
		retryIncrement = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, error = ?, processed_at = ?, retry_count = retry_count + ?
		WHERE id = ?
	`, status, errMsg, time.Now(), retryIncrement, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "queue entry", id)
}

func (s *SQLiteStore) RependQueued(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE queue_entries SET status = 'pending' WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "queue entry", id)
}

func (s *SQLiteStore) CancelQueued(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'failed', error = 'cancelled', processed_at = ?
		WHERE id = ? AND status = 'pending'
	`, time.Now(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pending queue entry", id)
}

func (s *SQLiteStore) UpdatePriority(ctx context.Context, id string, priority int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET priority = ? WHERE id = ? AND status = 'pending'`, priority, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pending queue entry", id)
}

func (s *SQLiteStore) QueuePosition(ctx context.Context, id string) (int, error) {
	var queuedAt time.Time
	var priority int
	row := s.db.QueryRowContext(ctx, `SELECT priority, queued_at FROM queue_entries WHERE id = ? AND status = 'pending'`, id)
	if err := row.Scan(&priority, &queuedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, &NotFoundErr{Kind: "pending queue entry", ID: id}
		}
		return 0, err
	}
	var ahead int
	row = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries
		WHERE status = 'pending' AND id != ?
		AND (priority > ? OR (priority = ? AND queued_at < ?))
	`, id, priority, priority, queuedAt)
	if err := row.Scan(&ahead); err != nil {
		return 0, err
	}
	return ahead, nil
}

func (s *SQLiteStore) QueueStats(ctx context.Context, tenant string) (*QueueStats, error) {
	stats := &QueueStats{}
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), AVG(CASE WHEN processed_at IS NOT NULL THEN (julianday(processed_at) - julianday(queued_at)) * 86400000 END)
		FROM queue_entries WHERE tenant = ? GROUP BY status
	`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var waitSum float64
	var waitN int
	for rows.Next() {
		var status string
		var count int
		var avgWait sql.NullFloat64
		if err := rows.Scan(&status, &count, &avgWait); err != nil {
			return nil, err
		}
		switch QueueStatus(status) {
		case QueuePending:
			stats.Pending = count
		case QueueProcessing:
			stats.Processing = count
		case QueueCompleted:
			stats.Completed = count
		case QueueFailed:
			stats.Failed = count
		}
		if avgWait.Valid {
			waitSum += avgWait.Float64 * float64(count)
			waitN += count
		}
	}
	if waitN > 0 {
		stats.AverageWaitMillis = waitSum / float64(waitN)
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) ListQueued(ctx context.Context, tenant string, limit int) ([]*QueueEntry, error) {
	query := `SELECT id, tenant, provider, model, payload, priority, retry_count, max_retries, status, queued_at, processed_at, error
		FROM queue_entries`
	args := []any{}
	if tenant != "" {
		query += ` WHERE tenant = ?`
		args = append(args, tenant)
	}
	query += ` ORDER BY priority DESC, queued_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		var processedAt sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.Tenant, &e.Provider, &e.Model, &e.Payload, &e.Priority, &e.RetryCount, &e.MaxRetries, &e.Status, &e.QueuedAt, &processedAt, &errMsg); err != nil {
			return nil, err
		}
		if processedAt.Valid {
			e.ProcessedAt = &processedAt.Time
		}
		e.Error = errMsg.String
		out = append(out, &e)
	}
	return out, rows.Err()
}
