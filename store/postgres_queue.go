package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *PostgresStore) Enqueue(ctx context.Context, e *QueueEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = QueuePending
	}
	if e.QueuedAt.IsZero() {
		e.QueuedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_entries (id, tenant, provider, model, payload, priority, retry_count, max_retries, status, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.Tenant, e.Provider, e.Model, e.Payload, e.Priority, e.RetryCount, e.MaxRetries, e.Status, e.QueuedAt)
	return err
}

// DequeueOne uses SELECT ... FOR UPDATE SKIP LOCKED so multiple
// quotaguard processes sharing one Postgres instance never race each
// other onto the same queue entry.
func (s *PostgresStore) DequeueOne(ctx context.Context, tenant string) (*QueueEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `SELECT id, tenant, provider, model, payload, priority, retry_count, max_retries, status, queued_at, processed_at, error
		FROM queue_entries WHERE status = 'pending'`
	args := []any{}
	if tenant != "" {
		query += ` AND tenant = $1`
		args = append(args, tenant)
	}
	query += ` ORDER BY priority DESC, queued_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`

	var e QueueEntry
	err = tx.QueryRow(ctx, query, args...).Scan(
		&e.ID, &e.Tenant, &e.Provider, &e.Model, &e.Payload, &e.Priority, &e.RetryCount, &e.MaxRetries, &e.Status, &e.QueuedAt, &e.ProcessedAt, &e.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `UPDATE queue_entries SET status = 'processing' WHERE id = $1`, e.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	e.Status = QueueProcessing
	return &e, nil
}

func (s *PostgresStore) CompleteQueued(ctx context.Context, id string, success bool, errMsg string) error {
	status := QueueCompleted
	retryIncrement := 0
	if !success {
		status = QueueFailed
		retryIncrement = 1
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET status = $1, error = $2, processed_at = $3, retry_count = retry_count + $4
		WHERE id = $5
	`, status, errMsg, time.Now(), retryIncrement, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundErr{Kind: "queue entry", ID: id}
	}
	return nil
}

func (s *PostgresStore) RependQueued(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE queue_entries SET status = 'pending' WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundErr{Kind: "queue entry", ID: id}
	}
	return nil
}

func (s *PostgresStore) CancelQueued(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET status = 'failed', error = 'cancelled', processed_at = $1
		WHERE id = $2 AND status = 'pending'
	`, time.Now(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundErr{Kind: "pending queue entry", ID: id}
	}
	return nil
}

func (s *PostgresStore) UpdatePriority(ctx context.Context, id string, priority int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_entries SET priority = $1 WHERE id = $2 AND status = 'pending'`, priority, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundErr{Kind: "pending queue entry", ID: id}
	}
	return nil
}

func (s *PostgresStore) QueuePosition(ctx context.Context, id string) (int, error) {
	var priority int
	var queuedAt time.Time
	err := s.pool.QueryRow(ctx, `SELECT priority, queued_at FROM queue_entries WHERE id = $1 AND status = 'pending'`, id).
		Scan(&priority, &queuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &NotFoundErr{Kind: "pending queue entry", ID: id}
	}
	if err != nil {
		return 0, err
	}

	var ahead int
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_entries
		WHERE status = 'pending' AND id != $1
		AND (priority > $2 OR (priority = $2 AND queued_at < $3))
	`, id, priority, queuedAt).Scan(&ahead)
	return ahead, err
}

func (s *PostgresStore) QueueStats(ctx context.Context, tenant string) (*QueueStats, error) {
	stats := &QueueStats{}
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*), AVG(EXTRACT(EPOCH FROM (processed_at - queued_at)) * 1000)
		FROM queue_entries WHERE tenant = $1 GROUP BY status
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
		var avgWait *float64
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
		if avgWait != nil {
			waitSum += *avgWait * float64(count)
			waitN += count
		}
	}
	if waitN > 0 {
		stats.AverageWaitMillis = waitSum / float64(waitN)
	}
	return stats, rows.Err()
}

func (s *PostgresStore) ListQueued(ctx context.Context, tenant string, limit int) ([]*QueueEntry, error) {
	query := `SELECT id, tenant, provider, model, payload, priority, retry_count, max_retries, status, queued_at, processed_at, error
		FROM queue_entries`
	args := []any{}
	if tenant != "" {
		query += ` WHERE tenant = $1`
		args = append(args, tenant)
	}
	query += ` ORDER BY priority DESC, queued_at ASC`
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.ID, &e.Tenant, &e.Provider, &e.Model, &e.Payload, &e.Priority, &e.RetryCount, &e.MaxRetries, &e.Status, &e.QueuedAt, &e.ProcessedAt, &e.Error); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
