package store

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

func (s *PostgresStore) RecordEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, tenant, provider, model, timestamp, kind, horizon, current_count, limit_value, percent_used, request_id, was_queued, queue_time_ms, detected_pattern_tag)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, e.ID, e.Tenant, e.Provider, e.Model, e.Timestamp, e.Kind, e.Horizon, e.CurrentCount, e.Limit, e.PercentUsed, e.RequestID, e.WasQueued, e.QueueTimeMS, e.DetectedPatternTag)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, tenant string, kind EventKind, since time.Time) ([]*Event, error) {
	query := `SELECT id, tenant, provider, model, timestamp, kind, horizon, current_count, limit_value, percent_used, request_id, was_queued, queue_time_ms, detected_pattern_tag
		FROM events WHERE TRUE`
	var args []any
	if tenant != "" {
		args = append(args, tenant)
		query += ` AND tenant = $` + strconv.Itoa(len(args))
	}
	if kind != "" {
		args = append(args, kind)
		query += ` AND kind = $` + strconv.Itoa(len(args))
	}
	if !since.IsZero() {
		args = append(args, since)
		query += ` AND timestamp >= $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Tenant, &e.Provider, &e.Model, &e.Timestamp, &e.Kind, &e.Horizon, &e.CurrentCount, &e.Limit, &e.PercentUsed, &e.RequestID, &e.WasQueued, &e.QueueTimeMS, &e.DetectedPatternTag); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertPattern(ctx context.Context, p *Pattern) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO patterns (id, tenant, kind, label, average_rpm, peak_rpm, confidence, suggested_limit, suggested_queue_size, observation_count, first_detected, last_observed, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label, average_rpm = EXCLUDED.average_rpm, peak_rpm = EXCLUDED.peak_rpm,
			confidence = EXCLUDED.confidence, suggested_limit = EXCLUDED.suggested_limit,
			suggested_queue_size = EXCLUDED.suggested_queue_size, observation_count = EXCLUDED.observation_count,
			last_observed = EXCLUDED.last_observed, description = EXCLUDED.description
	`, p.ID, p.Tenant, p.Kind, p.Label, p.AverageRPM, p.PeakRPM, p.Confidence, p.SuggestedLimit, p.SuggestedQueueSize, p.ObservationCount, p.FirstDetected, p.LastObserved, p.Description)
	return err
}

func (s *PostgresStore) ListPatterns(ctx context.Context, tenant string, limit int) ([]*Pattern, error) {
	query := `SELECT id, tenant, kind, label, average_rpm, peak_rpm, confidence, suggested_limit, suggested_queue_size, observation_count, first_detected, last_observed, description
		FROM patterns WHERE tenant = $1 ORDER BY confidence DESC`
	args := []any{tenant}
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Pattern
	for rows.Next() {
		var p Pattern
		if err := rows.Scan(&p.ID, &p.Tenant, &p.Kind, &p.Label, &p.AverageRPM, &p.PeakRPM, &p.Confidence, &p.SuggestedLimit, &p.SuggestedQueueSize, &p.ObservationCount, &p.FirstDetected, &p.LastObserved, &p.Description); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PruneWindows(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM windows WHERE NOT active AND end_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) PruneQueueEntries(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM queue_entries WHERE status IN ('completed', 'failed') AND processed_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) PruneEvents(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE timestamp < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) PrunePatterns(ctx context.Context, minConfidence float64, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM patterns WHERE confidence < $1 AND last_observed < $2
	`, minConfidence, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
