package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

func (s *SQLiteStore) RecordEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, tenant, provider, model, timestamp, kind, horizon, current_count, limit_value, percent_used, request_id, was_queued, queue_time_ms, detected_pattern_tag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Tenant, e.Provider, e.Model, e.Timestamp, e.Kind, e.Horizon, e.CurrentCount, e.Limit, e.PercentUsed, e.RequestID, e.WasQueued, e.QueueTimeMS, e.DetectedPatternTag)
	return err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, tenant string, kind EventKind, since time.Time) ([]*Event, error) {
	query := `SELECT id, tenant, provider, model, timestamp, kind, horizon, current_count, limit_value, percent_used, request_id, was_queued, queue_time_ms, detected_pattern_tag
		FROM events WHERE 1=1`
	var args []any
	if tenant != "" {
		query += ` AND tenant = ?`
		args = append(args, tenant)
	}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	if !since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var horizon, requestID, tag sql.NullString
		var current, limitVal sql.NullInt64
		var percent sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.Tenant, &e.Provider, &e.Model, &e.Timestamp, &e.Kind, &horizon, &current, &limitVal, &percent, &requestID, &e.WasQueued, &e.QueueTimeMS, &tag); err != nil {
			return nil, err
		}
		e.Horizon = Horizon(horizon.String)
		e.CurrentCount = current.Int64
		e.Limit = limitVal.Int64
		e.PercentUsed = percent.Float64
		e.RequestID = requestID.String
		e.DetectedPatternTag = tag.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertPattern(ctx context.Context, p *Pattern) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patterns (id, tenant, kind, label, average_rpm, peak_rpm, confidence, suggested_limit, suggested_queue_size, observation_count, first_detected, last_observed, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			average_rpm = excluded.average_rpm,
			peak_rpm = excluded.peak_rpm,
			confidence = excluded.confidence,
			suggested_limit = excluded.suggested_limit,
			suggested_queue_size = excluded.suggested_queue_size,
			observation_count = excluded.observation_count,
			last_observed = excluded.last_observed,
			description = excluded.description
	`, p.ID, p.Tenant, p.Kind, p.Label, p.AverageRPM, p.PeakRPM, p.Confidence, p.SuggestedLimit, p.SuggestedQueueSize, p.ObservationCount, p.FirstDetected, p.LastObserved, p.Description)
	return err
}

func (s *SQLiteStore) ListPatterns(ctx context.Context, tenant string, limit int) ([]*Pattern, error) {
	query := `SELECT id, tenant, kind, label, average_rpm, peak_rpm, confidence, suggested_limit, suggested_queue_size, observation_count, first_detected, last_observed, description
		FROM patterns WHERE tenant = ? ORDER BY confidence DESC`
	args := []any{tenant}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) PruneWindows(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM windows WHERE active = 0 AND end_at < ?`, olderThan)
	return affected(res, err)
}

func (s *SQLiteStore) PruneQueueEntries(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_entries WHERE status IN ('completed', 'failed') AND processed_at < ?
	`, olderThan)
	return affected(res, err)
}

func (s *SQLiteStore) PruneEvents(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, olderThan)
	return affected(res, err)
}

func (s *SQLiteStore) PrunePatterns(ctx context.Context, minConfidence float64, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM patterns WHERE confidence < ? AND last_observed < ?
	`, minConfidence, olderThan)
	return affected(res, err)
}

func affected(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
