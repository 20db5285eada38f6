package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend, for hosts
// that centralize several quotaguard processes against one shared
// database instead of a per-process SQLite file.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool
// and ensures the schema exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			paid_until TIMESTAMPTZ,
			max_queue_size INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS limit_configs (
			provider TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL,
			requests_per_min BIGINT,
			requests_per_hour BIGINT,
			requests_per_day BIGINT,
			tokens_per_min BIGINT,
			tokens_per_day BIGINT,
			PRIMARY KEY (provider, model, tier)
		)`,
		`CREATE TABLE IF NOT EXISTS windows (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			horizon TEXT NOT NULL,
			start_at TIMESTAMPTZ NOT NULL,
			end_at TIMESTAMPTZ NOT NULL,
			request_count BIGINT NOT NULL DEFAULT 0,
			token_count BIGINT NOT NULL DEFAULT 0,
			request_limit BIGINT,
			token_limit BIGINT,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_windows_active_key
			ON windows(tenant, provider, model, horizon) WHERE active`,
		`CREATE INDEX IF NOT EXISTS idx_windows_tenant ON windows(tenant)`,
		`CREATE TABLE IF NOT EXISTS queue_entries (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			payload BYTEA,
			priority INTEGER NOT NULL DEFAULT 5,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			status TEXT NOT NULL,
			queued_at TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_tenant_status ON queue_entries(tenant, status)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_order ON queue_entries(priority DESC, queued_at ASC)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			kind TEXT NOT NULL,
			horizon TEXT,
			current_count BIGINT,
			limit_value BIGINT,
			percent_used DOUBLE PRECISION,
			request_id TEXT,
			was_queued BOOLEAN NOT NULL DEFAULT FALSE,
			queue_time_ms BIGINT NOT NULL DEFAULT 0,
			detected_pattern_tag TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_tenant_ts ON events(tenant, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
		`CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			kind TEXT NOT NULL,
			label TEXT,
			average_rpm DOUBLE PRECISION,
			peak_rpm DOUBLE PRECISION,
			confidence DOUBLE PRECISION,
			suggested_limit BIGINT,
			suggested_queue_size INTEGER,
			observation_count INTEGER,
			first_detected TIMESTAMPTZ,
			last_observed TIMESTAMPTZ,
			description TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_tenant ON patterns(tenant)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// --- Tenants ---

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var t Tenant
	var paidUntil *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id, tier, paid_until, max_queue_size, created_at FROM tenants WHERE id = $1`, tenantID,
	).Scan(&t.ID, &t.Tier, &paidUntil, &t.MaxQueueSize, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.PaidUntil = paidUntil
	return &t, nil
}

func (s *PostgresStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, tier, paid_until, max_queue_size, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			tier = EXCLUDED.tier, paid_until = EXCLUDED.paid_until, max_queue_size = EXCLUDED.max_queue_size
	`, t.ID, t.Tier, t.PaidUntil, t.MaxQueueSize, t.CreatedAt)
	return err
}

// --- Limit configs ---

func (s *PostgresStore) GetLimitConfig(ctx context.Context, provider, model string, tier Tier) (*LimitConfig, error) {
	const q = `SELECT provider, model, tier, requests_per_min, requests_per_hour, requests_per_day, tokens_per_min, tokens_per_day
		FROM limit_configs WHERE provider = $1 AND model = $2 AND tier = $3`

	scan := func(m string) (*LimitConfig, error) {
		var c LimitConfig
		err := s.pool.QueryRow(ctx, q, provider, m, tier).Scan(
			&c.Provider, &c.Model, &c.Tier, &c.RequestsPerMin, &c.RequestsPerHour, &c.RequestsPerDay, &c.TokensPerMin, &c.TokensPerDay)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &c, nil
	}

	if model != "" {
		if cfg, err := scan(model); cfg != nil || err != nil {
			return cfg, err
		}
	}
	return scan("")
}

func (s *PostgresStore) UpsertLimitConfig(ctx context.Context, cfg *LimitConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO limit_configs (provider, model, tier, requests_per_min, requests_per_hour, requests_per_day, tokens_per_min, tokens_per_day)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider, model, tier) DO UPDATE SET
			requests_per_min = EXCLUDED.requests_per_min,
			requests_per_hour = EXCLUDED.requests_per_hour,
			requests_per_day = EXCLUDED.requests_per_day,
			tokens_per_min = EXCLUDED.tokens_per_min,
			tokens_per_day = EXCLUDED.tokens_per_day
	`, cfg.Provider, cfg.Model, cfg.Tier, cfg.RequestsPerMin, cfg.RequestsPerHour, cfg.RequestsPerDay, cfg.TokensPerMin, cfg.TokensPerDay)
	return err
}

// --- Windows ---

func (s *PostgresStore) GetCurrentWindow(ctx context.Context, tenant, provider, model string, horizon Horizon, now time.Time) (*Window, error) {
	var w Window
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant, provider, model, horizon, start_at, end_at, request_count, token_count, request_limit, token_limit, active
		FROM windows WHERE tenant = $1 AND provider = $2 AND model = $3 AND horizon = $4 AND active
	`, tenant, provider, model, horizon).Scan(
		&w.ID, &w.Tenant, &w.Provider, &w.Model, &w.Horizon, &w.Start, &w.End, &w.RequestCount, &w.TokenCount, &w.RequestLimit, &w.TokenLimit, &w.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) CreateWindow(ctx context.Context, w *Window) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO windows (id, tenant, provider, model, horizon, start_at, end_at, request_count, token_count, request_limit, token_limit, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, TRUE)
	`, w.ID, w.Tenant, w.Provider, w.Model, w.Horizon, w.Start, w.End, w.RequestCount, w.TokenCount, w.RequestLimit, w.TokenLimit)
	return err
}

func (s *PostgresStore) DeactivateWindow(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE windows SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundErr{Kind: "window", ID: id}
	}
	return nil
}

func (s *PostgresStore) IncrementWindow(ctx context.Context, id string, deltaTokens int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE windows SET request_count = request_count + 1, token_count = token_count + $1 WHERE id = $2`,
		deltaTokens, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundErr{Kind: "window", ID: id}
	}
	return nil
}

func (s *PostgresStore) AddTokensToWindow(ctx context.Context, id string, deltaTokens int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE windows SET token_count = token_count + $1 WHERE id = $2`, deltaTokens, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundErr{Kind: "window", ID: id}
	}
	return nil
}

func (s *PostgresStore) GetActiveWindows(ctx context.Context, tenant string) ([]*Window, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant, provider, model, horizon, start_at, end_at, request_count, token_count, request_limit, token_limit, active
		FROM windows WHERE tenant = $1 AND active ORDER BY provider, horizon
	`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Window
	for rows.Next() {
		var w Window
		if err := rows.Scan(&w.ID, &w.Tenant, &w.Provider, &w.Model, &w.Horizon, &w.Start, &w.End, &w.RequestCount, &w.TokenCount, &w.RequestLimit, &w.TokenLimit, &w.Active); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}
