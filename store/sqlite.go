package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the reference durable backend: a single local file-based
// relational store with write-ahead durability. It uses modernc.org/sqlite,
// a pure-Go driver, so a quotaguard host process never needs a cgo
// toolchain or an external database just to enforce quotas — it is meant
// to run embedded, in-process with the host.
//
// Query shape (upsert-by-unique-key, NULL-able optional columns, explicit
// transactions around read-then-write sequences) mirrors PostgresStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a WAL-mode SQLite database
// at path and ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer; a small connection cap avoids
	// "database is locked" thrash under concurrent callers and lets the
	// busy_timeout pragma do the waiting instead of the pool.
	db.SetMaxOpenConns(8)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			paid_until DATETIME,
			max_queue_size INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS limit_configs (
			provider TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL,
			requests_per_min INTEGER,
			requests_per_hour INTEGER,
			requests_per_day INTEGER,
			tokens_per_min INTEGER,
			tokens_per_day INTEGER,
			PRIMARY KEY (provider, model, tier)
		)`,
		`CREATE TABLE IF NOT EXISTS windows (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			horizon TEXT NOT NULL,
			start_at DATETIME NOT NULL,
			end_at DATETIME NOT NULL,
			request_count INTEGER NOT NULL DEFAULT 0,
			token_count INTEGER NOT NULL DEFAULT 0,
			request_limit INTEGER,
			token_limit INTEGER,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_windows_active_key
			ON windows(tenant, provider, model, horizon) WHERE active = 1`,
		`CREATE INDEX IF NOT EXISTS idx_windows_tenant ON windows(tenant)`,
		`CREATE TABLE IF NOT EXISTS queue_entries (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			payload BLOB,
			priority INTEGER NOT NULL DEFAULT 5,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			status TEXT NOT NULL,
			queued_at DATETIME NOT NULL,
			processed_at DATETIME,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_tenant_status ON queue_entries(tenant, status)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_order ON queue_entries(priority DESC, queued_at ASC)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			kind TEXT NOT NULL,
			horizon TEXT,
			current_count INTEGER,
			limit_value INTEGER,
			percent_used REAL,
			request_id TEXT,
			was_queued INTEGER NOT NULL DEFAULT 0,
			queue_time_ms INTEGER NOT NULL DEFAULT 0,
			detected_pattern_tag TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_tenant_ts ON events(tenant, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
		`CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			kind TEXT NOT NULL,
			label TEXT,
			average_rpm REAL,
			peak_rpm REAL,
			confidence REAL,
			suggested_limit INTEGER,
			suggested_queue_size INTEGER,
			observation_count INTEGER,
			first_detected DATETIME,
			last_observed DATETIME,
			description TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_tenant ON patterns(tenant)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// --- Tenants ---

func (s *SQLiteStore) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tier, paid_until, max_queue_size, created_at FROM tenants WHERE id = ?`, tenantID)
	var t Tenant
	var paidUntil sql.NullTime
	if err := row.Scan(&t.ID, &t.Tier, &paidUntil, &t.MaxQueueSize, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if paidUntil.Valid {
		t.PaidUntil = &paidUntil.Time
	}
	return &t, nil
}

func (s *SQLiteStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, tier, paid_until, max_queue_size, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tier = excluded.tier,
			paid_until = excluded.paid_until,
			max_queue_size = excluded.max_queue_size
	`, t.ID, t.Tier, t.PaidUntil, t.MaxQueueSize, t.CreatedAt)
	return err
}

// --- Limit configs ---

func (s *SQLiteStore) GetLimitConfig(ctx context.Context, provider, model string, tier Tier) (*LimitConfig, error) {
	scan := func(row *sql.Row) (*LimitConfig, error) {
		var c LimitConfig
		var rpm, rph, rpd, tpm, tpd sql.NullInt64
		if err := row.Scan(&c.Provider, &c.Model, &c.Tier, &rpm, &rph, &rpd, &tpm, &tpd); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		if rpm.Valid {
			c.RequestsPerMin = &rpm.Int64
		}
		if rph.Valid {
			c.RequestsPerHour = &rph.Int64
		}
		if rpd.Valid {
			c.RequestsPerDay = &rpd.Int64
		}
		if tpm.Valid {
			c.TokensPerMin = &tpm.Int64
		}
		if tpd.Valid {
			c.TokensPerDay = &tpd.Int64
		}
		return &c, nil
	}

	const q = `SELECT provider, model, tier, requests_per_min, requests_per_hour, requests_per_day, tokens_per_min, tokens_per_day
		FROM limit_configs WHERE provider = ? AND model = ? AND tier = ?`

	if model != "" {
		if cfg, err := scan(s.db.QueryRowContext(ctx, q, provider, model, tier)); cfg != nil || err != nil {
			return cfg, err
		}
	}
	return scan(s.db.QueryRowContext(ctx, q, provider, "", tier))
}

func (s *SQLiteStore) UpsertLimitConfig(ctx context.Context, cfg *LimitConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO limit_configs (provider, model, tier, requests_per_min, requests_per_hour, requests_per_day, tokens_per_min, tokens_per_day)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, model, tier) DO UPDATE SET
			requests_per_min = excluded.requests_per_min,
			requests_per_hour = excluded.requests_per_hour,
			requests_per_day = excluded.requests_per_day,
			tokens_per_min = excluded.tokens_per_min,
			tokens_per_day = excluded.tokens_per_day
	`, cfg.Provider, cfg.Model, cfg.Tier, cfg.RequestsPerMin, cfg.RequestsPerHour, cfg.RequestsPerDay, cfg.TokensPerMin, cfg.TokensPerDay)
	return err
}

// --- Windows ---

func (s *SQLiteStore) GetCurrentWindow(ctx context.Context, tenant, provider, model string, horizon Horizon, now time.Time) (*Window, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant, provider, model, horizon, start_at, end_at, request_count, token_count, request_limit, token_limit, active
		FROM windows WHERE tenant = ? AND provider = ? AND model = ? AND horizon = ? AND active = 1
	`, tenant, provider, model, horizon)
	return scanWindow(row)
}

func scanWindow(row *sql.Row) (*Window, error) {
	var w Window
	var active int
	var reqLimit, tokLimit sql.NullInt64
	if err := row.Scan(&w.ID, &w.Tenant, &w.Provider, &w.Model, &w.Horizon, &w.Start, &w.End, &w.RequestCount, &w.TokenCount, &reqLimit, &tokLimit, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	w.Active = active != 0
	if reqLimit.Valid {
		w.RequestLimit = &reqLimit.Int64
	}
	if tokLimit.Valid {
		w.TokenLimit = &tokLimit.Int64
	}
	return &w, nil
}

func (s *SQLiteStore) CreateWindow(ctx context.Context, w *Window) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO windows (id, tenant, provider, model, horizon, start_at, end_at, request_count, token_count, request_limit, token_limit, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, w.ID, w.Tenant, w.Provider, w.Model, w.Horizon, w.Start, w.End, w.RequestCount, w.TokenCount, w.RequestLimit, w.TokenLimit)
	return err
}

func (s *SQLiteStore) DeactivateWindow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE windows SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "window", id)
}

func (s *SQLiteStore) IncrementWindow(ctx context.Context, id string, deltaTokens int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE windows SET request_count = request_count + 1, token_count = token_count + ? WHERE id = ?`,
		deltaTokens, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "window", id)
}

func (s *SQLiteStore) AddTokensToWindow(ctx context.Context, id string, deltaTokens int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE windows SET token_count = token_count + ? WHERE id = ?`, deltaTokens, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "window", id)
}

func (s *SQLiteStore) GetActiveWindows(ctx context.Context, tenant string) ([]*Window, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant, provider, model, horizon, start_at, end_at, request_count, token_count, request_limit, token_limit, active
		FROM windows WHERE tenant = ? AND active = 1 ORDER BY provider, horizon
	`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Window
	for rows.Next() {
		var w Window
		var active int
		var reqLimit, tokLimit sql.NullInt64
		if err := rows.Scan(&w.ID, &w.Tenant, &w.Provider, &w.Model, &w.Horizon, &w.Start, &w.End, &w.RequestCount, &w.TokenCount, &reqLimit, &tokLimit, &active); err != nil {
			return nil, err
		}
		w.Active = active != 0
		if reqLimit.Valid {
			w.RequestLimit = &reqLimit.Int64
		}
		if tokLimit.Valid {
			w.TokenLimit = &tokLimit.Int64
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundErr{kind, id}
	}
	return nil
}
