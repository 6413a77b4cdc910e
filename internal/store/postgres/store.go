// Package postgres provides Postgres-backed persistence for the
// orchestration core. The schema below is the integration contract: any tool
// reading or writing these tables participates in the system.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the narrow pool surface the stores depend on, so pgxmock can stand
// in during tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Config controls the shared connection pool.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// NewPool creates a pgx pool from the config.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// Schema creates the orchestration tables. Column names and status enums are
// bit-exact; downstream tooling queries them directly.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id            TEXT PRIMARY KEY,
	fleet_name        TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	started_at        TIMESTAMPTZ NOT NULL,
	ended_at          TIMESTAMPTZ,
	step_count        INTEGER NOT NULL DEFAULT 0,
	current_step      INTEGER NOT NULL DEFAULT 0,
	items_scraped     BIGINT,
	total_runtime_ms  BIGINT NOT NULL DEFAULT 0,
	slowest_step      INTEGER NOT NULL DEFAULT 0,
	slowest_step_name TEXT NOT NULL DEFAULT '',
	failure_step      INTEGER NOT NULL DEFAULT 0,
	failure_step_name TEXT NOT NULL DEFAULT '',
	stop_requested    BOOLEAN NOT NULL DEFAULT FALSE,
	last_activity_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS steps (
	run_id            TEXT NOT NULL REFERENCES runs(run_id),
	step_number       INTEGER NOT NULL,
	name              TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	duration_ms       BIGINT NOT NULL DEFAULT 0,
	rows_read         BIGINT NOT NULL DEFAULT 0,
	rows_processed    BIGINT NOT NULL DEFAULT 0,
	rows_inserted     BIGINT NOT NULL DEFAULT 0,
	rows_updated      BIGINT NOT NULL DEFAULT 0,
	rows_rejected     BIGINT NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	log_path          TEXT NOT NULL DEFAULT '',
	continue_on_error BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (run_id, step_number)
);

CREATE TABLE IF NOT EXISTS work_items (
	item_id       TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES runs(run_id),
	natural_key   TEXT NOT NULL,
	payload       BYTEA,
	priority      INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'pending',
	claimed_by    TEXT,
	claimed_at    TIMESTAMPTZ,
	heartbeat_at  TIMESTAMPTZ,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	result        BYTEA,
	next_eligible_at TIMESTAMPTZ NOT NULL,
	enqueued_at   TIMESTAMPTZ NOT NULL,
	UNIQUE (run_id, natural_key)
);
CREATE INDEX IF NOT EXISTS idx_work_items_claim
	ON work_items (run_id, status, priority DESC, enqueued_at ASC);

CREATE TABLE IF NOT EXISTS frontier_entries (
	run_id           TEXT NOT NULL REFERENCES runs(run_id),
	url_fingerprint  TEXT NOT NULL,
	url              TEXT NOT NULL,
	priority         INTEGER NOT NULL DEFAULT 0,
	depth            INTEGER NOT NULL DEFAULT 0,
	referer          TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'queued',
	retry_count      INTEGER NOT NULL DEFAULT 0,
	next_eligible_at TIMESTAMPTZ NOT NULL,
	added_at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, url_fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_frontier_next
	ON frontier_entries (run_id, status, next_eligible_at);

CREATE TABLE IF NOT EXISTS proxy_endpoints (
	endpoint_id          TEXT PRIMARY KEY,
	address              TEXT NOT NULL,
	username             TEXT NOT NULL DEFAULT '',
	password             TEXT NOT NULL DEFAULT '',
	country_code         TEXT NOT NULL,
	proxy_type           TEXT NOT NULL,
	health_score         DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	suspended_until      TIMESTAMPTZ,
	last_used_at         TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS browser_instances (
	instance_id        TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL,
	step_number        INTEGER NOT NULL,
	thread_id          TEXT NOT NULL,
	process_id         INTEGER NOT NULL,
	parent_process_id  INTEGER NOT NULL,
	started_at         TIMESTAMPTZ NOT NULL,
	terminated_at      TIMESTAMPTZ,
	termination_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_browser_instances_live
	ON browser_instances (run_id) WHERE terminated_at IS NULL;
`

// Migrate applies the schema.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
