package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates all tables if needed. Having the migration in code
// keeps the stack self-contained so docker-compose can bootstrap everything.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	balance BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	model_id TEXT NOT NULL,
	status TEXT NOT NULL,
	total_files INT NOT NULL,
	total_pages INT NOT NULL,
	processed_pages INT NOT NULL DEFAULT 0,
	bundle_key TEXT,
	report_key TEXT,
	error_message TEXT,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	parent_id TEXT,
	file_name TEXT NOT NULL,
	page_number INT NOT NULL,
	content_type TEXT NOT NULL,
	status TEXT NOT NULL,
	operation_id TEXT,
	poll_attempts INT NOT NULL DEFAULT 0,
	last_polled_at TIMESTAMPTZ,
	polling_since TIMESTAMPTZ,
	fields JSONB,
	output_name TEXT,
	credits_charged INT NOT NULL DEFAULT 0,
	unbilled BOOLEAN NOT NULL DEFAULT FALSE,
	error_code TEXT,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	delta BIGINT NOT NULL,
	status TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	reference TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_usage_ref
	ON transactions(reference) WHERE type = 'usage';
CREATE TABLE IF NOT EXISTS cleanup_records (
	id TEXT PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	sessions_reaped INT NOT NULL,
	jobs_reaped INT NOT NULL,
	blobs_deleted INT NOT NULL,
	errors TEXT[]
);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
