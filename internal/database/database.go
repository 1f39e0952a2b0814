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

// EnsureSchema creates the recordings and applied_events tables if needed.
// Keeping the migration in code lets docker-compose bootstrap everything.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS recordings (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL,
	transcript TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recordings_stage ON recordings(stage);
CREATE INDEX IF NOT EXISTS idx_recordings_updated_at ON recordings(updated_at);
CREATE TABLE IF NOT EXISTS applied_events (
	recording_id TEXT NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
	correlation_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (recording_id, correlation_id)
);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
