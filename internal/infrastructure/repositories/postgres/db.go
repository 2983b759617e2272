package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS stream_sessions (
	id                     TEXT PRIMARY KEY,
	performer_id           TEXT NOT NULL UNIQUE,
	session_id             TEXT NOT NULL,
	is_streaming           BOOLEAN NOT NULL DEFAULT FALSE,
	streaming_time_seconds BIGINT NOT NULL DEFAULT 0,
	last_streaming_at      TIMESTAMPTZ,
	member_count           BIGINT NOT NULL DEFAULT 0,
	like_count             BIGINT NOT NULL DEFAULT 0,
	title                  TEXT NOT NULL DEFAULT '',
	description            TEXT NOT NULL DEFAULT '',
	price                  DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_free                BOOLEAN NOT NULL DEFAULT TRUE,
	created_at             TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS room_bindings (
	room_id      TEXT PRIMARY KEY,
	performer_id TEXT NOT NULL,
	type         TEXT NOT NULL,
	stream_id    TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS room_bindings_stream_idx ON room_bindings (performer_id, stream_id);

CREATE TABLE IF NOT EXISTS subscriptions (
	performer_id TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	expires_at   TIMESTAMPTZ,
	PRIMARY KEY (performer_id, user_id)
);
`

// Connect opens a pool against databaseURL and makes sure the tables exist.
func Connect(ctx context.Context, databaseURL string, maxConns int32, logger *zap.SugaredLogger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	if logger != nil {
		logger.Infow("connected to Postgres", "max_conns", cfg.MaxConns)
	}
	return pool, nil
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
