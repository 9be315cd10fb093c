package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS user_credits (
	user_id        TEXT PRIMARY KEY,
	single         INTEGER NOT NULL DEFAULT 0 CHECK (single >= 0),
	seven_day_plan INTEGER NOT NULL DEFAULT 0 CHECK (seven_day_plan >= 0),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS credit_ledger (
	id         BIGSERIAL PRIMARY KEY,
	user_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	delta      INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	reference  TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS credit_ledger_user_idx ON credit_ledger (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS applied_settlements (
	reference  TEXT PRIMARY KEY,
	event_id   TEXT NOT NULL,
	event_type TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	price_id   TEXT NOT NULL,
	kind       TEXT NOT NULL,
	amount     INTEGER NOT NULL CHECK (amount > 0),
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates the ledger tables when they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
