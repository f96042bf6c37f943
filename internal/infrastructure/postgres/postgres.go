// Package postgres connects the device directory and event store to
// PostgreSQL when database.driver is "postgres".
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nerrad567/fieldlink-core/internal/infrastructure/config"
)

const connectTimeout = 10 * time.Second

// ErrNoDSN is returned by Connect when no connection string is configured.
var ErrNoDSN = errors.New("postgres: dsn is empty")

// Connect opens a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, ErrNoDSN
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = make(map[string]string)
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "fieldlink"

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// schema mirrors the SQLite migrations. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id             BIGINT PRIMARY KEY,
		uuid           UUID    NOT NULL UNIQUE,
		name           TEXT    NOT NULL DEFAULT '',
		socket_port    INTEGER CHECK (socket_port IS NULL OR socket_port BETWEEN 1 AND 65535),
		broker_port    INTEGER CHECK (broker_port IS NULL OR broker_port BETWEEN 1 AND 65535),
		broker_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		is_active      BOOLEAN NOT NULL DEFAULT TRUE,
		is_connected   BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS device_events (
		id          BIGSERIAL PRIMARY KEY,
		device_id   BIGINT      NOT NULL,
		transport   TEXT        NOT NULL CHECK (transport IN ('socket', 'broker')),
		payload     JSONB       NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_events_device_time ON device_events (device_id, observed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_device_events_time ON device_events (observed_at DESC)`,
}

// EnsureSchema creates the tables fieldlink needs if they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensuring schema: %w", err)
		}
	}
	return nil
}
