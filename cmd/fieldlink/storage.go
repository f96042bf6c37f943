package main

import (
	"context"
	"fmt"

	"github.com/nerrad567/fieldlink-core/internal/api"
	"github.com/nerrad567/fieldlink-core/internal/device"
	"github.com/nerrad567/fieldlink-core/internal/infrastructure/config"
	"github.com/nerrad567/fieldlink-core/internal/infrastructure/database"
	"github.com/nerrad567/fieldlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/fieldlink-core/internal/infrastructure/postgres"
	"github.com/nerrad567/fieldlink-core/internal/telemetry"
	"github.com/nerrad567/fieldlink-core/migrations"
)

// storage is the device directory and event store for the configured
// driver, plus its health probe.
type storage struct {
	devices device.Directory
	events  telemetry.Store
	health  api.HealthChecker
	close   func()
}

// openStorage connects the configured database and prepares its schema.
func openStorage(ctx context.Context, cfg config.DatabaseConfig, log *logging.Logger) (*storage, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("preparing database schema: %w", err)
		}
		log.Info("database connected", "driver", cfg.Driver)
		return &storage{
			devices: device.NewPostgresDirectory(pool),
			events:  telemetry.NewPostgresStore(pool),
			health:  api.HealthFunc(pool.Ping),
			close: func() {
				log.Info("closing database")
				pool.Close()
			},
		}, nil

	default:
		db, err := database.Open(database.Config{
			Path:        cfg.Path,
			WALMode:     cfg.WALMode,
			BusyTimeout: cfg.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			db.Close() //nolint:errcheck // already failing
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		log.Info("database connected", "driver", cfg.Driver, "path", cfg.Path)
		return &storage{
			devices: device.NewSQLiteDirectory(db.DB),
			events:  telemetry.NewSQLiteStore(db.DB),
			health:  db,
			close: func() {
				log.Info("closing database")
				if err := db.Close(); err != nil {
					log.Error("error closing database", "error", err)
				}
			},
		}, nil
	}
}
