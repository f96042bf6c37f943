// Package database provides the SQLite connection used by the device
// directory and the telemetry event store.
//
// It manages:
//   - Opening the database with busy timeout, foreign keys and WAL
//   - Applying embedded, versioned SQL migrations
//   - Lifecycle and health checks
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
package database
