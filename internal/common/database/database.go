// Package database bootstraps the *sql.DB backing the Task Store and
// Activity Log, selecting the driver config.DatabaseConfig.Driver names.
package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver

	"github.com/kandev/forgeflow/internal/common/config"
)

// Open connects to the configured backing store and verifies it with a
// ping. Callers are responsible for calling Close on the returned *sql.DB.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	var (
		driverName string
		dsn        string
	)
	switch cfg.Driver {
	case "postgres":
		driverName, dsn = "pgx", cfg.DSN()
	case "sqlite", "":
		driverName, dsn = "sqlite3", cfg.Path
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driverName, err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driverName, err)
	}
	return db, nil
}
