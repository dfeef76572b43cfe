// Package persistence selects and opens the database the repositories run on.
package persistence

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/common/config"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/db"
)

// Provide creates the database pool used by repositories.
// SQLite (default) gets a single-writer/multi-reader split; PostgreSQL
// shares one pgx-backed pool for both sides.
func Provide(cfg *config.Config, log *logger.Logger) (*db.Pool, func() error, error) {
	switch cfg.Database.Driver {
	case "", "sqlite":
		writer, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		pool := db.NewPool(writer, reader)
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", "sqlite"),
				zap.String("db_path", cfg.Database.Path),
			)
		}
		cleanup := func() error {
			// Run PRAGMA optimize before closing to update query planner
			// statistics for tables that need it. This is the SQLite-recommended
			// way to maintain stats and is safe to call on every close.
			_, _ = writer.Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		pool := db.NewSinglePool(conn)
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", "postgres"),
				zap.String("db_host", cfg.Database.Host),
				zap.String("db_name", cfg.Database.DBName),
			)
		}
		return pool, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
