// Package persistence wires the configured database into a shared pool
// used by the task and workflow repositories.
package persistence

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/agentmux/internal/common/config"
	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/db"
)

// Provide creates the database pool selected by configuration. The driver
// and connection settings come from the database section (overridable via
// AGENTMUX_DATABASE_* environment variables through the config loader).
func Provide(cfg *config.Config, log *logger.Logger) (*db.Pool, func() error, error) {
	switch cfg.Database.Driver {
	case "sqlite", "":
		pool, err := db.NewSQLitePool(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		log.Info("Database initialized",
			zap.String("db_driver", "sqlite"),
			zap.String("db_path", cfg.Database.Path))
		cleanup := func() error {
			// Run PRAGMA optimize before closing to update query planner
			// statistics for tables that need it. This is the
			// SQLite-recommended way to maintain stats and is safe to call
			// on every close.
			_, _ = pool.Writer().Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	case "postgres":
		pool, err := db.NewPostgresPool(cfg.Database.DSN(), 0, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		log.Info("Database initialized",
			zap.String("db_driver", "postgres"),
			zap.String("db_host", cfg.Database.Host),
			zap.String("db_name", cfg.Database.DBName))
		return pool, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
