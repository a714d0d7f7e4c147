package repository

import (
	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/db"
	"github.com/kandev/agentmux/internal/task/repository/sqlite"
)

// Provide creates the task repository on top of the shared database pool.
// The pool's lifetime is managed by the persistence provider, so the
// returned cleanup only releases repository-level resources.
func Provide(pool *db.Pool, log *logger.Logger) (Repository, func() error, error) {
	repo, err := sqlite.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		return nil, nil, err
	}
	log.Debug("Task repository initialized")
	return repo, repo.Close, nil
}
