package repository

import (
	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/db"
	"github.com/kandev/agentmux/internal/workflow/repository/sqlite"
)

// Provide creates the workflow repository on the shared database pool.
func Provide(pool *db.Pool, log *logger.Logger) (Repository, func() error, error) {
	repo, err := sqlite.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		return nil, nil, err
	}
	log.Debug("Workflow repository initialized")
	return repo, repo.Close, nil
}
