package app

import (
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/handlers"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

type Handlers struct {
	Tree       *handlers.TreeHandler
	Generation *handlers.GenerationHandler
}

func wireHandlers(db *gorm.DB, log *logger.Logger, s Services, r Repos) Handlers {
	return Handlers{
		Tree:       handlers.NewTreeHandler(db, s.Tree),
		Generation: handlers.NewGenerationHandler(s.Orchestrator, s.Ledger, r.Snapshot),
	}
}
