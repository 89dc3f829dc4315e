package app

import (
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/data/repos"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

type Repos struct {
	MaterialNode  repos.MaterialNodeRepo
	MaterialEntry repos.MaterialEntryRepo
	Job           repos.JobRepo
	Snapshot      repos.SnapshotRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		MaterialNode:  repos.NewMaterialNodeRepo(db, log),
		MaterialEntry: repos.NewMaterialEntryRepo(db, log),
		Job:           repos.NewJobRepo(db, log),
		Snapshot:      repos.NewSnapshotRepo(db, log),
	}
}
