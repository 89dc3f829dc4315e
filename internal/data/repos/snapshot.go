package repos

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

type SnapshotRepo interface {
	Create(dbc dbctx.Context, snap *domain.Snapshot) (*domain.Snapshot, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Snapshot, error)
	// FindByIdentity looks up a snapshot by its identity key
	// (course_id, node_id, fingerprint, mode). Returns nil when absent.
	FindByIdentity(dbc dbctx.Context, courseID uuid.UUID, nodeID *uuid.UUID, fingerprint string, mode string) (*domain.Snapshot, error)
}

type snapshotRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSnapshotRepo(db *gorm.DB, baseLog *logger.Logger) SnapshotRepo {
	return &snapshotRepo{db: db, log: baseLog.With("repo", "SnapshotRepo")}
}

func (r *snapshotRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *snapshotRepo) Create(dbc dbctx.Context, snap *domain.Snapshot) (*domain.Snapshot, error) {
	if snap == nil {
		return nil, errors.New("nil snapshot")
	}
	if err := r.handle(dbc).Create(snap).Error; err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *snapshotRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Snapshot, error) {
	var results []*domain.Snapshot
	if len(ids) == 0 {
		return results, nil
	}
	if err := r.handle(dbc).
		Where("id IN ?", ids).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *snapshotRepo) FindByIdentity(dbc dbctx.Context, courseID uuid.UUID, nodeID *uuid.UUID, fingerprint string, mode string) (*domain.Snapshot, error) {
	q := r.handle(dbc).
		Where("course_id = ? AND fingerprint = ? AND mode = ?", courseID, fingerprint, mode)
	if nodeID == nil {
		q = q.Where("node_id IS NULL")
	} else {
		q = q.Where("node_id = ?", *nodeID)
	}
	var snap domain.Snapshot
	if err := q.First(&snap).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}
