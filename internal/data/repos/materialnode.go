package repos

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

type MaterialNodeRepo interface {
	Create(dbc dbctx.Context, nodes []*domain.MaterialNode) ([]*domain.MaterialNode, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.MaterialNode, error)
	GetByCourseID(dbc dbctx.Context, courseID uuid.UUID) ([]*domain.MaterialNode, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]any) error
	ClearFingerprints(dbc dbctx.Context, ids []uuid.UUID) error
	SoftDeleteByIDs(dbc dbctx.Context, ids []uuid.UUID) error
}

type materialNodeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMaterialNodeRepo(db *gorm.DB, baseLog *logger.Logger) MaterialNodeRepo {
	return &materialNodeRepo{db: db, log: baseLog.With("repo", "MaterialNodeRepo")}
}

func (r *materialNodeRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *materialNodeRepo) Create(dbc dbctx.Context, nodes []*domain.MaterialNode) ([]*domain.MaterialNode, error) {
	if len(nodes) == 0 {
		return []*domain.MaterialNode{}, nil
	}
	if err := r.handle(dbc).Create(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

func (r *materialNodeRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.MaterialNode, error) {
	var results []*domain.MaterialNode
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

func (r *materialNodeRepo) GetByCourseID(dbc dbctx.Context, courseID uuid.UUID) ([]*domain.MaterialNode, error) {
	var results []*domain.MaterialNode
	if err := r.handle(dbc).
		Where("course_id = ?", courseID).
		Order("position ASC, id ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *materialNodeRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]any) error {
	return r.handle(dbc).
		Model(&domain.MaterialNode{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *materialNodeRepo) ClearFingerprints(dbc dbctx.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.handle(dbc).
		Model(&domain.MaterialNode{}).
		Where("id IN ?", ids).
		Update("fingerprint", "").Error
}

func (r *materialNodeRepo) SoftDeleteByIDs(dbc dbctx.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.handle(dbc).
		Where("id IN ?", ids).
		Delete(&domain.MaterialNode{}).Error
}
