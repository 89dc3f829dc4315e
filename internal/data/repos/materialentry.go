package repos

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

type MaterialEntryRepo interface {
	Create(dbc dbctx.Context, entries []*domain.MaterialEntry) ([]*domain.MaterialEntry, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.MaterialEntry, error)
	GetByNodeIDs(dbc dbctx.Context, nodeIDs []uuid.UUID) ([]*domain.MaterialEntry, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]any) error
	SoftDeleteByNodeIDs(dbc dbctx.Context, nodeIDs []uuid.UUID) error
}

type materialEntryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMaterialEntryRepo(db *gorm.DB, baseLog *logger.Logger) MaterialEntryRepo {
	return &materialEntryRepo{db: db, log: baseLog.With("repo", "MaterialEntryRepo")}
}

func (r *materialEntryRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *materialEntryRepo) Create(dbc dbctx.Context, entries []*domain.MaterialEntry) ([]*domain.MaterialEntry, error) {
	if len(entries) == 0 {
		return []*domain.MaterialEntry{}, nil
	}
	if err := r.handle(dbc).Create(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *materialEntryRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.MaterialEntry, error) {
	var results []*domain.MaterialEntry
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

func (r *materialEntryRepo) GetByNodeIDs(dbc dbctx.Context, nodeIDs []uuid.UUID) ([]*domain.MaterialEntry, error) {
	var results []*domain.MaterialEntry
	if len(nodeIDs) == 0 {
		return results, nil
	}
	if err := r.handle(dbc).
		Where("node_id IN ?", nodeIDs).
		Order("position ASC, id ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *materialEntryRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]any) error {
	return r.handle(dbc).
		Model(&domain.MaterialEntry{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *materialEntryRepo) SoftDeleteByNodeIDs(dbc dbctx.Context, nodeIDs []uuid.UUID) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	return r.handle(dbc).
		Where("node_id IN ?", nodeIDs).
		Delete(&domain.MaterialEntry{}).Error
}
