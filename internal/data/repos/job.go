package repos

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

type JobRepo interface {
	Create(dbc dbctx.Context, jobs []*domain.Job) ([]*domain.Job, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Job, error)
	// GetLiveGenerationJobs returns generation jobs for the course that are
	// neither terminal nor failed (queued or active), oldest first.
	GetLiveGenerationJobs(dbc dbctx.Context, courseID uuid.UUID) ([]*domain.Job, error)
	// GetRunnable returns queued jobs ordered by priority then queue time.
	// Dependency readiness is checked by the caller.
	GetRunnable(dbc dbctx.Context, limit int) ([]*domain.Job, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]any) error
	// UpdateFieldsWhereStatus applies updates only if the row still has the
	// expected status, returning the number of rows touched. This is the
	// optimistic guard behind ledger transitions.
	UpdateFieldsWhereStatus(dbc dbctx.Context, id uuid.UUID, status string, updates map[string]any) (int64, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{db: db, log: baseLog.With("repo", "JobRepo")}
}

func (r *jobRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *jobRepo) Create(dbc dbctx.Context, jobs []*domain.Job) ([]*domain.Job, error) {
	if len(jobs) == 0 {
		return []*domain.Job{}, nil
	}
	if err := r.handle(dbc).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Job, error) {
	var results []*domain.Job
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

func (r *jobRepo) GetLiveGenerationJobs(dbc dbctx.Context, courseID uuid.UUID) ([]*domain.Job, error) {
	var results []*domain.Job
	if err := r.handle(dbc).
		Where("course_id = ? AND job_type = ? AND status IN ?",
			courseID, domain.JobTypeGenerate,
			[]string{domain.JobStatusQueued, domain.JobStatusActive}).
		Order("queued_at ASC, id ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *jobRepo) GetRunnable(dbc dbctx.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	var results []*domain.Job
	if err := r.handle(dbc).
		Where("status = ?", domain.JobStatusQueued).
		Order("priority DESC, queued_at ASC, id ASC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *jobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]any) error {
	return r.handle(dbc).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobRepo) UpdateFieldsWhereStatus(dbc dbctx.Context, id uuid.UUID, status string, updates map[string]any) (int64, error) {
	res := r.handle(dbc).
		Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, status).
		Updates(updates)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
