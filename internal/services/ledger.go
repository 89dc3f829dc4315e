package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/data/repos"
	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

// TransitionOpts carries the optional fields a status transition may set.
// At most one result ref may be present on a completing transition.
type TransitionOpts struct {
	ResultEntryID    *uuid.UUID
	ResultSnapshotID *uuid.UUID
	Error            string
	QueueRef         string
}

// JobLedger owns job rows and is the only writer of job status. Every status
// change goes through Transition, which enforces the lifecycle table with an
// optimistic status guard so concurrent writers cannot double-claim a job.
type JobLedger interface {
	Enqueue(dbc dbctx.Context, jobs []*domain.Job) ([]*domain.Job, error)
	Transition(dbc dbctx.Context, jobID uuid.UUID, from, to string, opts TransitionOpts) error
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Job, error)
	// DependenciesReady reports whether every dependency of the job has
	// completed, and whether any has failed or been cancelled.
	DependenciesReady(dbc dbctx.Context, job *domain.Job) (ready bool, failed *domain.Job, err error)
}

type jobLedger struct {
	db   *gorm.DB
	log  *logger.Logger
	jobs repos.JobRepo
}

func NewJobLedger(db *gorm.DB, baseLog *logger.Logger, jobs repos.JobRepo) JobLedger {
	return &jobLedger{
		db:   db,
		log:  baseLog.With("service", "JobLedger"),
		jobs: jobs,
	}
}

func (s *jobLedger) Enqueue(dbc dbctx.Context, jobs []*domain.Job) ([]*domain.Job, error) {
	now := time.Now()
	for _, job := range jobs {
		if job == nil {
			return nil, errors.New("nil job in batch")
		}
		if job.ID == uuid.Nil {
			job.ID = uuid.New()
		}
		if job.JobType != domain.JobTypeIngest && job.JobType != domain.JobTypeGenerate {
			return nil, fmt.Errorf("unknown job type %q", job.JobType)
		}
		job.Status = domain.JobStatusQueued
		job.QueuedAt = now
		job.StartedAt = nil
		job.CompletedAt = nil
		job.Error = ""
	}
	created, err := s.jobs.Create(dbc, jobs)
	if err != nil {
		return nil, fmt.Errorf("enqueue jobs: %w", err)
	}
	return created, nil
}

func (s *jobLedger) Transition(dbc dbctx.Context, jobID uuid.UUID, from, to string, opts TransitionOpts) error {
	if !domain.TransitionAllowed(from, to) {
		return &domain.TransitionError{JobID: jobID, From: from, To: to}
	}
	if opts.ResultEntryID != nil && opts.ResultSnapshotID != nil {
		return fmt.Errorf("job %s: a job may carry only one result ref", jobID)
	}

	now := time.Now()
	updates := map[string]any{
		"status":     to,
		"updated_at": now,
	}
	switch to {
	case domain.JobStatusActive:
		updates["started_at"] = now
	case domain.JobStatusComplete, domain.JobStatusFailed, domain.JobStatusCancelled:
		updates["completed_at"] = now
	case domain.JobStatusQueued:
		// Retry of a failed job: reset execution state so the row reads
		// like a fresh enqueue.
		updates["queued_at"] = now
		updates["started_at"] = nil
		updates["completed_at"] = nil
		updates["error"] = ""
	}
	if opts.ResultEntryID != nil {
		updates["result_entry_id"] = *opts.ResultEntryID
	}
	if opts.ResultSnapshotID != nil {
		updates["result_snapshot_id"] = *opts.ResultSnapshotID
	}
	if opts.Error != "" {
		updates["error"] = opts.Error
	}
	if opts.QueueRef != "" {
		updates["queue_ref"] = opts.QueueRef
	}

	affected, err := s.jobs.UpdateFieldsWhereStatus(dbc, jobID, from, updates)
	if err != nil {
		return fmt.Errorf("transition job %s: %w", jobID, err)
	}
	if affected == 0 {
		return &domain.TransitionError{JobID: jobID, From: from, To: to}
	}
	s.log.Debug("job transitioned", "job_id", jobID, "from", from, "to", to)
	return nil
}

func (s *jobLedger) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Job, error) {
	return s.jobs.GetByIDs(dbc, ids)
}

func (s *jobLedger) DependenciesReady(dbc dbctx.Context, job *domain.Job) (bool, *domain.Job, error) {
	deps := job.DependsOnIDs()
	if len(deps) == 0 {
		return true, nil, nil
	}
	rows, err := s.jobs.GetByIDs(dbc, deps)
	if err != nil {
		return false, nil, fmt.Errorf("load dependencies of job %s: %w", job.ID, err)
	}
	if len(rows) != len(deps) {
		return false, nil, fmt.Errorf("job %s: %d of %d dependencies missing", job.ID, len(deps)-len(rows), len(deps))
	}
	ready := true
	for _, dep := range rows {
		switch dep.Status {
		case domain.JobStatusComplete:
		case domain.JobStatusFailed, domain.JobStatusCancelled:
			return false, dep, nil
		default:
			ready = false
		}
	}
	return ready, nil, nil
}
