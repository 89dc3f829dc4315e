package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/data/repos"
	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

const DefaultGenerationMode = "outline"

// Plan is the outcome of one generation trigger: either the snapshot already
// existed (idempotent, no work enqueued) or a cascade of ingestion jobs plus
// one generation job was written to the ledger.
type Plan struct {
	IngestionJobs      []*domain.Job
	GenerationJob      *domain.Job
	ExistingSnapshotID *uuid.UUID
	Idempotent         bool
}

// GenerationOrchestrator decides, in one transaction, what work a generation
// request implies: nothing (cache hit), a bare generation job, or an
// ingestion cascade the generation depends on. Queue dispatch happens after
// the transaction commits so the queue never sees a job the DB could still
// roll back.
type GenerationOrchestrator interface {
	TriggerGeneration(ctx context.Context, courseID uuid.UUID, nodeID *uuid.UUID, mode string) (*Plan, error)
	RetryJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)
	RetryEntry(ctx context.Context, entryID uuid.UUID) (*domain.Job, error)
}

type generationOrchestrator struct {
	db        *gorm.DB
	log       *logger.Logger
	tree      TreeStore
	ledger    JobLedger
	fps       FingerprintService
	jobs      repos.JobRepo
	nodes     repos.MaterialNodeRepo
	entries   repos.MaterialEntryRepo
	snapshots repos.SnapshotRepo
	queue     JobQueue
	notifier  JobNotifier
}

func NewGenerationOrchestrator(
	db *gorm.DB,
	baseLog *logger.Logger,
	tree TreeStore,
	ledger JobLedger,
	fps FingerprintService,
	jobs repos.JobRepo,
	nodes repos.MaterialNodeRepo,
	entries repos.MaterialEntryRepo,
	snapshots repos.SnapshotRepo,
	queue JobQueue,
	notifier JobNotifier,
) GenerationOrchestrator {
	return &generationOrchestrator{
		db:        db,
		log:       baseLog.With("service", "GenerationOrchestrator"),
		tree:      tree,
		ledger:    ledger,
		fps:       fps,
		jobs:      jobs,
		nodes:     nodes,
		entries:   entries,
		snapshots: snapshots,
		queue:     queue,
		notifier:  notifier,
	}
}

func (s *generationOrchestrator) TriggerGeneration(ctx context.Context, courseID uuid.UUID, nodeID *uuid.UUID, mode string) (*Plan, error) {
	if mode == "" {
		mode = DefaultGenerationMode
	}

	var plan *Plan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.WithTx(ctx, tx)

		f, err := s.tree.LoadForest(dbc, courseID)
		if err != nil {
			return err
		}

		// Scope: target subtree, or the whole forest when no node is named.
		var scope []*domain.MaterialNode
		if nodeID != nil {
			if _, ok := f.Node(*nodeID); !ok {
				return fmt.Errorf("node %s: %w", *nodeID, domain.ErrNodeNotFound)
			}
			scope = f.Subtree(*nodeID)
		} else {
			scope = f.AllNodes()
		}

		live, err := s.jobs.GetLiveGenerationJobs(dbc, courseID)
		if err != nil {
			return fmt.Errorf("load live generation jobs: %w", err)
		}
		if c := DetectConflict(f, live, nodeID); c != nil {
			return &domain.ConflictError{JobID: c.Job.ID, Reason: c.Reason}
		}

		var stale, ready []*domain.MaterialEntry
		for _, node := range scope {
			for _, e := range f.Entries(node.ID) {
				if e.State() == domain.EntryStateReady {
					ready = append(ready, e)
				} else {
					stale = append(stale, e)
				}
			}
		}
		if len(stale) == 0 && len(ready) == 0 {
			return domain.ErrNoMaterials
		}

		if len(stale) > 0 {
			plan, err = s.planCascade(dbc, courseID, nodeID, mode, stale)
			return err
		}
		plan, err = s.planReady(dbc, f, courseID, nodeID, mode)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.dispatch(ctx, plan)
	return plan, nil
}

// planCascade enqueues one ingestion job per stale entry without a pending
// job, reuses the pending job id otherwise, and hangs a single generation job
// off the union of both.
func (s *generationOrchestrator) planCascade(dbc dbctx.Context, courseID uuid.UUID, nodeID *uuid.UUID, mode string, stale []*domain.MaterialEntry) (*Plan, error) {
	now := time.Now()
	var ingestJobs []*domain.Job
	var deps []uuid.UUID

	for _, entry := range stale {
		if entry.State() == domain.EntryStatePending && entry.PendingJobID != nil {
			deps = append(deps, *entry.PendingJobID)
			continue
		}
		payload, _ := json.Marshal(map[string]string{"entry_id": entry.ID.String()})
		job := &domain.Job{
			ID:       uuid.New(),
			CourseID: &courseID,
			NodeID:   &entry.NodeID,
			JobType:  domain.JobTypeIngest,
			Payload:  datatypes.JSON(payload),
		}
		ingestJobs = append(ingestJobs, job)
		deps = append(deps, job.ID)

		if err := s.entries.UpdateFields(dbc, entry.ID, map[string]any{
			"pending_job_id": job.ID,
			"pending_since":  now,
			"error_message":  "",
			"updated_at":     now,
		}); err != nil {
			return nil, fmt.Errorf("mark entry %s pending: %w", entry.ID, err)
		}
	}

	genJob, err := s.buildGenerationJob(courseID, nodeID, mode, deps)
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.Enqueue(dbc, append(append([]*domain.Job{}, ingestJobs...), genJob)); err != nil {
		return nil, err
	}
	return &Plan{IngestionJobs: ingestJobs, GenerationJob: genJob}, nil
}

// planReady handles the all-ready scope: snapshot lookup by identity key
// first, fresh generation job only on a miss.
func (s *generationOrchestrator) planReady(dbc dbctx.Context, f *Forest, courseID uuid.UUID, nodeID *uuid.UUID, mode string) (*Plan, error) {
	var fp string
	var err error
	if nodeID != nil {
		fp, err = s.fps.EnsureNodeFingerprint(dbc, f, *nodeID)
	} else {
		fp, err = s.fps.EnsureCourseFingerprint(dbc, f)
	}
	if err != nil {
		return nil, err
	}

	snap, err := s.snapshots.FindByIdentity(dbc, courseID, nodeID, fp, mode)
	if err != nil {
		return nil, fmt.Errorf("snapshot lookup: %w", err)
	}
	if snap != nil {
		s.log.Info("generation satisfied by existing snapshot",
			"course_id", courseID, "snapshot_id", snap.ID)
		return &Plan{ExistingSnapshotID: &snap.ID, Idempotent: true}, nil
	}

	genJob, err := s.buildGenerationJob(courseID, nodeID, mode, nil)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.Enqueue(dbc, []*domain.Job{genJob}); err != nil {
		return nil, err
	}
	return &Plan{GenerationJob: genJob}, nil
}

func (s *generationOrchestrator) buildGenerationJob(courseID uuid.UUID, nodeID *uuid.UUID, mode string, deps []uuid.UUID) (*domain.Job, error) {
	payload := map[string]string{
		"course_id": courseID.String(),
		"mode":      mode,
	}
	if nodeID != nil {
		payload["node_id"] = nodeID.String()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode generation payload: %w", err)
	}
	job := &domain.Job{
		ID:       uuid.New(),
		CourseID: &courseID,
		NodeID:   nodeID,
		JobType:  domain.JobTypeGenerate,
		Payload:  datatypes.JSON(raw),
	}
	job.SetDependsOn(deps)
	return job, nil
}

// dispatch hands committed jobs to the external queue. A dispatch failure is
// logged and swallowed: the row stays queued and the in-process claim loop
// picks it up.
func (s *generationOrchestrator) dispatch(ctx context.Context, plan *Plan) {
	if plan == nil || plan.Idempotent {
		return
	}
	all := append([]*domain.Job{}, plan.IngestionJobs...)
	if plan.GenerationJob != nil {
		all = append(all, plan.GenerationJob)
	}
	dbc := dbctx.New(ctx)
	for _, job := range all {
		ref, err := s.queue.Enqueue(ctx, job)
		if err != nil {
			s.log.Warn("queue dispatch failed, leaving job queued",
				"job_id", job.ID, "error", err)
			continue
		}
		job.QueueRef = ref
		if err := s.jobs.UpdateFields(dbc, job.ID, map[string]any{"queue_ref": ref}); err != nil {
			s.log.Warn("store queue ref failed", "job_id", job.ID, "error", err)
		}
		if err := s.notifier.Notify(ctx, job); err != nil {
			s.log.Warn("job notify failed", "job_id", job.ID, "error", err)
		}
	}
}

func (s *generationOrchestrator) RetryJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	var job *domain.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.WithTx(ctx, tx)
		rows, err := s.ledger.GetByIDs(dbc, []uuid.UUID{jobID})
		if err != nil {
			return err
		}
		if len(rows) == 0 || rows[0] == nil {
			return fmt.Errorf("job %s not found", jobID)
		}
		job = rows[0]
		if err := s.ledger.Transition(dbc, jobID, domain.JobStatusFailed, domain.JobStatusQueued, TransitionOpts{}); err != nil {
			return err
		}
		job.Status = domain.JobStatusQueued
		job.Error = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.dispatchOne(ctx, job)
	return job, nil
}

func (s *generationOrchestrator) RetryEntry(ctx context.Context, entryID uuid.UUID) (*domain.Job, error) {
	var job *domain.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.WithTx(ctx, tx)
		rows, err := s.entries.GetByIDs(dbc, []uuid.UUID{entryID})
		if err != nil {
			return err
		}
		if len(rows) == 0 || rows[0] == nil {
			return fmt.Errorf("entry %s not found", entryID)
		}
		entry := rows[0]
		if entry.State() != domain.EntryStateError {
			return fmt.Errorf("entry %s is %s, only errored entries can be retried", entryID, entry.State())
		}

		courseID, err := s.courseOf(dbc, entry.NodeID)
		if err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]string{"entry_id": entry.ID.String()})
		job = &domain.Job{
			ID:       uuid.New(),
			CourseID: courseID,
			NodeID:   &entry.NodeID,
			JobType:  domain.JobTypeIngest,
			Payload:  datatypes.JSON(payload),
		}
		if _, err := s.ledger.Enqueue(dbc, []*domain.Job{job}); err != nil {
			return err
		}

		now := time.Now()
		return s.entries.UpdateFields(dbc, entry.ID, map[string]any{
			"error_message":  "",
			"pending_job_id": job.ID,
			"pending_since":  now,
			"updated_at":     now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.dispatchOne(ctx, job)
	return job, nil
}

func (s *generationOrchestrator) courseOf(dbc dbctx.Context, nodeID uuid.UUID) (*uuid.UUID, error) {
	rows, err := s.nodes.GetByIDs(dbc, []uuid.UUID{nodeID})
	if err != nil {
		return nil, fmt.Errorf("load node %s: %w", nodeID, err)
	}
	if len(rows) == 0 || rows[0] == nil {
		return nil, fmt.Errorf("node %s: %w", nodeID, domain.ErrNodeNotFound)
	}
	return &rows[0].CourseID, nil
}

func (s *generationOrchestrator) dispatchOne(ctx context.Context, job *domain.Job) {
	if job == nil {
		return
	}
	s.dispatch(ctx, &Plan{GenerationJob: job})
}
