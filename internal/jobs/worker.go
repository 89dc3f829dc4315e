package jobs

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/data/repos"
	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
	"github.com/coursegraph/coursegraph-backend/internal/platform/envutil"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
	"github.com/coursegraph/coursegraph-backend/internal/services"
)

// Worker is the in-process claim loop. It polls for queued jobs whose
// dependencies have completed, claims them through the ledger's optimistic
// transition, and runs the registered handler. The Temporal path shares the
// same handlers; this loop also backstops jobs whose external dispatch
// failed.
type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	jobs     repos.JobRepo
	ledger   services.JobLedger
	registry *Registry
	notify   services.JobNotifier

	pollEvery   time.Duration
	parallelism int
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, jobRepo repos.JobRepo, ledger services.JobLedger, registry *Registry, notify services.JobNotifier) *Worker {
	return &Worker{
		db:          db,
		log:         baseLog.With("component", "JobWorker"),
		jobs:        jobRepo,
		ledger:      ledger,
		registry:    registry,
		notify:      notify,
		pollEvery:   time.Duration(envutil.Int("JOB_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		parallelism: envutil.Int("JOB_WORKER_PARALLELISM", 4),
	}
}

func (w *Worker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.tick(ctx)
			}
		}
	}()
}

func (w *Worker) tick(ctx context.Context) {
	dbc := dbctx.New(ctx)
	candidates, err := w.jobs.GetRunnable(dbc, w.parallelism*2)
	if err != nil {
		w.log.Warn("poll runnable jobs failed", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)
	for _, job := range candidates {
		job := job
		g.Go(func() error {
			w.runOne(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) runOne(ctx context.Context, job *domain.Job) {
	dbc := dbctx.New(ctx)

	ready, failedDep, err := w.ledger.DependenciesReady(dbc, job)
	if err != nil {
		w.log.Warn("dependency check failed", "job_id", job.ID, "error", err)
		return
	}
	if failedDep != nil {
		w.propagateDependencyFailure(ctx, job, failedDep)
		return
	}
	if !ready {
		return
	}

	// Claim. A zero-row transition means another worker got there first.
	if err := w.ledger.Transition(dbc, job.ID, domain.JobStatusQueued, domain.JobStatusActive, services.TransitionOpts{}); err != nil {
		return
	}
	job.Status = domain.JobStatusActive
	_ = w.notify.Notify(ctx, job)

	h, ok := w.registry.Get(job.JobType)
	jc := NewContext(ctx, w.db, job, w.ledger, w.notify)
	if !ok {
		w.log.Warn("no handler registered", "job_type", job.JobType, "job_id", job.ID)
		_ = jc.Fail(fmt.Errorf("no handler registered for job_type=%s", job.JobType))
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("job handler panic", "job_id", job.ID, "job_type", job.JobType, "panic", r)
				_ = jc.Fail(fmt.Errorf("handler panic: %v", r))
			}
		}()
		if err := h.Run(jc); err != nil {
			w.log.Warn("job failed", "job_id", job.ID, "job_type", job.JobType, "error", err)
		}
	}()
}

// propagateDependencyFailure fails a queued job whose upstream failed or was
// cancelled. The transition table has no queued->failed edge, so the job
// passes through active first.
func (w *Worker) propagateDependencyFailure(ctx context.Context, job *domain.Job, dep *domain.Job) {
	dbc := dbctx.New(ctx)
	if err := w.ledger.Transition(dbc, job.ID, domain.JobStatusQueued, domain.JobStatusActive, services.TransitionOpts{}); err != nil {
		return
	}
	cause := fmt.Errorf("dependency %s is %s", dep.ID, dep.Status)
	if err := w.ledger.Transition(dbc, job.ID, domain.JobStatusActive, domain.JobStatusFailed, services.TransitionOpts{Error: cause.Error()}); err != nil {
		w.log.Warn("propagate dependency failure", "job_id", job.ID, "error", err)
		return
	}
	job.Status = domain.JobStatusFailed
	job.Error = cause.Error()
	_ = w.notify.Notify(ctx, job)
	w.log.Info("job failed on dependency", "job_id", job.ID, "dependency_id", dep.ID)
}
