package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/coursegraph/coursegraph-backend/internal/data/repos"
	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
	"github.com/coursegraph/coursegraph-backend/internal/platform/envutil"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

// JobWorkflow drives one ledger job through the RunJob activity. Dependency
// waits surface as retryable activity errors, so Temporal's retry policy is
// the wait mechanism.
func JobWorkflow(ctx workflow.Context, jobID string) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    2 * time.Minute,
			MaximumAttempts:    60,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	return workflow.ExecuteActivity(ctx, "RunJob", jobID).Get(ctx, nil)
}

// Activities adapts the in-process worker's execution path to Temporal.
type Activities struct {
	w    *Worker
	jobs repos.JobRepo
	log  *logger.Logger
}

func NewActivities(w *Worker, jobRepo repos.JobRepo, baseLog *logger.Logger) *Activities {
	return &Activities{w: w, jobs: jobRepo, log: baseLog.With("component", "TemporalActivities")}
}

// RunJob executes a job by ledger id. Jobs with pending dependencies return a
// retryable error; jobs already past queued are treated as done (the local
// claim loop may have won the race).
func (a *Activities) RunJob(ctx context.Context, jobIDStr string) error {
	jobID, err := uuid.Parse(jobIDStr)
	if err != nil {
		return temporal.NewNonRetryableApplicationError("bad job id", "BadJobID", err)
	}

	dbc := dbctx.New(ctx)
	rows, err := a.jobs.GetByIDs(dbc, []uuid.UUID{jobID})
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if len(rows) == 0 || rows[0] == nil {
		return temporal.NewNonRetryableApplicationError("job not found", "JobNotFound", nil)
	}
	job := rows[0]
	if job.Status != domain.JobStatusQueued {
		a.log.Debug("job no longer queued, nothing to do", "job_id", jobID, "status", job.Status)
		return nil
	}

	ready, failedDep, err := a.w.ledger.DependenciesReady(dbc, job)
	if err != nil {
		return err
	}
	if failedDep == nil && !ready {
		return temporal.NewApplicationError(
			fmt.Sprintf("dependencies of job %s still pending", jobID), "DependenciesPending")
	}

	a.w.runOne(ctx, job)
	return nil
}

// TemporalRuntime owns the Temporal client and worker pair.
type TemporalRuntime struct {
	Client client.Client
	worker worker.Worker
	log    *logger.Logger
}

func NewTemporalRuntime(baseLog *logger.Logger, acts *Activities) (*TemporalRuntime, error) {
	c, err := client.Dial(client.Options{
		HostPort:  envutil.String("TEMPORAL_ADDRESS", client.DefaultHostPort),
		Namespace: envutil.String("TEMPORAL_NAMESPACE", client.DefaultNamespace),
	})
	if err != nil {
		return nil, fmt.Errorf("temporal dial: %w", err)
	}

	taskQueue := envutil.String("TEMPORAL_TASK_QUEUE", "coursegraph-jobs")
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(JobWorkflow, workflow.RegisterOptions{Name: "JobWorkflow"})
	w.RegisterActivityWithOptions(acts.RunJob, activity.RegisterOptions{Name: "RunJob"})

	return &TemporalRuntime{
		Client: c,
		worker: w,
		log:    baseLog.With("component", "TemporalRuntime"),
	}, nil
}

func (r *TemporalRuntime) Start() error {
	if err := r.worker.Start(); err != nil {
		return fmt.Errorf("temporal worker start: %w", err)
	}
	r.log.Info("temporal worker started")
	return nil
}

func (r *TemporalRuntime) Stop() {
	r.worker.Stop()
	r.Client.Close()
}
