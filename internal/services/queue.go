package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

// JobQueue hands a persisted job to an external executor. Enqueue returns an
// opaque dispatch reference stored on the job row as queue_ref.
type JobQueue interface {
	Enqueue(ctx context.Context, job *domain.Job) (string, error)
}

type temporalQueue struct {
	client    client.Client
	taskQueue string
	log       *logger.Logger
}

func NewTemporalQueue(c client.Client, taskQueue string, baseLog *logger.Logger) JobQueue {
	return &temporalQueue{
		client:    c,
		taskQueue: taskQueue,
		log:       baseLog.With("service", "TemporalQueue"),
	}
}

// Enqueue starts one workflow per job, keyed by the job id so a retried
// dispatch of the same job never forks a second execution. A workflow that
// already exists is treated as dispatched.
func (q *temporalQueue) Enqueue(ctx context.Context, job *domain.Job) (string, error) {
	if job == nil {
		return "", errors.New("nil job")
	}
	opts := client.StartWorkflowOptions{
		ID:                    job.ID.String(),
		TaskQueue:             q.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
	run, err := q.client.ExecuteWorkflow(ctx, opts, "JobWorkflow", job.ID.String())
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			q.log.Debug("workflow already started", "job_id", job.ID)
			return job.ID.String(), nil
		}
		return "", fmt.Errorf("start workflow for job %s: %w", job.ID, err)
	}
	return run.GetRunID(), nil
}

// LocalQueue is the no-external-queue mode: jobs stay queued in the ledger
// and the in-process claim loop runs them.
type LocalQueue struct{}

func (LocalQueue) Enqueue(_ context.Context, job *domain.Job) (string, error) {
	return "local", nil
}

// MemoryQueue records dispatched jobs in order. Test double for the Temporal
// adapter.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs []*domain.Job

	// FailWith, when set, is returned by every Enqueue.
	FailWith error
}

func NewMemoryQueue() *MemoryQueue { return &MemoryQueue{} }

func (q *MemoryQueue) Enqueue(_ context.Context, job *domain.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailWith != nil {
		return "", q.FailWith
	}
	q.jobs = append(q.jobs, job)
	return fmt.Sprintf("mem-%d", len(q.jobs)), nil
}

func (q *MemoryQueue) Dispatched() []*domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}
