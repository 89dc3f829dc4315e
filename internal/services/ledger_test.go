package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/coursegraph/coursegraph-backend/internal/data/repos"
	"github.com/coursegraph/coursegraph-backend/internal/data/repos/testutil"
	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
)

func newTestLedger(t *testing.T) (JobLedger, dbctx.Context) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	jobs := repos.NewJobRepo(db, log)
	return NewJobLedger(db, log, jobs), dbctx.Context{Ctx: context.Background(), Tx: tx}
}

func TestEnqueueNormalizesJobs(t *testing.T) {
	ledger, dbc := newTestLedger(t)
	courseID := uuid.New()

	job := &domain.Job{
		CourseID: &courseID,
		JobType:  domain.JobTypeGenerate,
		Status:   domain.JobStatusActive, // caller-set status is ignored
		Error:    "stale error",
	}
	created, err := ledger.Enqueue(dbc, []*domain.Job{job})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got := created[0]
	if got.ID == uuid.Nil {
		t.Fatal("enqueue should assign an id")
	}
	if got.Status != domain.JobStatusQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
	if got.QueuedAt.IsZero() {
		t.Fatal("queued_at should be stamped")
	}
	if got.Error != "" || got.StartedAt != nil || got.CompletedAt != nil {
		t.Fatal("execution state should be cleared on enqueue")
	}

	if _, err := ledger.Enqueue(dbc, []*domain.Job{{CourseID: &courseID, JobType: "compile"}}); err == nil {
		t.Fatal("unknown job type should be rejected")
	}
}

func TestTransitionLifecycle(t *testing.T) {
	ledger, dbc := newTestLedger(t)
	courseID := uuid.New()
	job := testutil.SeedJob(t, dbc.Tx, courseID, nil, domain.JobTypeGenerate, domain.JobStatusQueued)

	if err := ledger.Transition(dbc, job.ID, domain.JobStatusQueued, domain.JobStatusActive, TransitionOpts{}); err != nil {
		t.Fatalf("queued -> active: %v", err)
	}
	rows, _ := ledger.GetByIDs(dbc, []uuid.UUID{job.ID})
	if rows[0].Status != domain.JobStatusActive || rows[0].StartedAt == nil {
		t.Fatal("active transition should stamp started_at")
	}

	if err := ledger.Transition(dbc, job.ID, domain.JobStatusActive, domain.JobStatusFailed, TransitionOpts{Error: "boom"}); err != nil {
		t.Fatalf("active -> failed: %v", err)
	}
	rows, _ = ledger.GetByIDs(dbc, []uuid.UUID{job.ID})
	if rows[0].Error != "boom" || rows[0].CompletedAt == nil {
		t.Fatal("failed transition should record error and completed_at")
	}

	// Retry resets execution state.
	if err := ledger.Transition(dbc, job.ID, domain.JobStatusFailed, domain.JobStatusQueued, TransitionOpts{}); err != nil {
		t.Fatalf("failed -> queued: %v", err)
	}
	rows, _ = ledger.GetByIDs(dbc, []uuid.UUID{job.ID})
	got := rows[0]
	if got.Status != domain.JobStatusQueued || got.Error != "" || got.StartedAt != nil || got.CompletedAt != nil {
		t.Fatal("retry should reset the row to a fresh enqueue")
	}
}

func TestTransitionRejectsBadEdges(t *testing.T) {
	ledger, dbc := newTestLedger(t)
	courseID := uuid.New()
	job := testutil.SeedJob(t, dbc.Tx, courseID, nil, domain.JobTypeGenerate, domain.JobStatusQueued)

	var terr *domain.TransitionError
	err := ledger.Transition(dbc, job.ID, domain.JobStatusQueued, domain.JobStatusComplete, TransitionOpts{})
	if !errors.As(err, &terr) {
		t.Fatalf("queued -> complete should yield a TransitionError, got %v", err)
	}

	// A stale from-status loses the optimistic guard.
	err = ledger.Transition(dbc, job.ID, domain.JobStatusActive, domain.JobStatusComplete, TransitionOpts{})
	if !errors.As(err, &terr) {
		t.Fatalf("transition with stale from-status should fail, got %v", err)
	}
	rows, _ := ledger.GetByIDs(dbc, []uuid.UUID{job.ID})
	if rows[0].Status != domain.JobStatusQueued {
		t.Fatal("failed guard must not touch the row")
	}
}

func TestTransitionRejectsDoubleResultRef(t *testing.T) {
	ledger, dbc := newTestLedger(t)
	courseID := uuid.New()
	job := testutil.SeedJob(t, dbc.Tx, courseID, nil, domain.JobTypeIngest, domain.JobStatusActive)

	entryID := uuid.New()
	snapID := uuid.New()
	err := ledger.Transition(dbc, job.ID, domain.JobStatusActive, domain.JobStatusComplete, TransitionOpts{
		ResultEntryID:    &entryID,
		ResultSnapshotID: &snapID,
	})
	if err == nil {
		t.Fatal("a job may not carry both result refs")
	}
}

func TestDependenciesReady(t *testing.T) {
	ledger, dbc := newTestLedger(t)
	courseID := uuid.New()

	done := testutil.SeedJob(t, dbc.Tx, courseID, nil, domain.JobTypeIngest, domain.JobStatusComplete)
	pending := testutil.SeedJob(t, dbc.Tx, courseID, nil, domain.JobTypeIngest, domain.JobStatusQueued)
	broken := testutil.SeedJob(t, dbc.Tx, courseID, nil, domain.JobTypeIngest, domain.JobStatusFailed)

	var job domain.Job
	job.ID = uuid.New()

	job.SetDependsOn([]uuid.UUID{done.ID})
	ready, failed, err := ledger.DependenciesReady(dbc, &job)
	if err != nil || !ready || failed != nil {
		t.Fatalf("all-complete deps: ready=%v failed=%v err=%v", ready, failed, err)
	}

	job.SetDependsOn([]uuid.UUID{done.ID, pending.ID})
	ready, failed, err = ledger.DependenciesReady(dbc, &job)
	if err != nil || ready || failed != nil {
		t.Fatalf("queued dep should hold the job back: ready=%v failed=%v err=%v", ready, failed, err)
	}

	job.SetDependsOn([]uuid.UUID{done.ID, broken.ID})
	ready, failed, err = ledger.DependenciesReady(dbc, &job)
	if err != nil || ready || failed == nil || failed.ID != broken.ID {
		t.Fatalf("failed dep should be surfaced: ready=%v failed=%v err=%v", ready, failed, err)
	}

	job.SetDependsOn([]uuid.UUID{uuid.New()})
	if _, _, err = ledger.DependenciesReady(dbc, &job); err == nil {
		t.Fatal("missing dependency rows are an error")
	}
}
