package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/data/repos"
	"github.com/coursegraph/coursegraph-backend/internal/data/repos/testutil"
	"github.com/coursegraph/coursegraph-backend/internal/domain"
)

// TriggerGeneration commits its own transaction, so these tests seed
// committed rows and clean up by course id instead of rolling back.
func newTestOrchestrator(t *testing.T) (GenerationOrchestrator, *MemoryQueue, *gorm.DB) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)

	nodes := repos.NewMaterialNodeRepo(db, log)
	entries := repos.NewMaterialEntryRepo(db, log)
	jobs := repos.NewJobRepo(db, log)
	snapshots := repos.NewSnapshotRepo(db, log)

	tree := NewTreeStore(db, log, nodes, entries)
	ledger := NewJobLedger(db, log, jobs)
	fps := NewFingerprintService(db, log, nodes, entries)
	queue := NewMemoryQueue()

	orch := NewGenerationOrchestrator(db, log, tree, ledger, fps, jobs, nodes, entries, snapshots, queue, NopNotifier{})
	return orch, queue, db
}

func cleanupCourse(t *testing.T, db *gorm.DB, courseID uuid.UUID) {
	t.Helper()
	t.Cleanup(func() {
		var nodeIDs []uuid.UUID
		db.Model(&domain.MaterialNode{}).Where("course_id = ?", courseID).Pluck("id", &nodeIDs)
		if len(nodeIDs) > 0 {
			db.Unscoped().Where("node_id IN ?", nodeIDs).Delete(&domain.MaterialEntry{})
		}
		db.Where("course_id = ?", courseID).Delete(&domain.Job{})
		db.Where("course_id = ?", courseID).Delete(&domain.Snapshot{})
		db.Unscoped().Where("course_id = ?", courseID).Delete(&domain.MaterialNode{})
	})
}

func TestTriggerGenerationCascade(t *testing.T) {
	orch, queue, db := newTestOrchestrator(t)
	courseID := uuid.New()
	cleanupCourse(t, db, courseID)

	node := testutil.SeedNode(t, db, courseID, nil, "Week 1", 0)
	e1 := testutil.SeedRawEntry(t, db, node.ID, 0)
	e2 := testutil.SeedRawEntry(t, db, node.ID, 1)

	plan, err := orch.TriggerGeneration(context.Background(), courseID, nil, "")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if plan.Idempotent {
		t.Fatal("a cascade is never idempotent")
	}
	if len(plan.IngestionJobs) != 2 {
		t.Fatalf("want 2 ingestion jobs, got %d", len(plan.IngestionJobs))
	}
	if plan.GenerationJob == nil {
		t.Fatal("cascade should carry a generation job")
	}
	deps := plan.GenerationJob.DependsOnIDs()
	if len(deps) != 2 {
		t.Fatalf("generation job should depend on both ingestions, got %d deps", len(deps))
	}

	// Entries are marked pending inside the same transaction.
	for _, id := range []uuid.UUID{e1.ID, e2.ID} {
		var entry domain.MaterialEntry
		if err := db.First(&entry, "id = ?", id).Error; err != nil {
			t.Fatalf("reload entry: %v", err)
		}
		if entry.State() != domain.EntryStatePending {
			t.Fatalf("entry %s state = %s, want PENDING", id, entry.State())
		}
	}

	if got := len(queue.Dispatched()); got != 3 {
		t.Fatalf("want 3 dispatched jobs, got %d", got)
	}
}

func TestTriggerGenerationReusesPendingJob(t *testing.T) {
	orch, _, db := newTestOrchestrator(t)
	courseID := uuid.New()
	cleanupCourse(t, db, courseID)

	node := testutil.SeedNode(t, db, courseID, nil, "Week 1", 0)
	entry := testutil.SeedRawEntry(t, db, node.ID, 0)
	inflight := testutil.SeedJob(t, db, courseID, &node.ID, domain.JobTypeIngest, domain.JobStatusQueued)
	if err := db.Model(&domain.MaterialEntry{}).Where("id = ?", entry.ID).
		Update("pending_job_id", inflight.ID).Error; err != nil {
		t.Fatalf("mark entry pending: %v", err)
	}

	plan, err := orch.TriggerGeneration(context.Background(), courseID, nil, "")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if len(plan.IngestionJobs) != 0 {
		t.Fatalf("pending entry should not get a second ingestion job, got %d", len(plan.IngestionJobs))
	}
	deps := plan.GenerationJob.DependsOnIDs()
	if len(deps) != 1 || deps[0] != inflight.ID {
		t.Fatalf("generation job should depend on the in-flight job, got %v", deps)
	}
}

func TestTriggerGenerationReadyScope(t *testing.T) {
	orch, queue, db := newTestOrchestrator(t)
	courseID := uuid.New()
	cleanupCourse(t, db, courseID)

	node := testutil.SeedNode(t, db, courseID, nil, "Week 1", 0)
	testutil.SeedReadyEntry(t, db, node.ID, 0, "already processed material")

	plan, err := orch.TriggerGeneration(context.Background(), courseID, &node.ID, "")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if plan.Idempotent || plan.GenerationJob == nil || len(plan.IngestionJobs) != 0 {
		t.Fatal("all-ready miss should yield one bare generation job")
	}
	if len(plan.GenerationJob.DependsOnIDs()) != 0 {
		t.Fatal("bare generation job should have no dependencies")
	}
	if got := len(queue.Dispatched()); got != 1 {
		t.Fatalf("want 1 dispatched job, got %d", got)
	}

	// Second trigger with an unchanged tree and a stored snapshot is a cache
	// hit. Complete the live job first so it no longer blocks the scope.
	if err := db.Model(&domain.Job{}).Where("id = ?", plan.GenerationJob.ID).
		Update("status", domain.JobStatusComplete).Error; err != nil {
		t.Fatalf("complete job: %v", err)
	}
	var row domain.MaterialNode
	if err := db.First(&row, "id = ?", node.ID).Error; err != nil {
		t.Fatalf("reload node: %v", err)
	}
	if row.Fingerprint == "" {
		t.Fatal("planReady should have cached the node digest")
	}
	snap := &domain.Snapshot{
		ID:          uuid.New(),
		CourseID:    courseID,
		NodeID:      &node.ID,
		Fingerprint: row.Fingerprint,
		Mode:        DefaultGenerationMode,
		Structure:   datatypes.JSON([]byte(`{"title":"Week 1","sections":[]}`)),
	}
	if err := db.Create(snap).Error; err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	hit, err := orch.TriggerGeneration(context.Background(), courseID, &node.ID, "")
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	if !hit.Idempotent || hit.ExistingSnapshotID == nil || *hit.ExistingSnapshotID != snap.ID {
		t.Fatalf("unchanged tree should return the stored snapshot, got %+v", hit)
	}
	if hit.GenerationJob != nil {
		t.Fatal("idempotent plan must not enqueue work")
	}
}

func TestTriggerGenerationConflict(t *testing.T) {
	orch, _, db := newTestOrchestrator(t)
	courseID := uuid.New()
	cleanupCourse(t, db, courseID)

	node := testutil.SeedNode(t, db, courseID, nil, "Week 1", 0)
	testutil.SeedReadyEntry(t, db, node.ID, 0, "material")
	live := testutil.SeedJob(t, db, courseID, nil, domain.JobTypeGenerate, domain.JobStatusActive)

	_, err := orch.TriggerGeneration(context.Background(), courseID, &node.ID, "")
	var cerr *domain.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("want ConflictError, got %v", err)
	}
	if cerr.JobID != live.ID {
		t.Fatalf("conflict should name the live job, got %s", cerr.JobID)
	}
}

func TestTriggerGenerationNoMaterials(t *testing.T) {
	orch, _, db := newTestOrchestrator(t)
	courseID := uuid.New()
	cleanupCourse(t, db, courseID)

	testutil.SeedNode(t, db, courseID, nil, "Empty", 0)

	_, err := orch.TriggerGeneration(context.Background(), courseID, nil, "")
	if !errors.Is(err, domain.ErrNoMaterials) {
		t.Fatalf("want ErrNoMaterials, got %v", err)
	}
}

func TestTriggerGenerationUnknownNode(t *testing.T) {
	orch, _, db := newTestOrchestrator(t)
	courseID := uuid.New()
	cleanupCourse(t, db, courseID)

	testutil.SeedNode(t, db, courseID, nil, "Week 1", 0)
	stranger := uuid.New()

	_, err := orch.TriggerGeneration(context.Background(), courseID, &stranger, "")
	if !errors.Is(err, domain.ErrNodeNotFound) {
		t.Fatalf("want ErrNodeNotFound, got %v", err)
	}
}

func TestRetryJobRequeues(t *testing.T) {
	orch, queue, db := newTestOrchestrator(t)
	courseID := uuid.New()
	cleanupCourse(t, db, courseID)

	failed := testutil.SeedJob(t, db, courseID, nil, domain.JobTypeGenerate, domain.JobStatusFailed)

	job, err := orch.RetryJob(context.Background(), failed.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("retried job status = %s, want queued", job.Status)
	}
	if got := len(queue.Dispatched()); got != 1 {
		t.Fatalf("retry should redispatch, got %d", got)
	}

	// Terminal jobs cannot be retried.
	done := testutil.SeedJob(t, db, courseID, nil, domain.JobTypeGenerate, domain.JobStatusComplete)
	if _, err := orch.RetryJob(context.Background(), done.ID); err == nil {
		t.Fatal("retrying a complete job should fail")
	}
}

func TestRetryEntry(t *testing.T) {
	orch, _, db := newTestOrchestrator(t)
	courseID := uuid.New()
	cleanupCourse(t, db, courseID)

	node := testutil.SeedNode(t, db, courseID, nil, "Week 1", 0)
	broken := testutil.SeedRawEntry(t, db, node.ID, 0)
	if err := db.Model(&domain.MaterialEntry{}).Where("id = ?", broken.ID).
		Update("error_message", "extraction blew up").Error; err != nil {
		t.Fatalf("mark entry errored: %v", err)
	}

	job, err := orch.RetryEntry(context.Background(), broken.ID)
	if err != nil {
		t.Fatalf("retry entry: %v", err)
	}
	if job.JobType != domain.JobTypeIngest {
		t.Fatalf("retry should enqueue an ingestion job, got %s", job.JobType)
	}

	var entry domain.MaterialEntry
	if err := db.First(&entry, "id = ?", broken.ID).Error; err != nil {
		t.Fatalf("reload entry: %v", err)
	}
	if entry.State() != domain.EntryStatePending {
		t.Fatalf("retried entry state = %s, want PENDING", entry.State())
	}
	if entry.PendingJobID == nil || *entry.PendingJobID != job.ID {
		t.Fatal("entry should point at the fresh ingestion job")
	}

	// Only errored entries are retryable.
	healthy := testutil.SeedRawEntry(t, db, node.ID, 1)
	if _, err := orch.RetryEntry(context.Background(), healthy.ID); err == nil {
		t.Fatal("retrying a healthy entry should fail")
	}
}
