package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/data/repos"
	"github.com/coursegraph/coursegraph-backend/internal/data/repos/testutil"
	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/services"
)

type stubCompletion struct {
	calls     int
	structure json.RawMessage
}

func (c *stubCompletion) GenerateStructure(_ context.Context, _ []services.Material, _ string) (json.RawMessage, services.GenerationUsage, error) {
	c.calls++
	return c.structure, services.GenerationUsage{
		Model:            "stub-model",
		PromptTokens:     120,
		CompletionTokens: 40,
		CostUSD:          0.002,
	}, nil
}

func newTestGenerateHandler(t *testing.T) (*GenerateHandler, *stubCompletion, services.JobLedger, *gorm.DB) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)

	nodes := repos.NewMaterialNodeRepo(db, log)
	entries := repos.NewMaterialEntryRepo(db, log)
	jobsRepo := repos.NewJobRepo(db, log)
	snapshots := repos.NewSnapshotRepo(db, log)

	tree := services.NewTreeStore(db, log, nodes, entries)
	ledger := services.NewJobLedger(db, log, jobsRepo)
	fps := services.NewFingerprintService(db, log, nodes, entries)
	completion := &stubCompletion{structure: json.RawMessage(`{"title":"Course","sections":[]}`)}

	return NewGenerateHandler(db, log, tree, fps, snapshots, completion), completion, ledger, db
}

func TestGenerateHandlerCreatesSnapshot(t *testing.T) {
	h, completion, ledger, db := newTestGenerateHandler(t)
	courseID := uuid.New()
	cleanupCourse(t, db, courseID)

	node := testutil.SeedNode(t, db, courseID, nil, "Week 1", 0)
	testutil.SeedReadyEntry(t, db, node.ID, 0, "processed lecture text")

	job := seedActiveJob(t, db, courseID, nil, domain.JobTypeGenerate,
		map[string]string{"course_id": courseID.String(), "mode": services.DefaultGenerationMode})

	jc := NewContext(context.Background(), db, job, ledger, services.NopNotifier{})
	if err := h.Run(jc); err != nil {
		t.Fatalf("run: %v", err)
	}
	if completion.calls != 1 {
		t.Fatalf("completion calls = %d, want 1", completion.calls)
	}

	var done domain.Job
	if err := db.First(&done, "id = ?", job.ID).Error; err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if done.Status != domain.JobStatusComplete {
		t.Fatalf("job status = %s, want complete", done.Status)
	}
	if done.ResultSnapshotID == nil {
		t.Fatal("job should reference the snapshot it produced")
	}

	var snap domain.Snapshot
	if err := db.First(&snap, "id = ?", *done.ResultSnapshotID).Error; err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if snap.CourseID != courseID || snap.NodeID != nil {
		t.Fatalf("snapshot scope = (%s, %v), want course scope", snap.CourseID, snap.NodeID)
	}
	if snap.Fingerprint == "" || snap.Mode != services.DefaultGenerationMode {
		t.Fatalf("snapshot identity incomplete: fp=%q mode=%q", snap.Fingerprint, snap.Mode)
	}
	if snap.Model != "stub-model" || snap.CostUSD != 0.002 {
		t.Fatalf("usage not recorded: model=%q cost=%v", snap.Model, snap.CostUSD)
	}
	if !strings.Contains(string(snap.Structure), `"title":"Course"`) {
		t.Fatalf("structure = %s", snap.Structure)
	}
}

func TestGenerateHandlerReusesExistingSnapshot(t *testing.T) {
	h, completion, ledger, db := newTestGenerateHandler(t)
	courseID := uuid.New()
	cleanupCourse(t, db, courseID)

	node := testutil.SeedNode(t, db, courseID, nil, "Week 1", 0)
	testutil.SeedReadyEntry(t, db, node.ID, 0, "processed lecture text")

	payload := map[string]string{
		"course_id": courseID.String(),
		"node_id":   node.ID.String(),
		"mode":      services.DefaultGenerationMode,
	}

	first := seedActiveJob(t, db, courseID, &node.ID, domain.JobTypeGenerate, payload)
	if err := h.Run(NewContext(context.Background(), db, first, ledger, services.NopNotifier{})); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if completion.calls != 1 {
		t.Fatalf("completion calls = %d, want 1", completion.calls)
	}

	// Same scope, unchanged tree: the second job finds the stored snapshot
	// and never calls the model.
	second := seedActiveJob(t, db, courseID, &node.ID, domain.JobTypeGenerate, payload)
	if err := h.Run(NewContext(context.Background(), db, second, ledger, services.NopNotifier{})); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if completion.calls != 1 {
		t.Fatalf("reuse should not call the model, calls = %d", completion.calls)
	}

	var firstDone, secondDone domain.Job
	if err := db.First(&firstDone, "id = ?", first.ID).Error; err != nil {
		t.Fatalf("reload first job: %v", err)
	}
	if err := db.First(&secondDone, "id = ?", second.ID).Error; err != nil {
		t.Fatalf("reload second job: %v", err)
	}
	if secondDone.Status != domain.JobStatusComplete {
		t.Fatalf("second job status = %s, want complete", secondDone.Status)
	}
	if secondDone.ResultSnapshotID == nil || firstDone.ResultSnapshotID == nil ||
		*secondDone.ResultSnapshotID != *firstDone.ResultSnapshotID {
		t.Fatal("both jobs should reference the same snapshot")
	}

	var count int64
	if err := db.Model(&domain.Snapshot{}).Where("course_id = ?", courseID).Count(&count).Error; err != nil {
		t.Fatalf("count snapshots: %v", err)
	}
	if count != 1 {
		t.Fatalf("snapshot count = %d, want 1", count)
	}
}

func TestGenerateHandlerNoMaterialsFailsJob(t *testing.T) {
	h, completion, ledger, db := newTestGenerateHandler(t)
	courseID := uuid.New()
	cleanupCourse(t, db, courseID)

	testutil.SeedNode(t, db, courseID, nil, "Empty", 0)

	job := seedActiveJob(t, db, courseID, nil, domain.JobTypeGenerate,
		map[string]string{"course_id": courseID.String()})

	// Fail records the cause on the job; Run itself returns nil once the
	// transition committed.
	if err := h.Run(NewContext(context.Background(), db, job, ledger, services.NopNotifier{})); err != nil {
		t.Fatalf("run: %v", err)
	}
	if completion.calls != 0 {
		t.Fatalf("empty scope must not call the model, calls = %d", completion.calls)
	}

	var failed domain.Job
	if err := db.First(&failed, "id = ?", job.ID).Error; err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if failed.Status != domain.JobStatusFailed {
		t.Fatalf("job status = %s, want failed", failed.Status)
	}
	if !strings.Contains(failed.Error, domain.ErrNoMaterials.Error()) {
		t.Fatalf("job error = %q, want the no-materials cause", failed.Error)
	}
}
