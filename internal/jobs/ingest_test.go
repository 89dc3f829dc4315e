package jobs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/data/repos"
	"github.com/coursegraph/coursegraph-backend/internal/data/repos/testutil"
	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/ingestion"
	"github.com/coursegraph/coursegraph-backend/internal/platform/gcp"
	"github.com/coursegraph/coursegraph-backend/internal/services"
)

// stubBucket serves objects from memory. onDownload runs before each read,
// which lets a test mutate the database mid-processing.
type stubBucket struct {
	objects    map[string][]byte
	onDownload func(key string)
}

func (b *stubBucket) DownloadFile(_ context.Context, key string) (io.ReadCloser, error) {
	if b.onDownload != nil {
		b.onDownload(key)
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *stubBucket) GetObjectAttrs(_ context.Context, key string) (*gcp.ObjectAttrs, error) {
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return &gcp.ObjectAttrs{Size: int64(len(data))}, nil
}

func (b *stubBucket) ListKeys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (b *stubBucket) GCSURI(key string) string { return "gs://test-bucket/" + key }
func (b *stubBucket) Close() error             { return nil }

// Handlers open their own transactions, so these tests seed committed rows
// and clean up by course id, same as the orchestrator tests.
func newTestIngestHandler(t *testing.T, bucket gcp.BucketService) (*IngestHandler, services.JobLedger, *gorm.DB) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)

	nodes := repos.NewMaterialNodeRepo(db, log)
	entries := repos.NewMaterialEntryRepo(db, log)
	jobsRepo := repos.NewJobRepo(db, log)

	ledger := services.NewJobLedger(db, log, jobsRepo)
	fps := services.NewFingerprintService(db, log, nodes, entries)
	processors := ingestion.NewSet(log, nil, nil, nil)

	return NewIngestHandler(db, log, bucket, processors, entries, fps), ledger, db
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

func seedActiveJob(t *testing.T, db *gorm.DB, courseID uuid.UUID, nodeID *uuid.UUID, jobType string, payload map[string]string) *domain.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	now := time.Now()
	job := &domain.Job{
		ID:        uuid.New(),
		CourseID:  &courseID,
		NodeID:    nodeID,
		JobType:   jobType,
		Status:    domain.JobStatusActive,
		Payload:   datatypes.JSON(raw),
		QueuedAt:  now,
		StartedAt: &now,
	}
	if err := db.Create(job).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func markPending(t *testing.T, db *gorm.DB, entryID, jobID uuid.UUID, rawHash string) {
	t.Helper()
	now := time.Now()
	err := db.Model(&domain.MaterialEntry{}).Where("id = ?", entryID).Updates(map[string]any{
		"raw_hash":       rawHash,
		"pending_job_id": jobID,
		"pending_since":  now,
	}).Error
	if err != nil {
		t.Fatalf("mark entry pending: %v", err)
	}
}

func TestIngestHandlerSuccess(t *testing.T) {
	content := []byte("line one\nline two\n")
	sum := sha256.Sum256(content)
	rawHash := hex.EncodeToString(sum[:])

	bucket := &stubBucket{objects: map[string][]byte{}}
	h, ledger, db := newTestIngestHandler(t, bucket)
	courseID := uuid.New()
	cleanupCourse(t, db, courseID)

	node := testutil.SeedNode(t, db, courseID, nil, "Week 1", 0)
	entry := testutil.SeedRawEntry(t, db, node.ID, 0)
	bucket.objects[entry.SourceLocator] = content

	job := seedActiveJob(t, db, courseID, &node.ID, domain.JobTypeIngest,
		map[string]string{"entry_id": entry.ID.String()})
	markPending(t, db, entry.ID, job.ID, rawHash)

	// Warm the node digest so the chain invalidation is observable.
	if err := db.Model(&domain.MaterialNode{}).Where("id = ?", node.ID).
		Update("fingerprint", "stale-digest").Error; err != nil {
		t.Fatalf("warm node digest: %v", err)
	}

	jc := NewContext(context.Background(), db, job, ledger, services.NopNotifier{})
	if err := h.Run(jc); err != nil {
		t.Fatalf("run: %v", err)
	}

	var got domain.MaterialEntry
	if err := db.First(&got, "id = ?", entry.ID).Error; err != nil {
		t.Fatalf("reload entry: %v", err)
	}
	if got.ProcessedText != "line one\nline two" {
		t.Fatalf("processed_text = %q", got.ProcessedText)
	}
	if got.ProcessedHash != rawHash {
		t.Fatalf("processed_hash = %q, want the raw hash", got.ProcessedHash)
	}
	if got.ProcessedAt == nil {
		t.Fatal("processed_at should be set")
	}
	if got.PendingJobID != nil || got.PendingSince != nil {
		t.Fatal("pending marker should be cleared on completion")
	}
	if got.State() != domain.EntryStateReady {
		t.Fatalf("entry state = %s, want READY", got.State())
	}

	var row domain.MaterialNode
	if err := db.First(&row, "id = ?", node.ID).Error; err != nil {
		t.Fatalf("reload node: %v", err)
	}
	if row.Fingerprint != "" {
		t.Fatal("ingestion should invalidate the cached node digest")
	}

	var done domain.Job
	if err := db.First(&done, "id = ?", job.ID).Error; err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if done.Status != domain.JobStatusComplete {
		t.Fatalf("job status = %s, want complete", done.Status)
	}
	if done.ResultEntryID == nil || *done.ResultEntryID != entry.ID {
		t.Fatal("job should reference the processed entry")
	}
}

func TestIngestHandlerRawHashChanged(t *testing.T) {
	content := []byte("original material text\n")
	sum := sha256.Sum256(content)
	rawHash := hex.EncodeToString(sum[:])

	bucket := &stubBucket{objects: map[string][]byte{}}
	h, ledger, db := newTestIngestHandler(t, bucket)
	courseID := uuid.New()
	cleanupCourse(t, db, courseID)

	node := testutil.SeedNode(t, db, courseID, nil, "Week 1", 0)
	entry := testutil.SeedRawEntry(t, db, node.ID, 0)
	bucket.objects[entry.SourceLocator] = content

	job := seedActiveJob(t, db, courseID, &node.ID, domain.JobTypeIngest,
		map[string]string{"entry_id": entry.ID.String()})
	markPending(t, db, entry.ID, job.ID, rawHash)

	// A re-upload lands while the bytes are being processed. The commit-time
	// recheck has to refuse the stale result.
	bucket.onDownload = func(string) {
		if err := db.Model(&domain.MaterialEntry{}).Where("id = ?", entry.ID).
			Update("raw_hash", "reupload-"+uuid.NewString()).Error; err != nil {
			t.Errorf("simulate re-upload: %v", err)
		}
	}

	jc := NewContext(context.Background(), db, job, ledger, services.NopNotifier{})
	err := h.Run(jc)
	if !errors.Is(err, domain.ErrIntegrityBroken) {
		t.Fatalf("want ErrIntegrityBroken, got %v", err)
	}

	var got domain.MaterialEntry
	if err := db.First(&got, "id = ?", entry.ID).Error; err != nil {
		t.Fatalf("reload entry: %v", err)
	}
	if got.ProcessedText != "" || got.ProcessedHash != "" {
		t.Fatal("stale result must not be committed")
	}
	if got.PendingJobID != nil {
		t.Fatal("pending marker should be cleared on failure")
	}
	if got.State() != domain.EntryStateError {
		t.Fatalf("entry state = %s, want ERROR", got.State())
	}

	var failed domain.Job
	if err := db.First(&failed, "id = ?", job.ID).Error; err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if failed.Status != domain.JobStatusFailed || failed.Error == "" {
		t.Fatalf("job status = %s error = %q, want failed with cause", failed.Status, failed.Error)
	}
}

func TestIngestHandlerProcessorFailure(t *testing.T) {
	junk := []byte{0x00, 0x01, 0x02, 0xfe, 0xff, 0x00, 0x10, 0x80}
	sum := sha256.Sum256(junk)
	rawHash := hex.EncodeToString(sum[:])

	bucket := &stubBucket{objects: map[string][]byte{}}
	h, ledger, db := newTestIngestHandler(t, bucket)
	courseID := uuid.New()
	cleanupCourse(t, db, courseID)

	node := testutil.SeedNode(t, db, courseID, nil, "Week 1", 0)
	entry := testutil.SeedRawEntry(t, db, node.ID, 0)
	bucket.objects[entry.SourceLocator] = junk

	job := seedActiveJob(t, db, courseID, &node.ID, domain.JobTypeIngest,
		map[string]string{"entry_id": entry.ID.String()})
	markPending(t, db, entry.ID, job.ID, rawHash)

	jc := NewContext(context.Background(), db, job, ledger, services.NopNotifier{})
	if err := h.Run(jc); err == nil {
		t.Fatal("unextractable bytes should fail the run")
	}

	var got domain.MaterialEntry
	if err := db.First(&got, "id = ?", entry.ID).Error; err != nil {
		t.Fatalf("reload entry: %v", err)
	}
	if got.ErrorMessage == "" {
		t.Fatal("extraction failure should land on error_message")
	}
	if got.PendingJobID != nil || got.PendingSince != nil {
		t.Fatal("pending marker should be cleared on failure")
	}
	if got.State() != domain.EntryStateError {
		t.Fatalf("entry state = %s, want ERROR", got.State())
	}

	var failed domain.Job
	if err := db.First(&failed, "id = ?", job.ID).Error; err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if failed.Status != domain.JobStatusFailed {
		t.Fatalf("job status = %s, want failed", failed.Status)
	}
	if failed.Error != got.ErrorMessage {
		t.Fatalf("job and entry should record the same cause: %q vs %q", failed.Error, got.ErrorMessage)
	}
}
