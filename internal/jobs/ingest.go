package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/data/repos"
	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/ingestion"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
	"github.com/coursegraph/coursegraph-backend/internal/platform/gcp"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
	"github.com/coursegraph/coursegraph-backend/internal/services"
)

// IngestHandler runs one material extraction end to end: download, process,
// persist provenance, invalidate the fingerprint chain. Failures land on the
// entry's error_message and fail the job; they never crash the worker.
type IngestHandler struct {
	db         *gorm.DB
	log        *logger.Logger
	bucket     gcp.BucketService
	processors *ingestion.Set
	entries    repos.MaterialEntryRepo
	fps        services.FingerprintService
}

func NewIngestHandler(db *gorm.DB, baseLog *logger.Logger, bucket gcp.BucketService, processors *ingestion.Set, entries repos.MaterialEntryRepo, fps services.FingerprintService) *IngestHandler {
	return &IngestHandler{
		db:         db,
		log:        baseLog.With("handler", "IngestHandler"),
		bucket:     bucket,
		processors: processors,
		entries:    entries,
		fps:        fps,
	}
}

func (h *IngestHandler) Type() string { return domain.JobTypeIngest }

func (h *IngestHandler) Run(jc *Context) error {
	entryID, err := jc.PayloadUUID("entry_id")
	if err != nil {
		return jc.Fail(err)
	}

	dbc := dbctx.New(jc.Ctx)
	rows, err := h.entries.GetByIDs(dbc, []uuid.UUID{entryID})
	if err != nil {
		return jc.Fail(fmt.Errorf("load entry: %w", err))
	}
	if len(rows) == 0 || rows[0] == nil {
		return jc.Fail(fmt.Errorf("entry %s not found", entryID))
	}
	entry := rows[0]

	text, processedHash, err := h.process(jc, entry)
	if err != nil {
		return h.failAtomic(jc, entry, err)
	}

	// Entry provenance and the job's terminal transition commit together.
	now := time.Now()
	err = h.db.WithContext(jc.Ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.WithTx(jc.Ctx, tx)
		// A re-upload that raced this run invalidates the result; the next
		// trigger re-ingests the new bytes.
		current, err := h.entries.GetByIDs(txc, []uuid.UUID{entry.ID})
		if err != nil {
			return fmt.Errorf("reload entry: %w", err)
		}
		if len(current) == 0 || current[0] == nil {
			return fmt.Errorf("entry %s vanished during processing", entry.ID)
		}
		if current[0].RawHash != entry.RawHash {
			return fmt.Errorf("entry %s: %w", entry.ID, domain.ErrIntegrityBroken)
		}
		if err := h.entries.UpdateFields(txc, entry.ID, map[string]any{
			"processed_hash": processedHash,
			"processed_text": text,
			"processed_at":   now,
			"fingerprint":    "",
			"pending_job_id": nil,
			"pending_since":  nil,
			"error_message":  "",
			"updated_at":     now,
		}); err != nil {
			return fmt.Errorf("persist processed entry: %w", err)
		}
		// The entry's content changed, so every cached digest above it is
		// stale.
		if err := h.fps.InvalidateNodeChain(txc, entry.NodeID); err != nil {
			return err
		}
		return jc.Ledger.Transition(txc, jc.Job.ID, domain.JobStatusActive, domain.JobStatusComplete,
			services.TransitionOpts{ResultEntryID: &entry.ID})
	})
	if err != nil {
		return h.failAtomic(jc, entry, err)
	}

	jc.Job.Status = domain.JobStatusComplete
	_ = jc.Notify.Notify(jc.Ctx, jc.Job)
	h.log.Info("material ingested", "entry_id", entry.ID, "source_type", entry.SourceType, "chars", len(text))
	return nil
}

func (h *IngestHandler) process(jc *Context, entry *domain.MaterialEntry) (string, string, error) {
	processor, err := h.processors.ForType(entry.SourceType)
	if err != nil {
		return "", "", err
	}

	in := ingestion.Input{Entry: entry}
	switch entry.SourceType {
	case domain.SourceTypeVideo:
		if strings.HasPrefix(entry.SourceLocator, "gs://") {
			in.GCSURI = entry.SourceLocator
		} else {
			if h.bucket == nil {
				return "", "", fmt.Errorf("material bucket not configured")
			}
			in.GCSURI = h.bucket.GCSURI(entry.SourceLocator)
		}
	case domain.SourceTypeWeb:
		// Web sources fetch from the locator inside the processor.
	default:
		if h.bucket == nil {
			return "", "", fmt.Errorf("material bucket not configured")
		}
		rc, err := h.bucket.DownloadFile(jc.Ctx, entry.SourceLocator)
		if err != nil {
			return "", "", fmt.Errorf("download material: %w", err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", "", fmt.Errorf("read material: %w", err)
		}
		in.Data = data
	}

	text, err := processor.Process(jc.Ctx, in)
	if err != nil {
		return "", "", err
	}

	// processed_hash records what was actually processed, in the same hash
	// domain as raw_hash when bytes were available.
	var hash string
	switch {
	case len(in.Data) > 0:
		sum := sha256.Sum256(in.Data)
		hash = hex.EncodeToString(sum[:])
	case entry.RawHash != "":
		hash = entry.RawHash
	default:
		sum := sha256.Sum256([]byte(text))
		hash = hex.EncodeToString(sum[:])
	}
	return text, hash, nil
}

// failAtomic records the failure on entry and job in one transaction, then
// notifies.
func (h *IngestHandler) failAtomic(jc *Context, entry *domain.MaterialEntry, cause error) error {
	now := time.Now()
	err := h.db.WithContext(jc.Ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.WithTx(jc.Ctx, tx)
		if err := h.entries.UpdateFields(txc, entry.ID, map[string]any{
			"error_message":  cause.Error(),
			"pending_job_id": nil,
			"pending_since":  nil,
			"updated_at":     now,
		}); err != nil {
			return fmt.Errorf("record entry failure: %w", err)
		}
		return jc.Ledger.Transition(txc, jc.Job.ID, domain.JobStatusActive, domain.JobStatusFailed,
			services.TransitionOpts{Error: cause.Error()})
	})
	if err != nil {
		h.log.Error("record ingestion failure", "entry_id", entry.ID, "error", err)
		return jc.Fail(cause)
	}
	jc.Job.Status = domain.JobStatusFailed
	jc.Job.Error = cause.Error()
	_ = jc.Notify.Notify(jc.Ctx, jc.Job)
	return cause
}
