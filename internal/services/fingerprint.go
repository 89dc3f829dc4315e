package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/data/repos"
	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

// FingerprintService computes content-addressable digests used as cache keys
// and idempotency tokens. Node digests are cached on the row and must be
// invalidated whenever any contributing material or the tree shape beneath
// the node changes; invalidation always walks up through every ancestor.
type FingerprintService interface {
	EnsureEntryFingerprint(dbc dbctx.Context, entry *domain.MaterialEntry) (string, error)
	EnsureNodeFingerprint(dbc dbctx.Context, f *Forest, nodeID uuid.UUID) (string, error)
	EnsureCourseFingerprint(dbc dbctx.Context, f *Forest) (string, error)
	InvalidateNodeChain(dbc dbctx.Context, nodeID uuid.UUID) error
}

type fingerprintService struct {
	db      *gorm.DB
	log     *logger.Logger
	nodes   repos.MaterialNodeRepo
	entries repos.MaterialEntryRepo
}

func NewFingerprintService(db *gorm.DB, baseLog *logger.Logger, nodes repos.MaterialNodeRepo, entries repos.MaterialEntryRepo) FingerprintService {
	return &fingerprintService{
		db:      db,
		log:     baseLog.With("service", "FingerprintService"),
		nodes:   nodes,
		entries: entries,
	}
}

func (s *fingerprintService) EnsureEntryFingerprint(dbc dbctx.Context, entry *domain.MaterialEntry) (string, error) {
	if entry == nil {
		return "", fmt.Errorf("nil entry")
	}
	if entry.Fingerprint != "" {
		return entry.Fingerprint, nil
	}
	if strings.TrimSpace(entry.ProcessedText) == "" {
		return "", fmt.Errorf("entry %s: %w", entry.ID, domain.ErrNoProcessedContent)
	}
	sum := sha256.Sum256([]byte(entry.ProcessedText))
	fp := hex.EncodeToString(sum[:])
	if err := s.entries.UpdateFields(dbc, entry.ID, map[string]any{
		"fingerprint": fp,
		"updated_at":  time.Now(),
	}); err != nil {
		return "", fmt.Errorf("store entry fingerprint: %w", err)
	}
	entry.Fingerprint = fp
	return fp, nil
}

// EnsureNodeFingerprint folds the fingerprints of the node's own entries with
// those of its children, both in (position, id) order, so an identical input
// tree always yields an identical digest.
func (s *fingerprintService) EnsureNodeFingerprint(dbc dbctx.Context, f *Forest, nodeID uuid.UUID) (string, error) {
	node, ok := f.Node(nodeID)
	if !ok {
		return "", fmt.Errorf("node %s: %w", nodeID, domain.ErrNodeNotFound)
	}
	if node.Fingerprint != "" {
		return node.Fingerprint, nil
	}

	h := sha256.New()
	for _, entry := range f.Entries(nodeID) {
		fp, err := s.EnsureEntryFingerprint(dbc, entry)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "e:%s\n", fp)
	}
	for _, child := range f.Children(nodeID) {
		fp, err := s.EnsureNodeFingerprint(dbc, f, child.ID)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "n:%s\n", fp)
	}
	fp := hex.EncodeToString(h.Sum(nil))

	if err := s.nodes.UpdateFields(dbc, nodeID, map[string]any{
		"fingerprint": fp,
		"updated_at":  time.Now(),
	}); err != nil {
		return "", fmt.Errorf("store node fingerprint: %w", err)
	}
	node.Fingerprint = fp
	return fp, nil
}

// EnsureCourseFingerprint folds over all root nodes. The course digest has no
// row of its own; it is recomputed from the cached root digests, which is
// cheap once those are warm.
func (s *fingerprintService) EnsureCourseFingerprint(dbc dbctx.Context, f *Forest) (string, error) {
	h := sha256.New()
	for _, root := range f.Roots {
		fp, err := s.EnsureNodeFingerprint(dbc, f, root.ID)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "n:%s\n", fp)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// InvalidateNodeChain clears the cached digest on the node and every
// ancestor. Used by the ingestion completion callback, which has no loaded
// forest; the walk follows parent ids row by row with a cycle guard.
func (s *fingerprintService) InvalidateNodeChain(dbc dbctx.Context, nodeID uuid.UUID) error {
	ids := []uuid.UUID{}
	seen := map[uuid.UUID]bool{}
	cur := nodeID
	for !seen[cur] {
		seen[cur] = true
		ids = append(ids, cur)
		rows, err := s.nodes.GetByIDs(dbc, []uuid.UUID{cur})
		if err != nil {
			return fmt.Errorf("walk ancestors: %w", err)
		}
		if len(rows) == 0 || rows[0] == nil || rows[0].ParentID == nil {
			break
		}
		cur = *rows[0].ParentID
	}
	if err := s.nodes.ClearFingerprints(dbc, ids); err != nil {
		return fmt.Errorf("clear fingerprints: %w", err)
	}
	return nil
}
