package repos

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"

	"github.com/coursegraph/coursegraph-backend/internal/data/repos/testutil"
	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
)

func newTestSnapshotRepo(t *testing.T) (SnapshotRepo, dbctx.Context) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	return NewSnapshotRepo(db, log), dbctx.Context{Ctx: context.Background(), Tx: tx}
}

func identitySnapshot(courseID uuid.UUID, nodeID *uuid.UUID, fingerprint, mode string) *domain.Snapshot {
	return &domain.Snapshot{
		ID:          uuid.New(),
		CourseID:    courseID,
		NodeID:      nodeID,
		Fingerprint: fingerprint,
		Mode:        mode,
		Structure:   datatypes.JSON([]byte(`{"title":"t","sections":[]}`)),
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func TestSnapshotIdentityUniqueNodeScope(t *testing.T) {
	repo, dbc := newTestSnapshotRepo(t)
	courseID := uuid.New()
	nodeID := uuid.New()

	if _, err := repo.Create(dbc, identitySnapshot(courseID, &nodeID, "fp-1", "outline")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := repo.Create(dbc, identitySnapshot(courseID, &nodeID, "fp-1", "outline"))
	if !isUniqueViolation(err) {
		t.Fatalf("duplicate node-scope identity should hit the unique index, got %v", err)
	}
}

func TestSnapshotIdentityUniqueCourseScope(t *testing.T) {
	repo, dbc := newTestSnapshotRepo(t)
	courseID := uuid.New()

	// node_id is NULL for course scope; the partial index must still refuse
	// the duplicate.
	if _, err := repo.Create(dbc, identitySnapshot(courseID, nil, "fp-1", "outline")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := repo.Create(dbc, identitySnapshot(courseID, nil, "fp-1", "outline"))
	if !isUniqueViolation(err) {
		t.Fatalf("duplicate course-scope identity should hit the unique index, got %v", err)
	}
}

func TestSnapshotIdentityScopesIndependent(t *testing.T) {
	repo, dbc := newTestSnapshotRepo(t)
	courseID := uuid.New()
	nodeID := uuid.New()

	// Same fingerprint and mode under different scopes are different results.
	if _, err := repo.Create(dbc, identitySnapshot(courseID, nil, "fp-1", "outline")); err != nil {
		t.Fatalf("course-scope create: %v", err)
	}
	if _, err := repo.Create(dbc, identitySnapshot(courseID, &nodeID, "fp-1", "outline")); err != nil {
		t.Fatalf("node-scope create alongside course scope: %v", err)
	}

	got, err := repo.FindByIdentity(dbc, courseID, nil, "fp-1", "outline")
	if err != nil || got == nil || got.NodeID != nil {
		t.Fatalf("course-scope lookup: snap=%v err=%v", got, err)
	}
	got, err = repo.FindByIdentity(dbc, courseID, &nodeID, "fp-1", "outline")
	if err != nil || got == nil || got.NodeID == nil || *got.NodeID != nodeID {
		t.Fatalf("node-scope lookup: snap=%v err=%v", got, err)
	}
}
