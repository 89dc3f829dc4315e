package jobs

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/data/repos"
	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
	"github.com/coursegraph/coursegraph-backend/internal/services"
)

// GenerateHandler produces one structure snapshot for the job's scope. The
// queue and worker both honor depends_on, so by the time this runs every
// material in scope is expected to be READY.
type GenerateHandler struct {
	db         *gorm.DB
	log        *logger.Logger
	tree       services.TreeStore
	fps        services.FingerprintService
	snapshots  repos.SnapshotRepo
	completion services.CompletionClient
}

func NewGenerateHandler(db *gorm.DB, baseLog *logger.Logger, tree services.TreeStore, fps services.FingerprintService, snapshots repos.SnapshotRepo, completion services.CompletionClient) *GenerateHandler {
	return &GenerateHandler{
		db:         db,
		log:        baseLog.With("handler", "GenerateHandler"),
		tree:       tree,
		fps:        fps,
		snapshots:  snapshots,
		completion: completion,
	}
}

func (h *GenerateHandler) Type() string { return domain.JobTypeGenerate }

func (h *GenerateHandler) Run(jc *Context) error {
	courseID, err := jc.PayloadUUID("course_id")
	if err != nil {
		return jc.Fail(err)
	}
	var nodeID *uuid.UUID
	if raw := jc.PayloadString("node_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return jc.Fail(fmt.Errorf("payload node_id: %w", err))
		}
		nodeID = &id
	}
	mode := jc.PayloadString("mode")
	if mode == "" {
		mode = services.DefaultGenerationMode
	}

	var materials []services.Material
	var fingerprint string
	err = h.db.WithContext(jc.Ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.WithTx(jc.Ctx, tx)
		f, err := h.tree.LoadForest(txc, courseID)
		if err != nil {
			return err
		}

		var scope []*domain.MaterialNode
		if nodeID != nil {
			if _, ok := f.Node(*nodeID); !ok {
				return fmt.Errorf("node %s: %w", *nodeID, domain.ErrNodeNotFound)
			}
			scope = f.Subtree(*nodeID)
		} else {
			scope = f.AllNodes()
		}

		for _, node := range scope {
			for _, e := range f.Entries(node.ID) {
				if e.State() != domain.EntryStateReady {
					continue
				}
				materials = append(materials, services.Material{
					NodeTitle:  node.Title,
					SourceType: string(e.SourceType),
					Filename:   e.Filename,
					Text:       e.ProcessedText,
				})
			}
		}
		if len(materials) == 0 {
			return domain.ErrNoMaterials
		}

		if nodeID != nil {
			fingerprint, err = h.fps.EnsureNodeFingerprint(txc, f, *nodeID)
		} else {
			fingerprint, err = h.fps.EnsureCourseFingerprint(txc, f)
		}
		return err
	})
	if err != nil {
		return jc.Fail(err)
	}

	dbc := dbctx.New(jc.Ctx)

	// Another trigger may have produced this exact snapshot since the job
	// was queued.
	if snap, err := h.snapshots.FindByIdentity(dbc, courseID, nodeID, fingerprint, mode); err == nil && snap != nil {
		h.log.Info("snapshot already exists, reusing", "snapshot_id", snap.ID)
		return jc.Complete(services.TransitionOpts{ResultSnapshotID: &snap.ID})
	}

	structure, usage, err := h.completion.GenerateStructure(jc.Ctx, materials, mode)
	if err != nil {
		return jc.Fail(err)
	}

	snap := &domain.Snapshot{
		ID:               uuid.New(),
		CourseID:         courseID,
		NodeID:           nodeID,
		Fingerprint:      fingerprint,
		Mode:             mode,
		Structure:        datatypes.JSON(structure),
		Model:            usage.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUSD:          usage.CostUSD,
	}
	if _, err := h.snapshots.Create(dbc, snap); err != nil {
		// Two generations raced the identity key; the unique index picked a
		// winner, reuse it.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			winner, ferr := h.snapshots.FindByIdentity(dbc, courseID, nodeID, fingerprint, mode)
			if ferr == nil && winner != nil {
				h.log.Info("snapshot race lost, reusing winner", "snapshot_id", winner.ID)
				return jc.Complete(services.TransitionOpts{ResultSnapshotID: &winner.ID})
			}
		}
		return jc.Fail(fmt.Errorf("persist snapshot: %w", err))
	}

	h.log.Info("structure generated",
		"course_id", courseID, "snapshot_id", snap.ID,
		"model", usage.Model, "cost_usd", usage.CostUSD)
	return jc.Complete(services.TransitionOpts{ResultSnapshotID: &snap.ID})
}
