package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/coursegraph/coursegraph-backend/internal/data/repos"
	"github.com/coursegraph/coursegraph-backend/internal/platform/apierr"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
	"github.com/coursegraph/coursegraph-backend/internal/services"
)

type GenerationHandler struct {
	orchestrator services.GenerationOrchestrator
	ledger       services.JobLedger
	snapshots    repos.SnapshotRepo
}

func NewGenerationHandler(orchestrator services.GenerationOrchestrator, ledger services.JobLedger, snapshots repos.SnapshotRepo) *GenerationHandler {
	return &GenerationHandler{orchestrator: orchestrator, ledger: ledger, snapshots: snapshots}
}

type triggerGenerationRequest struct {
	NodeID *string `json:"node_id"`
	Mode   string  `json:"mode"`
}

// POST /api/courses/:course_id/generate
func (h *GenerationHandler) TriggerGeneration(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("course_id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_course_id", err)
		return
	}

	var req triggerGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var nodeID *uuid.UUID
	if req.NodeID != nil && *req.NodeID != "" {
		id, err := uuid.Parse(*req.NodeID)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_node_id", err)
			return
		}
		nodeID = &id
	}

	plan, err := h.orchestrator.TriggerGeneration(c.Request.Context(), courseID, nodeID, req.Mode)
	if err != nil {
		RespondDomainError(c, err)
		return
	}

	if plan.Idempotent {
		RespondOK(c, gin.H{
			"idempotent":  true,
			"snapshot_id": plan.ExistingSnapshotID,
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"idempotent":     false,
		"generation_job": plan.GenerationJob,
		"ingestion_jobs": plan.IngestionJobs,
	})
}

// GET /api/jobs/:id
func (h *GenerationHandler) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	rows, err := h.ledger.GetByIDs(dbctx.New(c.Request.Context()), []uuid.UUID{jobID})
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	if len(rows) == 0 {
		RespondDomainError(c, apierr.New(http.StatusNotFound, "job_not_found", fmt.Errorf("job %s not found", jobID)))
		return
	}
	RespondOK(c, gin.H{"job": rows[0]})
}

// POST /api/jobs/:id/retry
func (h *GenerationHandler) RetryJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.orchestrator.RetryJob(c.Request.Context(), jobID)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// POST /api/entries/:id/retry
func (h *GenerationHandler) RetryEntry(c *gin.Context) {
	entryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_entry_id", err)
		return
	}
	job, err := h.orchestrator.RetryEntry(c.Request.Context(), entryID)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// GET /api/snapshots/:id
func (h *GenerationHandler) GetSnapshot(c *gin.Context) {
	snapID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_snapshot_id", err)
		return
	}
	rows, err := h.snapshots.GetByIDs(dbctx.New(c.Request.Context()), []uuid.UUID{snapID})
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	if len(rows) == 0 {
		RespondDomainError(c, apierr.New(http.StatusNotFound, "snapshot_not_found", fmt.Errorf("snapshot %s not found", snapID)))
		return
	}
	RespondOK(c, gin.H{"snapshot": rows[0]})
}
