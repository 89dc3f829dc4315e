package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
	"github.com/coursegraph/coursegraph-backend/internal/services"
)

type TreeHandler struct {
	db   *gorm.DB
	tree services.TreeStore
}

func NewTreeHandler(db *gorm.DB, tree services.TreeStore) *TreeHandler {
	return &TreeHandler{db: db, tree: tree}
}

type createNodeRequest struct {
	ParentID    *string `json:"parent_id"`
	Title       string  `json:"title" binding:"required"`
	Description string  `json:"description"`
}

// POST /api/courses/:course_id/nodes
func (h *TreeHandler) CreateNode(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("course_id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_course_id", err)
		return
	}
	var req createNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var parentID *uuid.UUID
	if req.ParentID != nil && *req.ParentID != "" {
		id, err := uuid.Parse(*req.ParentID)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_parent_id", err)
			return
		}
		parentID = &id
	}

	var node *domain.MaterialNode
	err = h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var txErr error
		node, txErr = h.tree.CreateNode(dbctx.WithTx(c.Request.Context(), tx), courseID, parentID, req.Title, req.Description)
		return txErr
	})
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"node": node})
}

type createEntryRequest struct {
	SourceType    string `json:"source_type" binding:"required"`
	SourceLocator string `json:"source_locator" binding:"required"`
	Filename      string `json:"filename"`
	RawHash       string `json:"raw_hash"`
	RawSize       int64  `json:"raw_size"`
}

// POST /api/nodes/:id/entries
func (h *TreeHandler) CreateEntry(c *gin.Context) {
	nodeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_node_id", err)
		return
	}
	var req createEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}

	var entry *domain.MaterialEntry
	err = h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var txErr error
		entry, txErr = h.tree.CreateEntry(dbctx.WithTx(c.Request.Context(), tx), nodeID, services.CreateEntryInput{
			SourceType:    domain.SourceType(req.SourceType),
			SourceLocator: req.SourceLocator,
			Filename:      req.Filename,
			RawHash:       req.RawHash,
			RawSize:       req.RawSize,
		})
		return txErr
	})
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

type treeNodeView struct {
	Node     *domain.MaterialNode `json:"node"`
	Entries  []*entryView         `json:"entries"`
	Children []*treeNodeView      `json:"children"`
}

type entryView struct {
	*domain.MaterialEntry
	State domain.EntryState `json:"state"`
}

// GET /api/courses/:course_id/tree
func (h *TreeHandler) GetTree(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("course_id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_course_id", err)
		return
	}
	f, err := h.tree.LoadForest(dbctx.New(c.Request.Context()), courseID)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	roots := make([]*treeNodeView, 0, len(f.Roots))
	for _, r := range f.Roots {
		roots = append(roots, buildTreeView(f, r))
	}
	RespondOK(c, gin.H{"course_id": courseID, "roots": roots})
}

func buildTreeView(f *services.Forest, node *domain.MaterialNode) *treeNodeView {
	v := &treeNodeView{Node: node, Entries: []*entryView{}, Children: []*treeNodeView{}}
	for _, e := range f.Entries(node.ID) {
		v.Entries = append(v.Entries, &entryView{MaterialEntry: e, State: e.State()})
	}
	for _, child := range f.Children(node.ID) {
		v.Children = append(v.Children, buildTreeView(f, child))
	}
	return v
}

type moveNodeRequest struct {
	NewParentID *string `json:"new_parent_id"`
}

// POST /api/nodes/:id/move
func (h *TreeHandler) MoveNode(c *gin.Context) {
	nodeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_node_id", err)
		return
	}
	var req moveNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var newParentID *uuid.UUID
	if req.NewParentID != nil && *req.NewParentID != "" {
		id, err := uuid.Parse(*req.NewParentID)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_parent_id", err)
			return
		}
		newParentID = &id
	}

	var node *domain.MaterialNode
	err = h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var txErr error
		node, txErr = h.tree.MoveNode(dbctx.WithTx(c.Request.Context(), tx), nodeID, newParentID)
		return txErr
	})
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"node": node})
}

type reorderNodeRequest struct {
	Position int `json:"position"`
}

// POST /api/nodes/:id/reorder
func (h *TreeHandler) ReorderNode(c *gin.Context) {
	nodeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_node_id", err)
		return
	}
	var req reorderNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	err = h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		return h.tree.ReorderNode(dbctx.WithTx(c.Request.Context(), tx), nodeID, req.Position)
	})
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"ok": true})
}

// DELETE /api/nodes/:id
func (h *TreeHandler) DeleteNode(c *gin.Context) {
	nodeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_node_id", err)
		return
	}
	err = h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		return h.tree.DeleteNode(dbctx.WithTx(c.Request.Context(), tx), nodeID)
	})
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"ok": true})
}
