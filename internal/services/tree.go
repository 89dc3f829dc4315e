package services

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/data/repos"
	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/dbctx"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

// Forest is an immutable in-memory view of one course's material tree,
// rebuilt from flat rows on every load. Children are derived from parent ids
// here rather than kept as live references, so repeated loads can never
// accumulate stale or duplicate children.
type Forest struct {
	CourseID uuid.UUID
	Roots    []*domain.MaterialNode

	nodes    map[uuid.UUID]*domain.MaterialNode
	children map[uuid.UUID][]*domain.MaterialNode
	entries  map[uuid.UUID][]*domain.MaterialEntry
}

func NewForest(courseID uuid.UUID, nodes []*domain.MaterialNode, entries []*domain.MaterialEntry) *Forest {
	f := &Forest{
		CourseID: courseID,
		nodes:    make(map[uuid.UUID]*domain.MaterialNode, len(nodes)),
		children: make(map[uuid.UUID][]*domain.MaterialNode),
		entries:  make(map[uuid.UUID][]*domain.MaterialEntry),
	}
	for _, n := range nodes {
		if n == nil {
			continue
		}
		f.nodes[n.ID] = n
	}
	for _, n := range f.nodes {
		if n.ParentID != nil {
			if _, ok := f.nodes[*n.ParentID]; ok {
				f.children[*n.ParentID] = append(f.children[*n.ParentID], n)
				continue
			}
		}
		f.Roots = append(f.Roots, n)
	}
	sortNodes(f.Roots)
	for id := range f.children {
		sortNodes(f.children[id])
	}
	for _, e := range entries {
		if e == nil {
			continue
		}
		f.entries[e.NodeID] = append(f.entries[e.NodeID], e)
	}
	for id := range f.entries {
		sortEntries(f.entries[id])
	}
	return f
}

func sortNodes(ns []*domain.MaterialNode) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].Position != ns[j].Position {
			return ns[i].Position < ns[j].Position
		}
		return ns[i].ID.String() < ns[j].ID.String()
	})
}

func sortEntries(es []*domain.MaterialEntry) {
	sort.SliceStable(es, func(i, j int) bool {
		if es[i].Position != es[j].Position {
			return es[i].Position < es[j].Position
		}
		return es[i].ID.String() < es[j].ID.String()
	})
}

func (f *Forest) Node(id uuid.UUID) (*domain.MaterialNode, bool) {
	n, ok := f.nodes[id]
	return n, ok
}

func (f *Forest) Children(id uuid.UUID) []*domain.MaterialNode {
	return f.children[id]
}

func (f *Forest) Entries(id uuid.UUID) []*domain.MaterialEntry {
	return f.entries[id]
}

// Subtree returns the node and all transitive descendants in depth-first
// sibling order. Unknown ids yield nil.
func (f *Forest) Subtree(id uuid.UUID) []*domain.MaterialNode {
	n, ok := f.nodes[id]
	if !ok {
		return nil
	}
	out := []*domain.MaterialNode{n}
	for _, c := range f.children[id] {
		out = append(out, f.Subtree(c.ID)...)
	}
	return out
}

// AllNodes returns every node in depth-first sibling order over the roots.
func (f *Forest) AllNodes() []*domain.MaterialNode {
	var out []*domain.MaterialNode
	for _, r := range f.Roots {
		out = append(out, f.Subtree(r.ID)...)
	}
	return out
}

// IsAncestor walks the parent chain of `of` looking for `anc`. A node is not
// its own ancestor.
func (f *Forest) IsAncestor(anc, of uuid.UUID) bool {
	seen := map[uuid.UUID]bool{}
	cur, ok := f.nodes[of]
	for ok {
		if cur.ParentID == nil || seen[cur.ID] {
			return false
		}
		seen[cur.ID] = true
		if *cur.ParentID == anc {
			return true
		}
		cur, ok = f.nodes[*cur.ParentID]
	}
	return false
}

// AncestorChain returns the parent chain of id, nearest first, excluding id.
func (f *Forest) AncestorChain(id uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	seen := map[uuid.UUID]bool{id: true}
	cur, ok := f.nodes[id]
	for ok && cur.ParentID != nil {
		pid := *cur.ParentID
		if seen[pid] {
			break
		}
		seen[pid] = true
		out = append(out, pid)
		cur, ok = f.nodes[pid]
	}
	return out
}

type CreateEntryInput struct {
	SourceType    domain.SourceType
	SourceLocator string
	Filename      string
	RawHash       string
	RawSize       int64
}

// TreeStore persists and queries the node/entry hierarchy. It never commits
// on its own: callers own the transaction via dbctx.
type TreeStore interface {
	CreateNode(dbc dbctx.Context, courseID uuid.UUID, parentID *uuid.UUID, title, description string) (*domain.MaterialNode, error)
	CreateEntry(dbc dbctx.Context, nodeID uuid.UUID, in CreateEntryInput) (*domain.MaterialEntry, error)
	LoadForest(dbc dbctx.Context, courseID uuid.UUID) (*Forest, error)
	MoveNode(dbc dbctx.Context, nodeID uuid.UUID, newParentID *uuid.UUID) (*domain.MaterialNode, error)
	ReorderNode(dbc dbctx.Context, nodeID uuid.UUID, position int) error
	DeleteNode(dbc dbctx.Context, nodeID uuid.UUID) error
}

type treeStore struct {
	db      *gorm.DB
	log     *logger.Logger
	nodes   repos.MaterialNodeRepo
	entries repos.MaterialEntryRepo
}

func NewTreeStore(db *gorm.DB, baseLog *logger.Logger, nodes repos.MaterialNodeRepo, entries repos.MaterialEntryRepo) TreeStore {
	return &treeStore{
		db:      db,
		log:     baseLog.With("service", "TreeStore"),
		nodes:   nodes,
		entries: entries,
	}
}

func (s *treeStore) LoadForest(dbc dbctx.Context, courseID uuid.UUID) (*Forest, error) {
	nodes, err := s.nodes.GetByCourseID(dbc, courseID)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	entries, err := s.entries.GetByNodeIDs(dbc, ids)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	return NewForest(courseID, nodes, entries), nil
}

func (s *treeStore) CreateNode(dbc dbctx.Context, courseID uuid.UUID, parentID *uuid.UUID, title, description string) (*domain.MaterialNode, error) {
	f, err := s.LoadForest(dbc, courseID)
	if err != nil {
		return nil, err
	}
	var siblings []*domain.MaterialNode
	if parentID != nil {
		parent, ok := f.Node(*parentID)
		if !ok {
			return nil, fmt.Errorf("parent %s: %w", *parentID, domain.ErrNodeNotFound)
		}
		if parent.CourseID != courseID {
			return nil, fmt.Errorf("parent %s belongs to another course", *parentID)
		}
		siblings = f.Children(*parentID)
	} else {
		siblings = f.Roots
	}

	now := time.Now()
	node := &domain.MaterialNode{
		ID:          uuid.New(),
		CourseID:    courseID,
		ParentID:    parentID,
		Title:       title,
		Description: description,
		Position:    len(siblings),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.nodes.Create(dbc, []*domain.MaterialNode{node}); err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	if parentID != nil {
		if err := s.invalidateChain(dbc, f, *parentID); err != nil {
			return nil, err
		}
	}
	return node, nil
}

func (s *treeStore) CreateEntry(dbc dbctx.Context, nodeID uuid.UUID, in CreateEntryInput) (*domain.MaterialEntry, error) {
	if !in.SourceType.Valid() {
		return nil, fmt.Errorf("invalid source type %q", in.SourceType)
	}
	rows, err := s.nodes.GetByIDs(dbc, []uuid.UUID{nodeID})
	if err != nil {
		return nil, fmt.Errorf("load node: %w", err)
	}
	if len(rows) == 0 || rows[0] == nil {
		return nil, fmt.Errorf("node %s: %w", nodeID, domain.ErrNodeNotFound)
	}
	node := rows[0]

	existing, err := s.entries.GetByNodeIDs(dbc, []uuid.UUID{nodeID})
	if err != nil {
		return nil, fmt.Errorf("load sibling entries: %w", err)
	}

	now := time.Now()
	entry := &domain.MaterialEntry{
		ID:            uuid.New(),
		NodeID:        nodeID,
		SourceType:    in.SourceType,
		Position:      len(existing),
		SourceLocator: in.SourceLocator,
		Filename:      in.Filename,
		RawHash:       in.RawHash,
		RawSize:       in.RawSize,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.RawHash != "" {
		entry.RawUploadedAt = &now
	}
	if _, err := s.entries.Create(dbc, []*domain.MaterialEntry{entry}); err != nil {
		return nil, fmt.Errorf("create entry: %w", err)
	}

	f, err := s.LoadForest(dbc, node.CourseID)
	if err != nil {
		return nil, err
	}
	if err := s.invalidateChain(dbc, f, nodeID); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *treeStore) MoveNode(dbc dbctx.Context, nodeID uuid.UUID, newParentID *uuid.UUID) (*domain.MaterialNode, error) {
	rows, err := s.nodes.GetByIDs(dbc, []uuid.UUID{nodeID})
	if err != nil {
		return nil, fmt.Errorf("load node: %w", err)
	}
	if len(rows) == 0 || rows[0] == nil {
		return nil, fmt.Errorf("node %s: %w", nodeID, domain.ErrNodeNotFound)
	}
	node := rows[0]

	f, err := s.LoadForest(dbc, node.CourseID)
	if err != nil {
		return nil, err
	}

	if newParentID != nil {
		if *newParentID == nodeID {
			return nil, fmt.Errorf("cannot move node %s under itself", nodeID)
		}
		if _, ok := f.Node(*newParentID); !ok {
			return nil, fmt.Errorf("destination %s: %w", *newParentID, domain.ErrNodeNotFound)
		}
		if f.IsAncestor(nodeID, *newParentID) {
			return nil, fmt.Errorf("cannot move node %s under its own descendant %s", nodeID, *newParentID)
		}
	}

	var destSiblings []*domain.MaterialNode
	if newParentID != nil {
		destSiblings = f.Children(*newParentID)
	} else {
		destSiblings = f.Roots
	}
	position := 0
	for _, sib := range destSiblings {
		if sib.ID != nodeID {
			position++
		}
	}

	updates := map[string]any{
		"parent_id":  newParentID,
		"position":   position,
		"updated_at": time.Now(),
	}
	if err := s.nodes.UpdateFields(dbc, nodeID, updates); err != nil {
		return nil, fmt.Errorf("move node: %w", err)
	}

	// Close the gap among the old siblings.
	oldParentID := node.ParentID
	if err := s.renumberSiblings(dbc, f, oldParentID, nodeID); err != nil {
		return nil, err
	}

	// The moved subtree's own fingerprint is unchanged, but every ancestor
	// on both the old and the new path lost its cached digest.
	if oldParentID != nil {
		if err := s.invalidateChain(dbc, f, *oldParentID); err != nil {
			return nil, err
		}
	}
	if newParentID != nil {
		if err := s.invalidateChain(dbc, f, *newParentID); err != nil {
			return nil, err
		}
	}

	node.ParentID = newParentID
	node.Position = position
	return node, nil
}

func (s *treeStore) ReorderNode(dbc dbctx.Context, nodeID uuid.UUID, position int) error {
	rows, err := s.nodes.GetByIDs(dbc, []uuid.UUID{nodeID})
	if err != nil {
		return fmt.Errorf("load node: %w", err)
	}
	if len(rows) == 0 || rows[0] == nil {
		return fmt.Errorf("node %s: %w", nodeID, domain.ErrNodeNotFound)
	}
	node := rows[0]

	f, err := s.LoadForest(dbc, node.CourseID)
	if err != nil {
		return err
	}

	var siblings []*domain.MaterialNode
	if node.ParentID != nil {
		siblings = f.Children(*node.ParentID)
	} else {
		siblings = f.Roots
	}

	rest := make([]*domain.MaterialNode, 0, len(siblings))
	for _, sib := range siblings {
		if sib.ID != nodeID {
			rest = append(rest, sib)
		}
	}
	if position < 0 {
		position = 0
	}
	if position > len(rest) {
		position = len(rest)
	}

	ordered := make([]*domain.MaterialNode, 0, len(rest)+1)
	ordered = append(ordered, rest[:position]...)
	ordered = append(ordered, node)
	ordered = append(ordered, rest[position:]...)

	now := time.Now()
	for i, sib := range ordered {
		if sib.Position == i && sib.ID != nodeID {
			continue
		}
		if err := s.nodes.UpdateFields(dbc, sib.ID, map[string]any{
			"position":   i,
			"updated_at": now,
		}); err != nil {
			return fmt.Errorf("renumber sibling %s: %w", sib.ID, err)
		}
	}

	// Sibling order feeds the fingerprint fold, so the parent chain is stale.
	if node.ParentID != nil {
		return s.invalidateChain(dbc, f, *node.ParentID)
	}
	return nil
}

func (s *treeStore) DeleteNode(dbc dbctx.Context, nodeID uuid.UUID) error {
	rows, err := s.nodes.GetByIDs(dbc, []uuid.UUID{nodeID})
	if err != nil {
		return fmt.Errorf("load node: %w", err)
	}
	if len(rows) == 0 || rows[0] == nil {
		return fmt.Errorf("node %s: %w", nodeID, domain.ErrNodeNotFound)
	}
	node := rows[0]

	f, err := s.LoadForest(dbc, node.CourseID)
	if err != nil {
		return err
	}

	subtree := f.Subtree(nodeID)
	ids := make([]uuid.UUID, 0, len(subtree))
	for _, n := range subtree {
		ids = append(ids, n.ID)
	}

	if err := s.entries.SoftDeleteByNodeIDs(dbc, ids); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	if err := s.nodes.SoftDeleteByIDs(dbc, ids); err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}
	if node.ParentID != nil {
		if err := s.renumberSiblings(dbc, f, node.ParentID, nodeID); err != nil {
			return err
		}
		return s.invalidateChain(dbc, f, *node.ParentID)
	}
	return s.renumberSiblings(dbc, f, nil, nodeID)
}

// renumberSiblings rewrites the positions of parentID's children (roots when
// nil) to a dense 0..n-1 sequence, skipping the excluded node.
func (s *treeStore) renumberSiblings(dbc dbctx.Context, f *Forest, parentID *uuid.UUID, exclude uuid.UUID) error {
	var siblings []*domain.MaterialNode
	if parentID != nil {
		siblings = f.Children(*parentID)
	} else {
		siblings = f.Roots
	}
	now := time.Now()
	i := 0
	for _, sib := range siblings {
		if sib.ID == exclude {
			continue
		}
		if sib.Position != i {
			if err := s.nodes.UpdateFields(dbc, sib.ID, map[string]any{
				"position":   i,
				"updated_at": now,
			}); err != nil {
				return fmt.Errorf("renumber sibling %s: %w", sib.ID, err)
			}
		}
		i++
	}
	return nil
}

// invalidateChain clears the cached fingerprint on nodeID and on every
// ancestor, using the already-loaded forest for the walk.
func (s *treeStore) invalidateChain(dbc dbctx.Context, f *Forest, nodeID uuid.UUID) error {
	ids := append([]uuid.UUID{nodeID}, f.AncestorChain(nodeID)...)
	if err := s.nodes.ClearFingerprints(dbc, ids); err != nil {
		return fmt.Errorf("invalidate fingerprints: %w", err)
	}
	return nil
}
