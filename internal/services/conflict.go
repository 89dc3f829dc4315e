package services

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/coursegraph/coursegraph-backend/internal/domain"
)

// Conflict pairs the first live job whose scope overlaps a request with a
// human-readable description of how the scopes relate.
type Conflict struct {
	Job    *domain.Job
	Reason string
}

// DetectConflict decides whether the requested scope (nil = whole course)
// overlaps any live generation job. Two scopes overlap when either is
// course-wide, they target the same node, or one node sits inside the
// other's subtree. Siblings and independent branches run concurrently.
func DetectConflict(f *Forest, live []*domain.Job, target *uuid.UUID) *Conflict {
	for _, job := range live {
		if job == nil {
			continue
		}
		if reason, ok := scopesOverlap(f, job.NodeID, target); ok {
			return &Conflict{Job: job, Reason: reason}
		}
	}
	return nil
}

func scopesOverlap(f *Forest, active *uuid.UUID, target *uuid.UUID) (string, bool) {
	switch {
	case active == nil && target == nil:
		return "a course-wide generation is already in flight", true
	case active == nil:
		return fmt.Sprintf("an active course-wide generation covers node %s", *target), true
	case target == nil:
		return fmt.Sprintf("a course-wide request overlaps the active generation on node %s", *active), true
	case *active == *target:
		return "generation is already in flight on this node", true
	case f.IsAncestor(*active, *target):
		return fmt.Sprintf("node %s is inside the subtree of an active generation on node %s", *target, *active), true
	case f.IsAncestor(*target, *active):
		return fmt.Sprintf("the requested subtree contains an active generation on node %s", *active), true
	}
	return "", false
}
