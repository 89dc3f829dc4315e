package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNodeNotFound       = errors.New("node not found in course tree")
	ErrNoMaterials        = errors.New("no materials in requested scope")
	ErrNoProcessedContent = errors.New("entry has no processed content")
	ErrIntegrityBroken    = errors.New("raw content changed after processing")
)

// ConflictError reports that a requested generation scope overlaps work that
// is already in flight.
type ConflictError struct {
	JobID  uuid.UUID
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("generation conflict with job %s: %s", e.JobID, e.Reason)
}

// TransitionError is a job ledger invariant violation. It indicates a
// programming or data-consistency bug and is fatal to the operation.
type TransitionError struct {
	JobID uuid.UUID
	From  string
	To    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid job status transition %s -> %s (job %s)", e.From, e.To, e.JobID)
}
