package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	JobStatusQueued    = "queued"
	JobStatusActive    = "active"
	JobStatusComplete  = "complete"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

const (
	JobTypeIngest   = "material_ingest"
	JobTypeGenerate = "structure_generate"
)

// jobTransitions is the full transition table. Anything not listed is an
// invariant violation.
var jobTransitions = map[string][]string{
	JobStatusQueued:    {JobStatusActive, JobStatusCancelled},
	JobStatusActive:    {JobStatusComplete, JobStatusFailed},
	JobStatusComplete:  {},
	JobStatusFailed:    {JobStatusQueued},
	JobStatusCancelled: {},
}

func TransitionAllowed(from, to string) bool {
	for _, t := range jobTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func JobStatusTerminal(status string) bool {
	return status == JobStatusComplete || status == JobStatusCancelled
}

// Job is one asynchronous unit of work. NodeID == nil on a course/generation
// job means course scope. The result reference is exclusively an entry id
// (ingestion) or a snapshot id (generation), never both.
type Job struct {
	ID       uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CourseID *uuid.UUID `gorm:"type:uuid;column:course_id;index" json:"course_id,omitempty"`
	NodeID   *uuid.UUID `gorm:"type:uuid;column:node_id;index" json:"node_id,omitempty"`

	JobType  string `gorm:"column:job_type;not null;index" json:"job_type"`
	Priority int    `gorm:"column:priority;not null;default:0" json:"priority"`
	Status   string `gorm:"column:status;not null;index" json:"status"`

	// Opaque reference handed back by the external queue on dispatch.
	QueueRef string `gorm:"column:queue_ref" json:"queue_ref,omitempty"`

	// Upstream job ids this job waits on, as a JSON id list.
	DependsOn datatypes.JSON `gorm:"column:depends_on;type:jsonb" json:"depends_on"`

	Payload datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`

	ResultEntryID    *uuid.UUID `gorm:"type:uuid;column:result_entry_id" json:"result_entry_id,omitempty"`
	ResultSnapshotID *uuid.UUID `gorm:"type:uuid;column:result_snapshot_id" json:"result_snapshot_id,omitempty"`
	Error            string     `gorm:"column:error" json:"error,omitempty"`

	QueuedAt    time.Time  `gorm:"column:queued_at;not null;index" json:"queued_at"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Job) TableName() string { return "job" }

func (j *Job) DependsOnIDs() []uuid.UUID {
	if len(j.DependsOn) == 0 {
		return nil
	}
	var raw []string
	if err := json.Unmarshal(j.DependsOn, &raw); err != nil {
		return nil
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (j *Job) SetDependsOn(ids []uuid.UUID) {
	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.String())
	}
	b, _ := json.Marshal(raw)
	j.DependsOn = datatypes.JSON(b)
}

func (j *Job) PayloadMap() map[string]any {
	if len(j.Payload) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(j.Payload, &m); err != nil {
		return map[string]any{}
	}
	return m
}
