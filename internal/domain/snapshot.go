package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Snapshot is a persisted generation result. Its identity key
// (course_id, node_id, fingerprint, mode) backs idempotency lookups. A NULL
// node_id means course scope, and a plain composite unique index would never
// constrain those rows (NULL compares distinct), so uniqueness is enforced by
// a pair of partial unique indexes created at migration time: one over
// (course_id, node_id, fingerprint, mode) WHERE node_id IS NOT NULL and one
// over (course_id, fingerprint, mode) WHERE node_id IS NULL.
type Snapshot struct {
	ID       uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CourseID uuid.UUID  `gorm:"type:uuid;not null;index" json:"course_id"`
	NodeID   *uuid.UUID `gorm:"type:uuid;column:node_id;index" json:"node_id,omitempty"`

	Fingerprint string `gorm:"column:fingerprint;not null" json:"fingerprint"`
	Mode        string `gorm:"column:mode;not null" json:"mode"`

	Structure datatypes.JSON `gorm:"column:structure;type:jsonb;not null" json:"structure"`

	Model            string  `gorm:"column:model" json:"model,omitempty"`
	PromptTokens     int     `gorm:"column:prompt_tokens;not null;default:0" json:"prompt_tokens"`
	CompletionTokens int     `gorm:"column:completion_tokens;not null;default:0" json:"completion_tokens"`
	CostUSD          float64 `gorm:"column:cost_usd;not null;default:0" json:"cost_usd"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (Snapshot) TableName() string { return "snapshot" }
