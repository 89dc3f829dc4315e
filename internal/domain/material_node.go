package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MaterialNode is one topic in a course's material tree. Children are derived
// at read time from ParentID; nothing holds live child references.
type MaterialNode struct {
	ID       uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CourseID uuid.UUID  `gorm:"type:uuid;not null;index" json:"course_id"`
	ParentID *uuid.UUID `gorm:"type:uuid;index" json:"parent_id,omitempty"`

	Title       string `gorm:"not null" json:"title"`
	Description string `gorm:"column:description" json:"description"`
	Position    int    `gorm:"column:position;not null;default:0" json:"position"`

	// Cached subtree fingerprint. Empty means not computed; any write that
	// changes the subtree content or shape clears it on this node and on
	// every ancestor.
	Fingerprint string `gorm:"column:fingerprint" json:"fingerprint,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (MaterialNode) TableName() string { return "material_node" }

func (n *MaterialNode) IsRoot() bool { return n.ParentID == nil }
