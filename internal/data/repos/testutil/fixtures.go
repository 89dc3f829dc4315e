package testutil

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/domain"
)

func SeedNode(tb testing.TB, tx *gorm.DB, courseID uuid.UUID, parentID *uuid.UUID, title string, position int) *domain.MaterialNode {
	tb.Helper()
	node := &domain.MaterialNode{
		ID:       uuid.New(),
		CourseID: courseID,
		ParentID: parentID,
		Title:    title,
		Position: position,
	}
	if err := tx.Create(node).Error; err != nil {
		tb.Fatalf("seed node: %v", err)
	}
	return node
}

func SeedRawEntry(tb testing.TB, tx *gorm.DB, nodeID uuid.UUID, position int) *domain.MaterialEntry {
	tb.Helper()
	entry := &domain.MaterialEntry{
		ID:            uuid.New(),
		NodeID:        nodeID,
		SourceType:    domain.SourceTypeText,
		Position:      position,
		SourceLocator: "materials/" + uuid.NewString() + ".txt",
	}
	if err := tx.Create(entry).Error; err != nil {
		tb.Fatalf("seed entry: %v", err)
	}
	return entry
}

func SeedReadyEntry(tb testing.TB, tx *gorm.DB, nodeID uuid.UUID, position int, text string) *domain.MaterialEntry {
	tb.Helper()
	now := time.Now()
	entry := &domain.MaterialEntry{
		ID:            uuid.New(),
		NodeID:        nodeID,
		SourceType:    domain.SourceTypeText,
		Position:      position,
		SourceLocator: "materials/" + uuid.NewString() + ".txt",
		RawHash:       "hash-" + uuid.NewString(),
		ProcessedText: text,
		ProcessedAt:   &now,
	}
	entry.ProcessedHash = entry.RawHash
	if err := tx.Create(entry).Error; err != nil {
		tb.Fatalf("seed ready entry: %v", err)
	}
	return entry
}

func SeedJob(tb testing.TB, tx *gorm.DB, courseID uuid.UUID, nodeID *uuid.UUID, jobType, status string) *domain.Job {
	tb.Helper()
	job := &domain.Job{
		ID:       uuid.New(),
		CourseID: &courseID,
		NodeID:   nodeID,
		JobType:  jobType,
		Status:   status,
		QueuedAt: time.Now(),
	}
	if err := tx.Create(job).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return job
}
