package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SourceType string

const (
	SourceTypeVideo        SourceType = "video"
	SourceTypePresentation SourceType = "presentation"
	SourceTypeText         SourceType = "text"
	SourceTypeWeb          SourceType = "web"
)

func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeVideo, SourceTypePresentation, SourceTypeText, SourceTypeWeb:
		return true
	}
	return false
}

// EntryState is the derived lifecycle state of a material entry. It is never
// stored; State() computes it from the provenance columns on every read.
type EntryState string

const (
	EntryStateError           EntryState = "ERROR"
	EntryStatePending         EntryState = "PENDING"
	EntryStateIntegrityBroken EntryState = "INTEGRITY_BROKEN"
	EntryStateReady           EntryState = "READY"
	EntryStateRaw             EntryState = "RAW"
)

// MaterialEntry is one uploaded material attached to a tree node.
type MaterialEntry struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	NodeID uuid.UUID `gorm:"type:uuid;not null;index" json:"node_id"`

	SourceType    SourceType `gorm:"column:source_type;not null;index" json:"source_type"`
	Position      int        `gorm:"column:position;not null;default:0" json:"position"`
	SourceLocator string     `gorm:"column:source_locator;not null" json:"source_locator"`
	Filename      string     `gorm:"column:filename" json:"filename,omitempty"`

	// Provenance of the unprocessed upload.
	RawHash       string     `gorm:"column:raw_hash" json:"raw_hash,omitempty"`
	RawSize       int64      `gorm:"column:raw_size" json:"raw_size,omitempty"`
	RawUploadedAt *time.Time `gorm:"column:raw_uploaded_at" json:"raw_uploaded_at,omitempty"`

	// Output of extraction. ProcessedHash records the hash of the raw bytes
	// that were actually processed.
	ProcessedHash string     `gorm:"column:processed_hash" json:"processed_hash,omitempty"`
	ProcessedText string     `gorm:"column:processed_text" json:"processed_text,omitempty"`
	ProcessedAt   *time.Time `gorm:"column:processed_at" json:"processed_at,omitempty"`

	// In-flight marker pair. Set when an ingestion job is enqueued, cleared
	// by the completion callback on both success and failure.
	PendingJobID *uuid.UUID `gorm:"type:uuid;column:pending_job_id;index" json:"pending_job_id,omitempty"`
	PendingSince *time.Time `gorm:"column:pending_since" json:"pending_since,omitempty"`

	Fingerprint  string `gorm:"column:fingerprint" json:"fingerprint,omitempty"`
	ErrorMessage string `gorm:"column:error_message" json:"error_message,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (MaterialEntry) TableName() string { return "material_entry" }

// State derives the lifecycle state with strict precedence:
// ERROR > PENDING > INTEGRITY_BROKEN > READY > RAW.
func (e *MaterialEntry) State() EntryState {
	if strings.TrimSpace(e.ErrorMessage) != "" {
		return EntryStateError
	}
	if e.PendingJobID != nil {
		return EntryStatePending
	}
	if e.integrityBroken() {
		return EntryStateIntegrityBroken
	}
	if e.ProcessedHash != "" && strings.TrimSpace(e.ProcessedText) != "" {
		return EntryStateReady
	}
	return EntryStateRaw
}

// integrityBroken reports whether the raw upload no longer matches what was
// processed: the hashes diverge, or the raw bytes were re-uploaded after
// extraction ran.
func (e *MaterialEntry) integrityBroken() bool {
	if e.RawHash == "" || e.ProcessedHash == "" {
		return false
	}
	if e.RawHash != e.ProcessedHash {
		return true
	}
	if e.RawUploadedAt != nil && e.ProcessedAt != nil && e.RawUploadedAt.After(*e.ProcessedAt) {
		return true
	}
	return false
}
