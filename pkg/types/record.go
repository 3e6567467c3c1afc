package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// MemoryRecord is the atomic unit of the structured store. The structured
// store owns it exclusively; the semantic index and the relationship graph
// reference it by ID and never copy its content.
type MemoryRecord struct {
	// Core identification fields
	ID      string     `json:"id"`      // Unique identifier (format: mem:type:slug), immutable
	Type    RecordType `json:"type"`    // Tagged variant (note, task, project, fact)
	Content string     `json:"content"` // Raw record content
	Project string     `json:"project,omitempty"` // Optional project tag

	// Versioning and lifecycle
	Version   int64      `json:"version"`              // Monotonic counter for optimistic concurrency
	CreatedAt time.Time  `json:"created_at"`           // When the record was first committed
	UpdatedAt time.Time  `json:"updated_at"`           // Last committed write
	DeletedAt *time.Time `json:"deleted_at,omitempty"` // Soft-delete tombstone (null = live)

	// Secondary index tracking. The record is pending-index while either
	// state is not ready; Repair re-drives the laggards.
	EmbeddingState IndexState `json:"embedding_state"` // Semantic index write state
	GraphState     IndexState `json:"graph_state"`     // Relationship graph write state

	// Content deduplication
	ContentHash string `json:"content_hash,omitempty"` // SHA-256 hash of content
}

// NewMemoryRecord builds a record of the given type with both secondary
// indexes marked pending. It rejects invalid type tags and empty content so
// callers cannot construct malformed variants.
func NewMemoryRecord(recordType RecordType, content, project string) (*MemoryRecord, error) {
	if !IsValidRecordType(recordType) {
		return nil, fmt.Errorf("invalid record type %q", recordType)
	}
	if content == "" {
		return nil, fmt.Errorf("record content must not be empty")
	}

	now := time.Now().UTC()
	return &MemoryRecord{
		Type:           recordType,
		Content:        content,
		Project:        project,
		CreatedAt:      now,
		UpdatedAt:      now,
		EmbeddingState: IndexPending,
		GraphState:     IndexPending,
		ContentHash:    HashContent(content),
	}, nil
}

// PendingIndex reports whether any secondary index write is still outstanding.
func (r *MemoryRecord) PendingIndex() bool {
	return r.EmbeddingState != IndexReady || r.GraphState != IndexReady
}

// Deleted reports whether the record has been tombstoned.
func (r *MemoryRecord) Deleted() bool {
	return r.DeletedAt != nil
}

// HashContent returns the hex-encoded SHA-256 hash of content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
