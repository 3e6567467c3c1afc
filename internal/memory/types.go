// Package memory provides the coordinating manager for the reverie core.
// The manager keeps the structured record store, the embedding index, and the
// relationship graph mutually consistent: saves commit synchronously to the
// record store, secondary index writes run inline or on a bounded worker
// queue, and a repair pass re-drives whatever fell behind.
package memory

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/solastral/reverie/pkg/types"
)

// IndexJob represents a pending secondary-index write for one record.
// Jobs are queued when records are saved and processed by worker goroutines.
type IndexJob struct {
	// RecordID is the unique identifier of the record to index.
	RecordID string

	// Content is the record content to embed and extract entities from.
	Content string

	// Type is the record type, carried so workers don't re-read the record.
	Type types.RecordType

	// Project is the record's project tag, if any.
	Project string

	// Timestamp is when the job was queued.
	Timestamp time.Time

	// Attempt tracks retry attempts for this job.
	Attempt int

	// EmbeddingOnly indicates the graph stage already succeeded and only the
	// embedding write should be retried.
	EmbeddingOnly bool
}

// Config holds configuration for the memory manager.
type Config struct {
	// NumWorkers is the number of index worker goroutines (default: 4).
	NumWorkers int

	// QueueSize is the size of the index job queue buffer (default: 1000).
	QueueSize int

	// ShutdownTimeout is the maximum time to wait for workers to drain on shutdown (default: 30s).
	ShutdownTimeout time.Duration

	// MaxRetries is the maximum number of index retry attempts (default: 3).
	MaxRetries int

	// SyncIndexThreshold is the content length (bytes) under which secondary
	// indexing runs inline with Save instead of being queued (default: 512).
	SyncIndexThreshold int

	// RepairGrace is how old a pending index write must be before Repair
	// re-drives it (default: 1m). Startup recovery ignores the grace window.
	RepairGrace time.Duration

	// RepairBatchSize is the number of pending records Repair requeues per
	// pass (default: 1000).
	RepairBatchSize int

	// RepairInterval enables a periodic repair pass when > 0; zero disables
	// the ticker. Startup recovery runs regardless.
	RepairInterval time.Duration

	// EmbedRatePerSec throttles embedding calls across all workers
	// (default: 10).
	EmbedRatePerSec float64

	// EmbedBurst is the embedding rate limiter burst size (default: 5).
	EmbedBurst int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		NumWorkers:         4,
		QueueSize:          1000,
		ShutdownTimeout:    30 * time.Second,
		MaxRetries:         3,
		SyncIndexThreshold: 512,
		RepairGrace:        time.Minute,
		RepairBatchSize:    1000,
		EmbedRatePerSec:    10,
		EmbedBurst:         5,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.NumWorkers < 1 {
		return fmt.Errorf("NumWorkers must be >= 1, got %d", c.NumWorkers)
	}

	if c.QueueSize < 1 {
		return fmt.Errorf("QueueSize must be >= 1, got %d", c.QueueSize)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("ShutdownTimeout must be >= 0, got %v", c.ShutdownTimeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("MaxRetries must be >= 0, got %d", c.MaxRetries)
	}

	if c.SyncIndexThreshold < 0 {
		return fmt.Errorf("SyncIndexThreshold must be >= 0, got %d", c.SyncIndexThreshold)
	}

	if c.RepairGrace < 0 {
		return fmt.Errorf("RepairGrace must be >= 0, got %v", c.RepairGrace)
	}

	if c.RepairBatchSize < 1 {
		return fmt.Errorf("RepairBatchSize must be >= 1, got %d", c.RepairBatchSize)
	}

	if c.RepairInterval < 0 {
		return fmt.Errorf("RepairInterval must be >= 0, got %v", c.RepairInterval)
	}

	if c.EmbedRatePerSec <= 0 {
		return fmt.Errorf("EmbedRatePerSec must be > 0, got %v", c.EmbedRatePerSec)
	}

	if c.EmbedBurst < 1 {
		return fmt.Errorf("EmbedBurst must be >= 1, got %d", c.EmbedBurst)
	}

	return nil
}

// IndexSyncError reports a failed secondary-index write. These are absorbed
// into retry state and surfaced through Repair, never to the caller of Save.
type IndexSyncError struct {
	// RecordID is the record whose index write failed.
	RecordID string

	// Stage is the failing stage, "embedding" or "graph".
	Stage string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *IndexSyncError) Error() string {
	return fmt.Sprintf("index sync failed for %s (stage=%s): %v", e.RecordID, e.Stage, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *IndexSyncError) Unwrap() error {
	return e.Err
}

// NewRecordID generates a unique record ID in the format mem:type:slug.
// The slug is a random hex string to ensure uniqueness.
func NewRecordID(recordType types.RecordType) string {
	domain := string(recordType)
	if domain == "" {
		domain = "note"
	}

	// Sanitize the domain (remove colons and whitespace)
	domain = strings.ReplaceAll(strings.TrimSpace(domain), ":", "-")

	return fmt.Sprintf("mem:%s:%s", domain, randomSlug())
}

// randomSlug generates a random hex slug for record IDs.
func randomSlug() string {
	// 8 random bytes (16 hex characters)
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// Fallback to a timestamp slug if random generation fails
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
