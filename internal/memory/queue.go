package memory

import (
	"log"
	"time"

	"github.com/solastral/reverie/pkg/types"
)

// newIndexJob creates an index job from record data.
func (m *Manager) newIndexJob(record *types.MemoryRecord, attempt int) *IndexJob {
	return &IndexJob{
		RecordID:  record.ID,
		Content:   record.Content,
		Type:      record.Type,
		Project:   record.Project,
		Timestamp: time.Now(),
		Attempt:   attempt,
	}
}

// queueIndexJob attempts to queue an index job.
// Returns true if the job was queued, false if the queue is full or the
// manager is shutting down.
func (m *Manager) queueIndexJob(job *IndexJob) bool {
	// Check if the worker context is cancelled (shutdown in progress)
	if m.workerCtx != nil && m.workerCtx.Err() != nil {
		return false
	}

	// Try to queue (non-blocking)
	select {
	case m.indexQueue <- job:
		return true
	default:
		// Queue is full
		log.Printf("memory: WARNING index queue full (size=%d), dropping job for record %s",
			m.config.QueueSize, job.RecordID)
		return false
	}
}

// requeueIndexJob attempts to requeue a failed index job.
// Returns true if the job was requeued, false if max retries were exceeded or
// the queue is unavailable.
func (m *Manager) requeueIndexJob(job *IndexJob) bool {
	// Check if the worker context is cancelled (shutdown in progress)
	if m.workerCtx != nil && m.workerCtx.Err() != nil {
		log.Printf("memory: WARNING failed to requeue job for record %s, shutdown in progress", job.RecordID)
		return false
	}

	// Check if max retries were exceeded
	if job.Attempt >= m.config.MaxRetries {
		log.Printf("memory: max retries (%d) exceeded for record %s, giving up",
			m.config.MaxRetries, job.RecordID)
		return false
	}

	// Increment attempt counter
	job.Attempt++

	// Try to requeue with a short grace so a briefly-full queue doesn't lose
	// the job outright.
	select {
	case m.indexQueue <- job:
		log.Printf("memory: requeued index job for record %s (attempt %d/%d)",
			job.RecordID, job.Attempt, m.config.MaxRetries)
		return true
	case <-time.After(10 * time.Millisecond):
		log.Printf("memory: WARNING failed to requeue job for record %s, queue timeout",
			job.RecordID)
		return false
	}
}

// queueLength returns the current number of jobs in the queue.
func (m *Manager) queueLength() int {
	return len(m.indexQueue)
}
