package memory

import (
	"context"
	"log"
	"time"

	"github.com/solastral/reverie/pkg/types"
)

// indexWorker is a worker goroutine that processes index jobs.
// It runs until the index queue is closed.
func (m *Manager) indexWorker(ctx context.Context, workerID int) {
	defer m.workerWaitGroup.Done()

	log.Printf("memory: index worker %d started", workerID)

	for job := range m.indexQueue {
		m.processIndexJob(ctx, workerID, job)
	}

	log.Printf("memory: index worker %d stopped", workerID)
}

// processIndexJob runs the secondary-index stages for one record.
// The graph and embedding stages fail independently: a stage that succeeded
// is marked ready immediately and is not repeated when the job retries.
func (m *Manager) processIndexJob(ctx context.Context, workerID int, job *IndexJob) {
	log.Printf("memory: worker %d indexing record %s (attempt %d, embeddingOnly=%v)",
		workerID, job.RecordID, job.Attempt, job.EmbeddingOnly)

	// Database writes use a background context so in-flight jobs are not
	// cancelled mid-write during shutdown.
	dbCtx := context.Background()

	// Exponential backoff for retries to let a struggling provider recover.
	if job.Attempt > 0 {
		backoff := time.Duration(job.Attempt*job.Attempt) * 100 * time.Millisecond // 100ms, 400ms, 900ms...
		log.Printf("memory: worker %d waiting %v before retry (attempt %d)", workerID, backoff, job.Attempt)
		time.Sleep(backoff)
	}

	if m.onIndexStarted != nil {
		m.onIndexStarted(job.RecordID)
	}

	embErr, graphErr := m.runIndexStages(ctx, job)

	// Persist what succeeded; zero-value states leave columns untouched.
	var emb, graph types.IndexState
	if embErr == nil {
		emb = types.IndexReady
	}
	if !job.EmbeddingOnly && graphErr == nil {
		graph = types.IndexReady
	}
	if emb != "" || graph != "" {
		if err := m.records.SetIndexStates(dbCtx, job.RecordID, emb, graph); err != nil {
			log.Printf("memory: WARNING worker %d failed to update index states for %s: %v",
				workerID, job.RecordID, err)
		}
	}

	if embErr == nil && graphErr == nil {
		log.Printf("memory: worker %d completed indexing for record %s", workerID, job.RecordID)
		if m.onIndexComplete != nil {
			m.onIndexComplete(job.RecordID)
		}
		return
	}

	// Absorb the failure into retry state; it never reaches a caller.
	if embErr != nil {
		log.Printf("memory: worker %d: %v", workerID, &IndexSyncError{RecordID: job.RecordID, Stage: "embedding", Err: embErr})
	}
	if graphErr != nil {
		log.Printf("memory: worker %d: %v", workerID, &IndexSyncError{RecordID: job.RecordID, Stage: "graph", Err: graphErr})
	}

	// A completed graph stage is not repeated on retry.
	job.EmbeddingOnly = job.EmbeddingOnly || graphErr == nil

	if !m.requeueIndexJob(job) {
		// Out of retries: mark the outstanding stages failed so Repair finds
		// them once the grace window passes.
		var failEmb, failGraph types.IndexState
		if embErr != nil {
			failEmb = types.IndexFailed
		}
		if graphErr != nil {
			failGraph = types.IndexFailed
		}
		if err := m.records.SetIndexStates(dbCtx, job.RecordID, failEmb, failGraph); err != nil {
			log.Printf("memory: WARNING worker %d failed to mark %s for repair: %v",
				workerID, job.RecordID, err)
		}
	}
}

// startWorkerPool starts the worker goroutines.
func (m *Manager) startWorkerPool(ctx context.Context) {
	for i := 0; i < m.config.NumWorkers; i++ {
		m.workerWaitGroup.Add(1)
		go m.indexWorker(ctx, i)
	}

	log.Printf("memory: started %d index workers", m.config.NumWorkers)
}

// stopWorkerPool stops the worker goroutines gracefully.
func (m *Manager) stopWorkerPool(ctx context.Context) error {
	// Close the queue: no more jobs.
	close(m.indexQueue)

	// Wait for workers to drain, bounded by the shutdown timeout.
	done := make(chan struct{})
	go func() {
		m.workerWaitGroup.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("memory: all index workers finished gracefully")
		return nil
	case <-time.After(m.config.ShutdownTimeout):
		remaining := m.queueLength()
		log.Printf("memory: WARNING shutdown timeout reached, %d index jobs left pending", remaining)
		return nil
	case <-ctx.Done():
		remaining := m.queueLength()
		log.Printf("memory: WARNING context cancelled, %d index jobs left pending", remaining)
		return ctx.Err()
	}
}
