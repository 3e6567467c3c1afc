package memory

import (
	"context"
	"log"
	"time"

	"github.com/solastral/reverie/pkg/types"
)

// RepairReport summarizes one reconciliation pass.
type RepairReport struct {
	// Requeued is the number of pending or failed records re-driven through
	// the index queue.
	Requeued int `json:"requeued"`

	// EmbeddingsPurged is the number of embedding entries removed because
	// their record is gone or tombstoned.
	EmbeddingsPurged int64 `json:"embeddings_purged"`

	// NodesPurged and EdgesPurged count graph entries removed for the same
	// reason.
	NodesPurged int64 `json:"nodes_purged"`
	EdgesPurged int64 `json:"edges_purged"`

	// Duration is how long the pass took.
	Duration time.Duration `json:"duration"`
}

// Repair reconciles the secondary stores with the record store. It requeues
// records whose embedding or graph write is pending or failed and older than
// the grace window, then removes embeddings and graph nodes whose record no
// longer lives. Run on demand or periodically; one pass is bounded by
// RepairBatchSize.
//
// On error the returned report covers the steps that completed.
func (m *Manager) Repair(ctx context.Context) (*RepairReport, error) {
	return m.repair(ctx, m.config.RepairGrace)
}

// repair is the grace-parameterized implementation; startup recovery passes
// grace zero so a crash's leftovers requeue immediately.
func (m *Manager) repair(ctx context.Context, grace time.Duration) (*RepairReport, error) {
	start := time.Now()
	report := &RepairReport{}

	log.Printf("memory: repair pass starting (grace=%v)", grace)

	// Re-drive records whose secondary indexing never completed.
	pending, err := m.records.ListPendingIndex(ctx, grace, m.config.RepairBatchSize)
	if err != nil {
		return report, err
	}

	for _, record := range pending {
		job := m.newIndexJob(record, 0)
		// A ready graph state means only the embedding is outstanding.
		job.EmbeddingOnly = record.GraphState == types.IndexReady

		if !m.queueIndexJob(job) {
			log.Printf("memory: repair stopped requeueing after %d jobs, queue unavailable", report.Requeued)
			break
		}
		report.Requeued++
	}

	// Drift cleanup: secondary entries pointing at dead records.
	purged, err := m.embeddings.PurgeOrphans(ctx)
	if err != nil {
		report.Duration = time.Since(start)
		return report, err
	}
	report.EmbeddingsPurged = purged

	nodes, edges, err := m.graph.RemoveOrphans(ctx)
	if err != nil {
		report.Duration = time.Since(start)
		return report, err
	}
	report.NodesPurged = nodes
	report.EdgesPurged = edges

	report.Duration = time.Since(start)
	log.Printf("memory: repair pass complete: requeued=%d embeddings_purged=%d nodes_purged=%d edges_purged=%d (%v)",
		report.Requeued, report.EmbeddingsPurged, report.NodesPurged, report.EdgesPurged, report.Duration)

	return report, nil
}

// repairLoop runs a repair pass on a fixed interval until the worker context
// is cancelled. Started by Start when Config.RepairInterval > 0.
func (m *Manager) repairLoop(ctx context.Context) {
	defer m.workerWaitGroup.Done()

	ticker := time.NewTicker(m.config.RepairInterval)
	defer ticker.Stop()

	log.Printf("memory: periodic repair enabled (interval=%v)", m.config.RepairInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Repair(ctx); err != nil && ctx.Err() == nil {
				log.Printf("memory: WARNING periodic repair failed: %v", err)
			}
		}
	}
}

// Rebuild requeues every live record for full secondary indexing, regardless
// of its current index state. Use it after switching embedding models or
// restoring a database from backup; the embedding index and graph converge
// to the record store as the queue drains.
func (m *Manager) Rebuild(ctx context.Context) (int, error) {
	const pageSize = 500

	queued := 0
	for offset := 0; ; offset += pageSize {
		ids, err := m.records.ListIDs(ctx, offset, pageSize)
		if err != nil {
			return queued, err
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			record, err := m.records.Get(ctx, id)
			if err != nil {
				// Deleted between pages; skip.
				continue
			}

			if err := m.records.SetIndexStates(ctx, id, types.IndexPending, types.IndexPending); err != nil {
				log.Printf("memory: WARNING rebuild failed to mark %s pending: %v", id, err)
			}

			if !m.queueIndexJob(m.newIndexJob(record, 0)) {
				log.Printf("memory: rebuild stopped after %d jobs, queue unavailable", queued)
				return queued, nil
			}
			queued++
		}

		if len(ids) < pageSize {
			break
		}
	}

	log.Printf("memory: rebuild queued %d records for re-indexing", queued)
	return queued, nil
}
