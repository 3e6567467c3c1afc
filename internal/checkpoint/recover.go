package checkpoint

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/solastral/reverie/pkg/types"
)

// Recover replays the journal and rebuilds the batch history. Batches that
// never sealed (left open by a crash, or failed before their cleanup
// finished) have their applied operations reversed so the filesystem
// matches the last consistent state. Call it once at startup, before the
// engine accepts new batches.
func (e *Engine) Recover(ctx context.Context) (*RecoveryReport, error) {
	events, err := replayJournal(e.journal.path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}

	batches := make(map[string]*batchHandle)
	var order []string
	for _, ev := range events {
		switch ev.Event {
		case eventBatchOpened:
			batches[ev.BatchID] = &batchHandle{batch: &types.CheckpointBatch{
				ID:          ev.BatchID,
				ActionType:  ev.ActionType,
				Description: ev.Description,
				State:       types.BatchOpen,
				CreatedAt:   ev.Time,
			}}
			order = append(order, ev.BatchID)
		case eventOperation:
			h, ok := batches[ev.BatchID]
			if !ok || ev.Op == nil {
				log.Printf("checkpoint: WARNING journal operation for unknown batch %s", ev.BatchID)
				continue
			}
			h.batch.Operations = append(h.batch.Operations, *ev.Op)
		case eventBatchSealed:
			h, ok := batches[ev.BatchID]
			if !ok {
				continue
			}
			t := ev.Time
			h.batch.State = types.BatchSealed
			h.batch.SealedAt = &t
			h.cancelled = ev.Cancelled
		case eventBatchFailed:
			h, ok := batches[ev.BatchID]
			if !ok {
				continue
			}
			t := ev.Time
			h.batch.State = types.BatchFailed
			h.batch.FinishedAt = &t
		case eventBatchRolledBack:
			h, ok := batches[ev.BatchID]
			if !ok {
				continue
			}
			t := ev.Time
			h.batch.State = ev.FinalState
			h.batch.FinishedAt = &t
		default:
			log.Printf("checkpoint: WARNING unknown journal event %q", ev.Event)
		}
	}

	report := &RecoveryReport{BatchesReplayed: len(order)}

	// Reverse anything the last run left unfinished, oldest batch first.
	// A batch already journaled as failed had its cleanup run before the
	// event was written, so its reversals are no-ops unless that cleanup
	// was itself interrupted.
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		h := batches[id]
		if h.batch.State != types.BatchOpen && h.batch.State != types.BatchFailed {
			continue
		}
		moved, conflicts := e.reverseBatchOperations(h)
		report.OperationsReversed += moved
		report.Conflicts += conflicts

		if h.batch.State == types.BatchOpen {
			reason := "recovered after restart; applied operations reversed"
			if err := e.journal.append(journalEvent{Event: eventBatchFailed, BatchID: id, Reason: reason}); err != nil {
				log.Printf("checkpoint: WARNING failed to journal recovery of batch %s: %v", id, err)
			}
			now := time.Now().UTC()
			h.batch.State = types.BatchFailed
			h.batch.FinishedAt = &now
			report.AutoReversed = append(report.AutoReversed, id)
		} else if moved > 0 {
			report.AutoReversed = append(report.AutoReversed, id)
		}
	}

	e.mu.Lock()
	e.batches = batches
	e.order = order
	e.mu.Unlock()

	if len(report.AutoReversed) > 0 || report.Conflicts > 0 {
		log.Printf("checkpoint: recovery replayed %d batches, reversed %d operations across %d batches (%d conflicts)",
			report.BatchesReplayed, report.OperationsReversed, len(report.AutoReversed), report.Conflicts)
	}
	return report, nil
}
