package checkpoint

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/solastral/reverie/pkg/types"
)

// Rollback reverses a sealed batch in LIFO order. Each reversal verifies
// the destination still holds the recorded checksum before moving it back;
// a conflict marks that operation failed and the remainder is still
// attempted. Rolling back a batch already in a terminal state is a no-op
// with an empty report. Rolling back an open batch is an error.
func (e *Engine) Rollback(ctx context.Context, batchID string) (*types.RollbackReport, error) {
	h, err := e.handle(batchID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	report := &types.RollbackReport{BatchID: batchID}

	if h.batch.State.Terminal() {
		report.FinalState = h.batch.State
		return report, nil
	}
	if h.batch.State == types.BatchOpen {
		return nil, fmt.Errorf("checkpoint: batch %s is still open, commit or cancel it first: %w", batchID, ErrBatchOpen)
	}

	log.Printf("checkpoint: rolling back batch %s (%d operations)", batchID, len(h.batch.Operations))

	for i := len(h.batch.Operations) - 1; i >= 0; i-- {
		outcome, _ := e.reverseOperation(h.batch.Operations[i])
		if outcome.Err != "" {
			report.Failed = append(report.Failed, outcome)
		} else {
			report.Reversed = append(report.Reversed, outcome)
		}
	}

	final := types.BatchRolledBack
	if len(report.Failed) > 0 {
		final = types.BatchPartiallyRolledBack
	}
	if err := e.journal.append(journalEvent{Event: eventBatchRolledBack, BatchID: batchID, FinalState: final}); err != nil {
		log.Printf("checkpoint: WARNING failed to journal rollback of batch %s: %v", batchID, err)
	}
	now := time.Now().UTC()
	h.batch.State = final
	h.batch.FinishedAt = &now
	report.FinalState = final

	log.Printf("checkpoint: batch %s rollback finished: %d reversed, %d failed, state %s",
		batchID, len(report.Reversed), len(report.Failed), final)
	return report, nil
}

// reverseOperation moves one journaled move back. The returned outcome has
// Err set when the filesystem no longer matches the journal: destination
// missing or modified, or the original path holding different content. A
// file already back where it started counts as reversed without a move; the
// bool reports whether a move actually happened.
func (e *Engine) reverseOperation(op types.Operation) (types.OperationOutcome, bool) {
	outcome := types.OperationOutcome{
		Seq:             op.Seq,
		SourcePath:      op.SourcePath,
		DestinationPath: op.DestinationPath,
	}
	fail := func(err error) (types.OperationOutcome, bool) {
		outcome.Err = err.Error()
		return outcome, false
	}

	unlock := e.locks.lockPaths(op.SourcePath, op.DestinationPath)
	defer unlock()

	if _, err := os.Stat(op.DestinationPath); err != nil {
		if !os.IsNotExist(err) {
			return fail(fmt.Errorf("failed to stat %s: %w", op.DestinationPath, err))
		}
		// The file may already be back where it started: a reversal that
		// never got journaled, or a move journaled but interrupted before
		// it happened.
		if sum, cerr := fileChecksum(op.SourcePath); cerr == nil && sum == op.Checksum {
			return outcome, false
		}
		return fail(fmt.Errorf("destination %s is missing: %w", op.DestinationPath, ErrRollbackConflict))
	}

	sum, err := fileChecksum(op.DestinationPath)
	if err != nil {
		return fail(err)
	}
	if sum != op.Checksum {
		return fail(fmt.Errorf("destination %s was modified after the move: %w", op.DestinationPath, ErrRollbackConflict))
	}

	if _, err := os.Stat(op.SourcePath); err == nil {
		srcSum, cerr := fileChecksum(op.SourcePath)
		if cerr != nil {
			return fail(cerr)
		}
		if srcSum != op.Checksum {
			return fail(fmt.Errorf("original path %s is occupied by different content: %w", op.SourcePath, ErrRollbackConflict))
		}
	}

	if err := moveFile(op.DestinationPath, op.SourcePath); err != nil {
		return fail(err)
	}
	return outcome, true
}

// reverseBatchOperations walks a batch LIFO and undoes whatever actually
// happened. Returns how many files moved back and how many reversals hit
// conflicts.
func (e *Engine) reverseBatchOperations(h *batchHandle) (moved, conflicts int) {
	for i := len(h.batch.Operations) - 1; i >= 0; i-- {
		op := h.batch.Operations[i]
		outcome, didMove := e.reverseOperation(op)
		if outcome.Err != "" {
			conflicts++
			log.Printf("checkpoint: WARNING could not reverse %s -> %s: %s",
				op.SourcePath, op.DestinationPath, outcome.Err)
			continue
		}
		if didMove {
			moved++
		}
	}
	return moved, conflicts
}
