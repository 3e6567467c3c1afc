package checkpoint

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/solastral/reverie/pkg/types"
)

// RecordOperation journals one move and then performs it, in that order, so
// the journal never lags the filesystem. On any failure past validation the
// batch fails and every previously applied operation is reversed before the
// error returns.
func (e *Engine) RecordOperation(ctx context.Context, batchID string, req OperationRequest) (*types.Operation, error) {
	if req.Source == "" || req.Destination == "" {
		return nil, fmt.Errorf("checkpoint: source and destination are required")
	}
	// Paths are stored absolute so rollback works regardless of the working
	// directory the process restarts in.
	src, err := filepath.Abs(req.Source)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to resolve source path: %w", err)
	}
	dst, err := filepath.Abs(req.Destination)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to resolve destination path: %w", err)
	}
	if src == dst {
		return nil, fmt.Errorf("checkpoint: source and destination are the same path")
	}

	h, err := e.handle(batchID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancelled {
		return nil, fmt.Errorf("checkpoint: batch %s: %w", batchID, ErrBatchCancelled)
	}
	if h.batch.State != types.BatchOpen {
		return nil, fmt.Errorf("checkpoint: batch %s is %s: %w", batchID, h.batch.State, ErrBatchSealed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	op, err := e.applyOperation(h, src, dst, req)
	if err != nil {
		e.failBatch(h, err)
		return nil, err
	}

	if e.reindexer != nil {
		if rerr := e.reindexer.ReindexMove(ctx, *op); rerr != nil {
			log.Printf("checkpoint: WARNING reindex after move failed for %s: %v", op.DestinationPath, rerr)
		}
	}
	return op, nil
}

// applyOperation checksums the source, journals the op, and moves the file.
// The caller holds the batch mutex.
func (e *Engine) applyOperation(h *batchHandle, src, dst string, req OperationRequest) (*types.Operation, error) {
	unlock := e.locks.lockPaths(src, dst)
	defer unlock()

	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: source %s: %w", src, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("checkpoint: source %s is a directory", src)
	}
	if _, err := os.Stat(dst); err == nil {
		return nil, fmt.Errorf("checkpoint: destination %s already exists", dst)
	}

	sum, err := fileChecksum(src)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}

	op := types.Operation{
		Seq:             len(h.batch.Operations),
		SourcePath:      src,
		DestinationPath: dst,
		Category:        req.Category,
		Reason:          req.Reason,
		Checksum:        sum,
		AppliedAt:       time.Now().UTC(),
	}
	if err := e.journal.append(journalEvent{Event: eventOperation, BatchID: h.batch.ID, Op: &op}); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	if err := moveFile(src, dst); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	h.batch.Operations = append(h.batch.Operations, op)
	return &op, nil
}

// failBatch reverses every applied operation LIFO and marks the batch
// failed. The caller holds the batch mutex and no path locks.
func (e *Engine) failBatch(h *batchHandle, cause error) {
	log.Printf("checkpoint: batch %s failed (%v), reversing %d applied operations",
		h.batch.ID, cause, len(h.batch.Operations))

	e.reverseBatchOperations(h)

	if err := e.journal.append(journalEvent{Event: eventBatchFailed, BatchID: h.batch.ID, Reason: cause.Error()}); err != nil {
		log.Printf("checkpoint: WARNING failed to journal batch failure for %s: %v", h.batch.ID, err)
	}
	now := time.Now().UTC()
	h.batch.State = types.BatchFailed
	h.batch.FinishedAt = &now
}
