package checkpoint

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solastral/reverie/pkg/types"
)

// Engine records batches of reversible filesystem moves. Every state change
// is appended to the journal before it takes effect, so Recover can rebuild
// the full batch history after a restart and reverse anything left
// mid-flight.
//
// Operations within a batch are sequential. Distinct batches may run
// concurrently; per-path locks serialize access to the same file.
type Engine struct {
	journal   *journal
	reindexer Reindexer
	locks     *pathLocks

	mu      sync.Mutex
	batches map[string]*batchHandle
	order   []string // Batch ids, oldest first
}

// batchHandle pairs a batch with the mutex serializing its operations.
type batchHandle struct {
	mu        sync.Mutex
	batch     *types.CheckpointBatch
	cancelled bool
}

// NewEngine opens (creating if needed) the journal at journalPath. The
// reindexer may be nil. Call Recover before recording new batches so sealed
// history is available for rollback.
func NewEngine(journalPath string, reindexer Reindexer) (*Engine, error) {
	if journalPath == "" {
		return nil, fmt.Errorf("checkpoint: journal path is required")
	}
	j, err := openJournal(journalPath)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return &Engine{
		journal:   j,
		reindexer: reindexer,
		locks:     newPathLocks(),
		batches:   make(map[string]*batchHandle),
	}, nil
}

// Close releases the journal file handle.
func (e *Engine) Close() error {
	return e.journal.close()
}

// BeginBatch opens a new batch and journals it. The returned batch is a
// snapshot; use its ID with RecordOperation and CommitBatch.
func (e *Engine) BeginBatch(ctx context.Context, actionType, description string) (*types.CheckpointBatch, error) {
	if actionType == "" {
		return nil, fmt.Errorf("checkpoint: action type is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch := &types.CheckpointBatch{
		ID:          uuid.NewString(),
		ActionType:  actionType,
		Description: description,
		State:       types.BatchOpen,
		CreatedAt:   time.Now().UTC(),
	}
	ev := journalEvent{
		Event:       eventBatchOpened,
		BatchID:     batch.ID,
		ActionType:  actionType,
		Description: description,
	}
	if err := e.journal.append(ev); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}

	e.mu.Lock()
	e.batches[batch.ID] = &batchHandle{batch: batch}
	e.order = append(e.order, batch.ID)
	e.mu.Unlock()

	log.Printf("checkpoint: batch %s opened (%s: %s)", batch.ID, actionType, description)
	return snapshotBatch(batch), nil
}

// CommitBatch seals an open batch. Sealed batches are immutable and become
// eligible for rollback.
func (e *Engine) CommitBatch(ctx context.Context, batchID string) error {
	h, err := e.handle(batchID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.batch.State != types.BatchOpen {
		return fmt.Errorf("checkpoint: batch %s is %s: %w", batchID, h.batch.State, ErrBatchSealed)
	}
	if err := e.journal.append(journalEvent{Event: eventBatchSealed, BatchID: batchID}); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	now := time.Now().UTC()
	h.batch.State = types.BatchSealed
	h.batch.SealedAt = &now
	log.Printf("checkpoint: batch %s sealed with %d operations", batchID, len(h.batch.Operations))
	return nil
}

// CancelBatch stops an open batch: it seals at the last completed operation
// and later RecordOperation calls return ErrBatchCancelled. An in-flight
// operation finishes first. Cancelling a batch that already left the open
// state is a no-op; the sealed batch rolls back like any other.
func (e *Engine) CancelBatch(ctx context.Context, batchID string) error {
	h, err := e.handle(batchID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancelled || h.batch.State != types.BatchOpen {
		h.cancelled = true
		return nil
	}
	if err := e.journal.append(journalEvent{Event: eventBatchSealed, BatchID: batchID, Cancelled: true}); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	now := time.Now().UTC()
	h.cancelled = true
	h.batch.State = types.BatchSealed
	h.batch.SealedAt = &now
	log.Printf("checkpoint: batch %s cancelled after %d operations", batchID, len(h.batch.Operations))
	return nil
}

// ListBatches returns every known batch, newest first.
func (e *Engine) ListBatches(ctx context.Context) ([]*types.CheckpointBatch, error) {
	e.mu.Lock()
	handles := make([]*batchHandle, 0, len(e.order))
	for i := len(e.order) - 1; i >= 0; i-- {
		handles = append(handles, e.batches[e.order[i]])
	}
	e.mu.Unlock()

	out := make([]*types.CheckpointBatch, 0, len(handles))
	for _, h := range handles {
		h.mu.Lock()
		out = append(out, snapshotBatch(h.batch))
		h.mu.Unlock()
	}
	return out, nil
}

// GetBatch returns a snapshot of one batch.
func (e *Engine) GetBatch(ctx context.Context, batchID string) (*types.CheckpointBatch, error) {
	h, err := e.handle(batchID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return snapshotBatch(h.batch), nil
}

func (e *Engine) handle(batchID string) (*batchHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("checkpoint: batch %s: %w", batchID, ErrBatchNotFound)
	}
	return h, nil
}

// snapshotBatch copies a batch so callers cannot mutate engine state.
func snapshotBatch(b *types.CheckpointBatch) *types.CheckpointBatch {
	out := *b
	out.Operations = append([]types.Operation(nil), b.Operations...)
	if b.SealedAt != nil {
		t := *b.SealedAt
		out.SealedAt = &t
	}
	if b.FinishedAt != nil {
		t := *b.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}
