// Package checkpoint makes batches of filesystem moves reversible. Every
// move is journaled before it happens; sealed batches can be rolled back in
// LIFO order, and batches interrupted by a crash are reversed on the next
// start.
package checkpoint

import (
	"context"
	"errors"

	"github.com/solastral/reverie/pkg/types"
)

var (
	// ErrBatchNotFound indicates no batch with the given id exists.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrBatchSealed indicates the batch no longer accepts operations.
	ErrBatchSealed = errors.New("batch sealed")

	// ErrBatchOpen indicates a rollback was requested while the batch is
	// still accepting operations. Commit or cancel it first.
	ErrBatchOpen = errors.New("batch still open")

	// ErrBatchCancelled indicates CancelBatch stopped the batch; it was
	// sealed at the last completed operation.
	ErrBatchCancelled = errors.New("batch cancelled")

	// ErrRollbackConflict indicates the filesystem no longer matches the
	// journal: the moved file is missing or modified, or the original path
	// now holds different content.
	ErrRollbackConflict = errors.New("rollback conflict")
)

// OperationRequest describes one move for RecordOperation.
type OperationRequest struct {
	Source      string // Current path of the file
	Destination string // Path to move it to
	Category    string // Optional category label (e.g. "Documents")
	Reason      string // Optional human-readable justification
}

// Reindexer is notified after every applied move so secondary indexes can
// follow the file to its new location. Errors are logged, never propagated;
// the move stands regardless.
type Reindexer interface {
	ReindexMove(ctx context.Context, op types.Operation) error
}

// RecoveryReport summarizes what Recover found and fixed.
type RecoveryReport struct {
	// BatchesReplayed counts every batch reconstructed from the journal.
	BatchesReplayed int `json:"batches_replayed"`

	// AutoReversed lists batches whose operations had to be reversed
	// because the batch never sealed.
	AutoReversed []string `json:"auto_reversed,omitempty"`

	// OperationsReversed counts files actually moved back.
	OperationsReversed int `json:"operations_reversed"`

	// Conflicts counts reversals skipped because the filesystem no longer
	// matched the journal.
	Conflicts int `json:"conflicts"`
}
