package types

import "time"

// BatchState is the lifecycle state of a checkpoint batch.
type BatchState string

// Batch state constants
const (
	// BatchOpen accepts record_operation calls; the only mutable state
	BatchOpen BatchState = "open"

	// BatchSealed is reached by commit_batch; the operation list is frozen
	BatchSealed BatchState = "sealed"

	// BatchRolledBack means every operation was reversed cleanly
	BatchRolledBack BatchState = "rolled_back"

	// BatchPartiallyRolledBack means some reversals hit conflicts and were
	// skipped; the rest were reversed
	BatchPartiallyRolledBack BatchState = "partially_rolled_back"

	// BatchFailed is reached from open when an operation could not complete;
	// prior operations were auto-reversed
	BatchFailed BatchState = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchRolledBack, BatchPartiallyRolledBack, BatchFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Open batches may seal or fail; sealed batches may roll back (fully or
// partially); terminal states admit nothing.
func (s BatchState) CanTransitionTo(next BatchState) bool {
	switch s {
	case BatchOpen:
		return next == BatchSealed || next == BatchFailed
	case BatchSealed:
		return next == BatchRolledBack || next == BatchPartiallyRolledBack
	}
	return false
}

// Operation is one reversible filesystem move inside a checkpoint batch.
// Operations are appended only while the batch is open and are never mutated
// after sealing; rollback inverts them in LIFO order.
type Operation struct {
	Seq             int       `json:"seq"`              // Position within the batch, starting at 0
	SourcePath      string    `json:"source_path"`      // Path before the move
	DestinationPath string    `json:"destination_path"` // Path after the move
	Category        string    `json:"category,omitempty"` // Organizer category (e.g. "Documents")
	Reason          string    `json:"reason,omitempty"`   // Human-readable justification
	Checksum        string    `json:"checksum"`           // SHA-256 of file content at move time
	AppliedAt       time.Time `json:"applied_at"`
}

// CheckpointBatch is a group of reversible filesystem operations recorded
// under one id. Batches move through open -> sealed -> rolled_back, with
// failed reachable only from open and partially_rolled_back only from sealed.
type CheckpointBatch struct {
	ID          string      `json:"id"`          // UUID assigned at begin_batch
	ActionType  string      `json:"action_type"` // Caller-defined action class (e.g. "organize")
	Description string      `json:"description"` // Human-readable summary
	State       BatchState  `json:"state"`
	CreatedAt   time.Time   `json:"created_at"`
	SealedAt    *time.Time  `json:"sealed_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"` // When a terminal state was reached
	Operations  []Operation `json:"operations"`
}

// OperationOutcome records the result of reversing a single operation.
type OperationOutcome struct {
	Seq             int    `json:"seq"`
	SourcePath      string `json:"source_path"`
	DestinationPath string `json:"destination_path"`
	Err             string `json:"error,omitempty"` // Empty when the reversal succeeded
}

// RollbackReport is the structured result of a rollback call: which
// operations were reversed, which hit conflicts, and the state the batch
// ended in. A repeat rollback of a finished batch yields an empty report.
type RollbackReport struct {
	BatchID    string             `json:"batch_id"`
	Reversed   []OperationOutcome `json:"reversed"`
	Failed     []OperationOutcome `json:"failed"`
	FinalState BatchState         `json:"final_state"`
}
