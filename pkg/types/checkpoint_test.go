package types_test

import (
	"testing"

	"github.com/solastral/reverie/pkg/types"
)

// TestBatchStateTerminal verifies which batch states admit no further
// transitions.
func TestBatchStateTerminal(t *testing.T) {
	tests := []struct {
		state    types.BatchState
		terminal bool
	}{
		{types.BatchOpen, false},
		{types.BatchSealed, false},
		{types.BatchRolledBack, true},
		{types.BatchPartiallyRolledBack, true},
		{types.BatchFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if tt.state.Terminal() != tt.terminal {
				t.Errorf("Terminal(%q) = %v, want %v", tt.state, tt.state.Terminal(), tt.terminal)
			}
		})
	}
}

// TestBatchStateTransitions_Valid tests the permitted batch state machine
// moves: open batches seal or fail, sealed batches roll back fully or partially.
func TestBatchStateTransitions_Valid(t *testing.T) {
	tests := []struct {
		name string
		from types.BatchState
		to   types.BatchState
	}{
		{"open_to_sealed", types.BatchOpen, types.BatchSealed},
		{"open_to_failed", types.BatchOpen, types.BatchFailed},
		{"sealed_to_rolled_back", types.BatchSealed, types.BatchRolledBack},
		{"sealed_to_partially_rolled_back", types.BatchSealed, types.BatchPartiallyRolledBack},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.from.CanTransitionTo(tt.to) {
				t.Errorf("CanTransitionTo(%q -> %q) = false, want true", tt.from, tt.to)
			}
		})
	}
}

// TestBatchStateTransitions_Invalid tests that forbidden moves are rejected,
// including every move out of a terminal state.
func TestBatchStateTransitions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		from types.BatchState
		to   types.BatchState
	}{
		{"open_to_rolled_back", types.BatchOpen, types.BatchRolledBack},
		{"open_to_partially_rolled_back", types.BatchOpen, types.BatchPartiallyRolledBack},
		{"open_to_open", types.BatchOpen, types.BatchOpen},
		{"sealed_to_failed", types.BatchSealed, types.BatchFailed},
		{"sealed_to_open", types.BatchSealed, types.BatchOpen},
		{"rolled_back_to_sealed", types.BatchRolledBack, types.BatchSealed},
		{"rolled_back_to_open", types.BatchRolledBack, types.BatchOpen},
		{"partially_rolled_back_to_rolled_back", types.BatchPartiallyRolledBack, types.BatchRolledBack},
		{"failed_to_open", types.BatchFailed, types.BatchOpen},
		{"failed_to_sealed", types.BatchFailed, types.BatchSealed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.from.CanTransitionTo(tt.to) {
				t.Errorf("CanTransitionTo(%q -> %q) = true, want false", tt.from, tt.to)
			}
		})
	}
}
