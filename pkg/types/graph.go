package types

import "time"

// GraphNode is an entity in the relationship graph. Nodes are arena-indexed:
// the integer ID is the row id of a fixed-shape table, and callers address a
// node by its (Kind, Key) pair. A node may reference the record it was derived
// from, but the graph never owns the record.
type GraphNode struct {
	ID        int64     `json:"id"`                  // Arena index (integer row id)
	Kind      NodeKind  `json:"kind"`                // Node kind (file, project, person, concept)
	Key       string    `json:"key"`                 // External reference: record id, path, or name
	Label     string    `json:"label,omitempty"`     // Display label
	RecordID  string    `json:"record_id,omitempty"` // Originating record, if any
	CreatedAt time.Time `json:"created_at"`
}

// GraphEdge is a directed, weighted link between two nodes. Edges are
// deduplicated by (SourceID, TargetID, Relation); re-adding an existing edge
// merges the weight instead of creating a duplicate.
type GraphEdge struct {
	ID        int64     `json:"id"`
	SourceID  int64     `json:"source_id"`
	TargetID  int64     `json:"target_id"`
	Relation  string    `json:"relation"`
	Weight    float64   `json:"weight"` // Confidence weight (0.0-1.0]
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
