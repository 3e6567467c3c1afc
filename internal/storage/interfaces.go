// Package storage provides composable storage interfaces for the Reverie core.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. The structured record
// store is the single source of truth; the embedding index and the
// relationship graph are derived projections that are always rebuildable
// from it.
package storage

import (
	"context"
	"time"

	"github.com/solastral/reverie/pkg/types"
)

// RecordStore is the authoritative, durable ledger of memory records.
// Writes are durable before Put returns; the other stores only ever
// reference records by id.
type RecordStore interface {
	// Put creates or updates a record with optimistic concurrency control.
	// A record with Version 0 is created (and assigned Version 1 plus an ID
	// if it has none). An update must carry the current version; a stale
	// version fails with ErrVersionConflict and never overwrites.
	Put(ctx context.Context, record *types.MemoryRecord) error

	// Get retrieves a live record by ID.
	// Returns ErrNotFound for missing or soft-deleted records.
	Get(ctx context.Context, id string) (*types.MemoryRecord, error)

	// Query retrieves records matching the filter, paginated.
	// Soft-deleted records are excluded unless the filter asks for them.
	Query(ctx context.Context, filter RecordFilter) (*PaginatedResult[*types.MemoryRecord], error)

	// SoftDelete tombstones a record by setting its deleted_at timestamp.
	// Returns ErrNotFound if the record doesn't exist.
	SoftDelete(ctx context.Context, id string) error

	// SetIndexStates updates the secondary index bookkeeping for a record
	// without bumping its version. Zero-value states are left unchanged.
	SetIndexStates(ctx context.Context, id string, embedding, graph types.IndexState) error

	// ListPendingIndex returns live records whose embedding or graph state is
	// pending or failed and whose last write is older than the grace window.
	// Used by the repair pass to re-drive secondary indexing.
	ListPendingIndex(ctx context.Context, grace time.Duration, limit int) ([]*types.MemoryRecord, error)

	// ListIDs returns the ids of all live records, paginated by offset.
	// Used by full index rebuilds and drift detection.
	ListIDs(ctx context.Context, offset, limit int) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// EmbeddingIndex stores and searches vector embeddings keyed by record id.
// Entries may lag behind the record store; search never blocks on repair.
type EmbeddingIndex interface {
	// Upsert stores the embedding for a record, replacing any previous vector.
	Upsert(ctx context.Context, recordID string, vector []float32, model string) error

	// Get retrieves the embedding for a record.
	// Returns ErrNotFound if no embedding has been stored.
	Get(ctx context.Context, recordID string) ([]float32, error)

	// Delete removes the embedding for a record. Missing entries are not an error.
	Delete(ctx context.Context, recordID string) error

	// Search returns up to k record ids ranked by cosine similarity to the
	// query vector, most similar first.
	Search(ctx context.Context, vector []float32, k int) ([]VectorMatch, error)

	// PurgeOrphans removes embeddings whose record is gone or tombstoned.
	// Returns the number of entries removed.
	PurgeOrphans(ctx context.Context) (int64, error)
}

// GraphStore manages the typed, weighted relationship graph. Nodes and
// edges are arena-indexed (integer ids); the graph holds relations and never
// owns the entities it references.
type GraphStore interface {
	// AddNode upserts a node identified by (kind, key) and returns its arena
	// id. Re-adding an existing node refreshes its label and returns the
	// existing id.
	AddNode(ctx context.Context, kind types.NodeKind, key, label, recordID string) (int64, error)

	// GetNode resolves a node by (kind, key).
	// Returns ErrNotFound if the node doesn't exist.
	GetNode(ctx context.Context, kind types.NodeKind, key string) (*types.GraphNode, error)

	// AddEdge upserts a directed edge. Edges are deduplicated by
	// (source, target, relation); a duplicate add merges the weight into the
	// existing edge rather than failing or duplicating.
	AddEdge(ctx context.Context, sourceID, targetID int64, relation string, weight float64) error

	// Neighbors performs a depth-bounded breadth-first traversal from a node,
	// following edges in both directions.
	Neighbors(ctx context.Context, nodeID int64, bounds TraversalBounds) (*TraversalResult, error)

	// EdgesFrom lists the outgoing edges of a node.
	EdgesFrom(ctx context.Context, nodeID int64) ([]*types.GraphEdge, error)

	// RemoveOrphans deletes nodes whose referenced record is gone or
	// tombstoned, along with their edges. Nodes without a record reference
	// (files, free-standing concepts) are kept. Returns removed node and
	// edge counts.
	RemoveOrphans(ctx context.Context) (nodes int64, edges int64, err error)
}

// VectorMatch is a single semantic search hit.
type VectorMatch struct {
	// RecordID is the id of the matched record.
	RecordID string

	// Score is the cosine similarity in [-1, 1], higher is more similar.
	Score float64
}
