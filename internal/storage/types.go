package storage

import (
	"errors"
	"time"

	"github.com/solastral/reverie/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrVersionConflict indicates that a Put carried a stale version and was
	// rejected. The caller must re-read the record and retry.
	ErrVersionConflict = errors.New("version conflict")
)

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	// Items is the slice of results for the current page.
	Items []T

	// Total is the total number of items across all pages.
	Total int

	// Page is the current page number (1-indexed).
	Page int

	// PageSize is the number of items per page.
	PageSize int

	// HasMore indicates whether there are more pages available.
	HasMore bool
}

// RecordFilter provides pagination and filtering for record queries.
type RecordFilter struct {
	// Page is the page number to retrieve (1-indexed, default: 1).
	Page int

	// Limit is the number of items per page (default: 10, max: 100).
	Limit int

	// SortBy specifies the field to sort by (e.g., "created_at", "updated_at").
	SortBy string

	// SortOrder specifies the sort direction ("asc" or "desc", default: "desc").
	SortOrder string

	// Type filters by record type. Empty string means no filter.
	Type types.RecordType

	// Project filters by project tag. Empty string means no filter.
	Project string

	// Keyword filters by content match. SQLite backends use FTS5; others may
	// fall back to substring matching. Empty string means no filter.
	Keyword string

	// CreatedAfter filters to records created strictly after this time.
	// Zero value means no lower bound.
	CreatedAfter time.Time

	// CreatedBefore filters to records created strictly before this time.
	// Zero value means no upper bound.
	CreatedBefore time.Time

	// IncludeDeleted includes soft-deleted records in results.
	// By default (false), tombstoned records are excluded from all queries.
	IncludeDeleted bool

	// PendingOnly restricts results to records whose secondary indexing has
	// not completed (embedding or graph state not ready).
	PendingOnly bool
}

// Normalize applies defaults and validates the RecordFilter.
func (f *RecordFilter) Normalize() {
	// Whitelist validation for SortBy to prevent SQL injection
	allowedSortFields := map[string]bool{
		"created_at": true,
		"updated_at": true,
		"id":         true,
		"type":       true,
		"project":    true,
	}

	if !allowedSortFields[f.SortBy] {
		f.SortBy = "updated_at" // Default sort field
	}

	if f.SortOrder != "asc" && f.SortOrder != "desc" {
		f.SortOrder = "desc" // Default sort order
	}

	if f.Page < 1 {
		f.Page = 1
	}

	if f.Limit < 1 {
		f.Limit = 10 // Default limit
	}

	if f.Limit > 100 {
		f.Limit = 100 // Max limit
	}
}

// Offset calculates the offset for SQL queries based on page and limit.
func (f *RecordFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// TraversalBounds prevents unbounded graph walks on pathological structures.
type TraversalBounds struct {
	// MaxDepth is the maximum number of hops from the starting node
	// (default: 2, cap: 5).
	MaxDepth int

	// MaxNodes is the maximum number of nodes to return (default: 100, cap: 1000).
	MaxNodes int

	// Relations restricts traversal to the given relation types.
	// Empty means all relations.
	Relations []string

	// Timeout is the maximum duration for the traversal operation.
	Timeout time.Duration
}

// Normalize applies defaults and validates the TraversalBounds.
func (b *TraversalBounds) Normalize() {
	if b.MaxDepth < 1 {
		b.MaxDepth = 2 // Default traversal depth
	}

	if b.MaxDepth > 5 {
		b.MaxDepth = 5 // Cap depth
	}

	if b.MaxNodes < 1 {
		b.MaxNodes = 100 // Default max nodes
	}

	if b.MaxNodes > 1000 {
		b.MaxNodes = 1000 // Cap max nodes
	}

	if b.Timeout == 0 {
		b.Timeout = 10 * time.Second // Default timeout
	}

	if b.Timeout > time.Minute {
		b.Timeout = time.Minute // Cap timeout
	}
}

// AllowsRelation reports whether the bounds permit traversing an edge of the
// given relation type. An empty relation filter permits everything.
func (b *TraversalBounds) AllowsRelation(relation string) bool {
	if len(b.Relations) == 0 {
		return true
	}
	for _, r := range b.Relations {
		if r == relation {
			return true
		}
	}
	return false
}

// TraversalNode is a node discovered during graph traversal, annotated with
// its hop distance from the start.
type TraversalNode struct {
	// Node is the discovered graph node.
	Node *types.GraphNode

	// Depth is the number of hops from the starting node (1 = direct neighbor).
	Depth int

	// Via is the relation type of the edge that first reached this node.
	Via string
}

// TraversalResult is the outcome of a bounded traversal.
type TraversalResult struct {
	// Nodes are the discovered nodes ordered by depth ascending, then by the
	// weight of the edge that reached them descending.
	Nodes []TraversalNode

	// BoundsReached lists which bounds stopped the walk ("max_depth",
	// "max_nodes", "timeout"), empty when the frontier was exhausted.
	BoundsReached []string
}
