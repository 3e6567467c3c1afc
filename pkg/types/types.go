// Package types defines the core data structures for the Reverie memory core.
// These types represent memory records, graph nodes and edges, and checkpoint
// batches, shared between the storage backends and the coordinating engines.
package types

// RecordType classifies the purpose of a memory record.
type RecordType string

// Record type constants - the tagged variants a record may carry.
const (
	// RecordTypeNote is free-form prose captured by a caller
	RecordTypeNote RecordType = "note"

	// RecordTypeTask is an actionable work item
	RecordTypeTask RecordType = "task"

	// RecordTypeProject is a project description or summary
	RecordTypeProject RecordType = "project"

	// RecordTypeFact is a standalone fact, including file-index entries
	RecordTypeFact RecordType = "fact"
)

// ValidRecordTypes is a slice of all valid record types for validation
var ValidRecordTypes = []RecordType{
	RecordTypeNote,
	RecordTypeTask,
	RecordTypeProject,
	RecordTypeFact,
}

// IsValidRecordType checks if the given record type is valid
func IsValidRecordType(t RecordType) bool {
	for _, valid := range ValidRecordTypes {
		if valid == t {
			return true
		}
	}
	return false
}

// IndexState tracks one secondary index (embedding or graph) for a record.
type IndexState string

// Index state constants
const (
	// IndexPending indicates the secondary write is queued or in flight
	IndexPending IndexState = "pending"

	// IndexReady indicates the secondary write succeeded
	IndexReady IndexState = "ready"

	// IndexFailed indicates the secondary write failed after retries
	IndexFailed IndexState = "failed"
)

// IsValidIndexState checks if the given index state is valid
func IsValidIndexState(s IndexState) bool {
	switch s {
	case IndexPending, IndexReady, IndexFailed:
		return true
	}
	return false
}

// NodeKind classifies a graph node.
type NodeKind string

// Node kind constants - the entity kinds the relationship graph links.
const (
	// NodeKindFile is a filesystem path known to the system
	NodeKindFile NodeKind = "file"

	// NodeKindProject is a project tag
	NodeKindProject NodeKind = "project"

	// NodeKindPerson is a person mentioned in record content
	NodeKindPerson NodeKind = "person"

	// NodeKindConcept is an abstract topic or category
	NodeKindConcept NodeKind = "concept"
)

// ValidNodeKinds is a slice of all valid node kinds for validation
var ValidNodeKinds = []NodeKind{
	NodeKindFile,
	NodeKindProject,
	NodeKindPerson,
	NodeKindConcept,
}

// IsValidNodeKind checks if the given node kind is valid
func IsValidNodeKind(k NodeKind) bool {
	for _, valid := range ValidNodeKinds {
		if valid == k {
			return true
		}
	}
	return false
}

// Relation type constants - the edge labels used by the relationship graph.
const (
	// RelMentions links a record to an entity found in its content
	RelMentions = "mentions"

	// RelBelongsTo links a record or file to its project
	RelBelongsTo = "belongs_to"

	// RelFiledUnder links a moved file to its destination category
	RelFiledUnder = "filed_under"

	// RelRelatesTo is the generic association between two entities
	RelRelatesTo = "relates_to"

	// RelSupersedes links a record to the one it replaces
	RelSupersedes = "supersedes"
)

// ValidRelations is a slice of all valid relation types for validation
var ValidRelations = []string{
	RelMentions,
	RelBelongsTo,
	RelFiledUnder,
	RelRelatesTo,
	RelSupersedes,
}

// IsValidRelation checks if the given relation type is valid
func IsValidRelation(relation string) bool {
	for _, valid := range ValidRelations {
		if valid == relation {
			return true
		}
	}
	return false
}
