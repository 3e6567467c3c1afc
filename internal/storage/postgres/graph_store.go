package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/solastral/reverie/internal/storage"
	"github.com/solastral/reverie/pkg/types"
)

// GraphStore implements storage.GraphStore on PostgreSQL. Same arena model
// as the SQLite engine: integer primary keys are the stable node handles,
// (kind, key) is the lookup address.
type GraphStore struct {
	db *sql.DB
}

// NewGraphStore creates a graph store over the store's database.
func NewGraphStore(store *Store) *GraphStore {
	return &GraphStore{db: store.db}
}

// Ensure *GraphStore implements storage.GraphStore at compile time.
var _ storage.GraphStore = (*GraphStore)(nil)

// AddNode upserts a node identified by (kind, key) and returns its arena id.
func (g *GraphStore) AddNode(ctx context.Context, kind types.NodeKind, key, label, recordID string) (int64, error) {
	if !types.IsValidNodeKind(kind) {
		return 0, fmt.Errorf("%w: invalid node kind: %s", storage.ErrInvalidInput, kind)
	}
	if key == "" {
		return 0, fmt.Errorf("%w: node key is required", storage.ErrInvalidInput)
	}

	query := `
		INSERT INTO nodes (kind, key, label, record_id, created_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT(kind, key) DO UPDATE SET
			label = CASE WHEN excluded.label != '' THEN excluded.label ELSE nodes.label END,
			record_id = COALESCE(excluded.record_id, nodes.record_id)
		RETURNING id
	`

	var id int64
	err := g.db.QueryRowContext(ctx, query,
		string(kind), key, label, nullableString(recordID)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to upsert node: %w", err)
	}
	return id, nil
}

// GetNode resolves a node by (kind, key).
func (g *GraphStore) GetNode(ctx context.Context, kind types.NodeKind, key string) (*types.GraphNode, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: node key is required", storage.ErrInvalidInput)
	}

	node, err := g.scanNode(g.db.QueryRowContext(ctx, `
		SELECT id, kind, key, label, record_id, created_at
		FROM nodes WHERE kind = $1 AND key = $2`, string(kind), key))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get node: %w", err)
	}
	return node, nil
}

// AddEdge upserts a directed edge; duplicates merge by replacing the weight.
func (g *GraphStore) AddEdge(ctx context.Context, sourceID, targetID int64, relation string, weight float64) error {
	if sourceID < 1 || targetID < 1 {
		return fmt.Errorf("%w: edge endpoints must be valid node ids", storage.ErrInvalidInput)
	}
	if !types.IsValidRelation(relation) {
		return fmt.Errorf("%w: invalid relation: %s", storage.ErrInvalidInput, relation)
	}
	if weight <= 0 {
		weight = 1.0
	}

	query := `
		INSERT INTO edges (source_id, target_id, relation, weight, created_at, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(source_id, target_id, relation) DO UPDATE SET
			weight = excluded.weight,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := g.db.ExecContext(ctx, query, sourceID, targetID, relation, weight); err != nil {
		return fmt.Errorf("postgres: failed to upsert edge: %w", err)
	}
	return nil
}

// Neighbors performs a breadth-first walk from nodeID, following edges in
// both directions. Same algorithm and bound semantics as the SQLite engine.
func (g *GraphStore) Neighbors(ctx context.Context, nodeID int64, bounds storage.TraversalBounds) (*storage.TraversalResult, error) {
	if nodeID < 1 {
		return nil, fmt.Errorf("%w: node id is required", storage.ErrInvalidInput)
	}
	bounds.Normalize()

	ctx, cancel := context.WithTimeout(ctx, bounds.Timeout)
	defer cancel()

	var exists int
	err := g.db.QueryRowContext(ctx, "SELECT 1 FROM nodes WHERE id = $1", nodeID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to check start node: %w", err)
	}

	type discovered struct {
		depth  int
		via    string
		weight float64
	}

	visited := map[int64]bool{nodeID: true}
	found := make(map[int64]discovered)
	frontier := []int64{nodeID}

	result := &storage.TraversalResult{}

walk:
	for depth := 1; depth <= bounds.MaxDepth; depth++ {
		if len(frontier) == 0 {
			break
		}

		neighbours, err := g.frontierEdges(ctx, frontier, bounds.Relations)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				result.BoundsReached = append(result.BoundsReached, "timeout")
				break walk
			}
			return nil, fmt.Errorf("postgres: traversal depth %d: %w", depth, err)
		}

		var next []int64
		for _, n := range neighbours {
			if visited[n.id] {
				continue
			}
			prev, seen := found[n.id]
			if !seen {
				found[n.id] = discovered{depth: depth, via: n.relation, weight: n.weight}
				next = append(next, n.id)
			} else if n.weight > prev.weight {
				found[n.id] = discovered{depth: prev.depth, via: n.relation, weight: n.weight}
			}

			if len(found) >= bounds.MaxNodes {
				result.BoundsReached = append(result.BoundsReached, "max_nodes")
				break walk
			}
		}

		for _, id := range next {
			visited[id] = true
		}
		frontier = next
	}

	if len(result.BoundsReached) == 0 && len(frontier) > 0 {
		result.BoundsReached = append(result.BoundsReached, "max_depth")
	}

	if len(found) == 0 {
		return result, nil
	}

	ids := make([]int64, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}

	nodes, err := g.nodesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: traversal fetch nodes: %w", err)
	}

	result.Nodes = make([]storage.TraversalNode, 0, len(nodes))
	for _, node := range nodes {
		d := found[node.ID]
		result.Nodes = append(result.Nodes, storage.TraversalNode{
			Node:  node,
			Depth: d.depth,
			Via:   d.via,
		})
	}

	sort.Slice(result.Nodes, func(i, j int) bool {
		if result.Nodes[i].Depth != result.Nodes[j].Depth {
			return result.Nodes[i].Depth < result.Nodes[j].Depth
		}
		wi := found[result.Nodes[i].Node.ID].weight
		wj := found[result.Nodes[j].Node.ID].weight
		if wi != wj {
			return wi > wj
		}
		return result.Nodes[i].Node.ID < result.Nodes[j].Node.ID
	})

	if len(result.Nodes) > bounds.MaxNodes {
		result.Nodes = result.Nodes[:bounds.MaxNodes]
	}

	return result, nil
}

// EdgesFrom lists the outgoing edges of a node ordered by weight descending.
func (g *GraphStore) EdgesFrom(ctx context.Context, nodeID int64) ([]*types.GraphEdge, error) {
	if nodeID < 1 {
		return nil, fmt.Errorf("%w: node id is required", storage.ErrInvalidInput)
	}

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, relation, weight, created_at, updated_at
		FROM edges WHERE source_id = $1
		ORDER BY weight DESC, id ASC`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var edges []*types.GraphEdge
	for rows.Next() {
		edge := &types.GraphEdge{}
		if err := rows.Scan(&edge.ID, &edge.SourceID, &edge.TargetID,
			&edge.Relation, &edge.Weight, &edge.CreatedAt, &edge.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan edge: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating edges: %w", err)
	}
	return edges, nil
}

// RemoveOrphans deletes nodes whose referenced record is tombstoned. Edges
// touching a removed node are cascaded by the schema.
func (g *GraphStore) RemoveOrphans(ctx context.Context) (int64, int64, error) {
	var edges int64
	err := g.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM edges
		WHERE source_id IN (
			SELECT n.id FROM nodes n
			JOIN records r ON r.id = n.record_id
			WHERE r.deleted_at IS NOT NULL
		) OR target_id IN (
			SELECT n.id FROM nodes n
			JOIN records r ON r.id = n.record_id
			WHERE r.deleted_at IS NOT NULL
		)`).Scan(&edges)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres: failed to count orphan edges: %w", err)
	}

	result, err := g.db.ExecContext(ctx, `
		DELETE FROM nodes WHERE id IN (
			SELECT n.id FROM nodes n
			JOIN records r ON r.id = n.record_id
			WHERE r.deleted_at IS NOT NULL
		)`)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres: failed to remove orphan nodes: %w", err)
	}

	nodes, err := result.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("postgres: failed to get rows affected: %w", err)
	}
	return nodes, edges, nil
}

type neighbourEdge struct {
	id       int64
	relation string
	weight   float64
}

// frontierEdges loads all edges touching the frontier in one batched query.
// Both directions count.
func (g *GraphStore) frontierEdges(ctx context.Context, frontier []int64, relations []string) ([]neighbourEdge, error) {
	if len(frontier) == 0 {
		return nil, nil
	}

	args := make([]interface{}, 0, len(frontier)*2+len(relations))
	for _, id := range frontier {
		args = append(args, id)
	}
	sourceIn := dollarPlaceholders(1, len(frontier))
	for _, id := range frontier {
		args = append(args, id)
	}
	targetIn := dollarPlaceholders(len(frontier)+1, len(frontier))

	query := fmt.Sprintf(`
		SELECT source_id, target_id, relation, weight
		FROM edges
		WHERE (source_id IN (%s) OR target_id IN (%s))`, sourceIn, targetIn)

	if len(relations) > 0 {
		relationIn := dollarPlaceholders(len(args)+1, len(relations))
		query += fmt.Sprintf(" AND relation IN (%s)", relationIn)
		for _, r := range relations {
			args = append(args, r)
		}
	}

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	frontierSet := make(map[int64]bool, len(frontier))
	for _, id := range frontier {
		frontierSet[id] = true
	}

	var neighbours []neighbourEdge
	for rows.Next() {
		var sourceID, targetID int64
		var relation string
		var weight float64
		if err := rows.Scan(&sourceID, &targetID, &relation, &weight); err != nil {
			return nil, err
		}
		if frontierSet[sourceID] && !frontierSet[targetID] {
			neighbours = append(neighbours, neighbourEdge{id: targetID, relation: relation, weight: weight})
		}
		if frontierSet[targetID] && !frontierSet[sourceID] {
			neighbours = append(neighbours, neighbourEdge{id: sourceID, relation: relation, weight: weight})
		}
	}
	return neighbours, rows.Err()
}

// nodesByIDs fetches node rows for a list of arena ids in one query.
func (g *GraphStore) nodesByIDs(ctx context.Context, ids []int64) ([]*types.GraphNode, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := g.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, kind, key, label, record_id, created_at
		FROM nodes WHERE id IN (%s)`, dollarPlaceholders(1, len(ids))), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var nodes []*types.GraphNode
	for rows.Next() {
		node, err := g.scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// scanNode scans a node row from either a *sql.Row or *sql.Rows.
func (g *GraphStore) scanNode(row rowScanner) (*types.GraphNode, error) {
	node := &types.GraphNode{}
	var kind string
	var recordID sql.NullString
	if err := row.Scan(&node.ID, &kind, &node.Key, &node.Label, &recordID, &node.CreatedAt); err != nil {
		return nil, err
	}
	node.Kind = types.NodeKind(kind)
	if recordID.Valid {
		node.RecordID = recordID.String
	}
	return node, nil
}

// dollarPlaceholders returns "$start,$start+1,..." with n entries.
func dollarPlaceholders(start, n int) string {
	if n == 0 {
		return ""
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ",")
}

// nullableString returns nil for empty strings so empty references insert as
// NULL rather than "".
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
