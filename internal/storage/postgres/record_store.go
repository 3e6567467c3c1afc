package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/solastral/reverie/internal/storage"
	"github.com/solastral/reverie/pkg/types"
)

// Ensure *Store implements storage.RecordStore at compile time.
var _ storage.RecordStore = (*Store)(nil)

// recordColumns is the canonical SELECT column list for records. The scan
// order in scanRecord must match.
const recordColumns = `
	id, type, content, project, version,
	embedding_state, graph_state, content_hash,
	created_at, updated_at, deleted_at
`

// Put creates or updates a record with optimistic concurrency control.
// Version 0 means create; any other version must match the stored row or the
// write fails with ErrVersionConflict. Same contract as the SQLite engine.
func (s *Store) Put(ctx context.Context, record *types.MemoryRecord) error {
	if record == nil {
		return storage.ErrInvalidInput
	}
	if record.ID == "" {
		return fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}
	if record.Content == "" {
		return fmt.Errorf("%w: record content is required", storage.ErrInvalidInput)
	}
	if !types.IsValidRecordType(record.Type) {
		return fmt.Errorf("%w: invalid record type %q", storage.ErrInvalidInput, record.Type)
	}

	record.ContentHash = types.HashContent(record.Content)

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.EmbeddingState == "" {
		record.EmbeddingState = types.IndexPending
	}
	if record.GraphState == "" {
		record.GraphState = types.IndexPending
	}

	if record.Version == 0 {
		return s.insertRecord(ctx, record, now)
	}
	return s.updateRecord(ctx, record, now)
}

func (s *Store) insertRecord(ctx context.Context, record *types.MemoryRecord, now time.Time) error {
	record.UpdatedAt = now

	query := `
		INSERT INTO records (
			id, type, content, project, version,
			embedding_state, graph_state, content_hash,
			created_at, updated_at, deleted_at
		) VALUES ($1, $2, $3, $4, 1, $5, $6, $7, $8, $9, NULL)
	`

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.Type,
		record.Content,
		record.Project,
		record.EmbeddingState,
		record.GraphState,
		record.ContentHash,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key value") {
			return fmt.Errorf("postgres: record %s already exists: %w", record.ID, storage.ErrVersionConflict)
		}
		return fmt.Errorf("postgres: failed to insert record: %w", err)
	}

	record.Version = 1
	return nil
}

func (s *Store) updateRecord(ctx context.Context, record *types.MemoryRecord, now time.Time) error {
	query := `
		UPDATE records
		SET type = $1,
		    content = $2,
		    project = $3,
		    version = version + 1,
		    embedding_state = $4,
		    graph_state = $5,
		    content_hash = $6,
		    updated_at = $7
		WHERE id = $8 AND version = $9 AND deleted_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query,
		record.Type,
		record.Content,
		record.Project,
		record.EmbeddingState,
		record.GraphState,
		record.ContentHash,
		now,
		record.ID,
		record.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to update record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var currentVersion int64
		var deletedAt sql.NullTime
		err := s.db.QueryRowContext(ctx,
			"SELECT version, deleted_at FROM records WHERE id = $1", record.ID,
		).Scan(&currentVersion, &deletedAt)
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres: failed to resolve write conflict: %w", err)
		}
		if deletedAt.Valid {
			return storage.ErrNotFound
		}
		return fmt.Errorf("postgres: record %s is at version %d, write carried %d: %w",
			record.ID, currentVersion, record.Version, storage.ErrVersionConflict)
	}

	record.Version++
	record.UpdatedAt = now
	return nil
}

// Get retrieves a live record by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}

	query := "SELECT " + recordColumns + " FROM records WHERE id = $1 AND deleted_at IS NULL"

	record, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get record: %w", err)
	}

	return record, nil
}

// Query retrieves records matching the filter, paginated. Keyword filters go
// through the tsvector GIN index via plainto_tsquery.
func (s *Store) Query(ctx context.Context, filter storage.RecordFilter) (*storage.PaginatedResult[*types.MemoryRecord], error) {
	filter.Normalize()

	var conditions []string
	var args []interface{}

	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}

	if filter.Project != "" {
		args = append(args, filter.Project)
		conditions = append(conditions, fmt.Sprintf("project = $%d", len(args)))
	}

	if keyword := strings.TrimSpace(filter.Keyword); keyword != "" {
		args = append(args, keyword)
		conditions = append(conditions, fmt.Sprintf("content_tsv @@ plainto_tsquery('english', $%d)", len(args)))
	}

	if !filter.CreatedAfter.IsZero() {
		args = append(args, filter.CreatedAfter)
		conditions = append(conditions, fmt.Sprintf("created_at > $%d", len(args)))
	}

	if !filter.CreatedBefore.IsZero() {
		args = append(args, filter.CreatedBefore)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}

	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted_at IS NULL")
	}

	if filter.PendingOnly {
		args = append(args, types.IndexReady)
		first := len(args)
		args = append(args, types.IndexReady)
		conditions = append(conditions, fmt.Sprintf("(embedding_state != $%d OR graph_state != $%d)", first, len(args)))
	}

	var whereClause string
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	query := "SELECT " + recordColumns + " FROM records" + whereClause

	// Safe from SQL injection: Normalize() whitelists the sort field.
	query += fmt.Sprintf(" ORDER BY %s %s", filter.SortBy, filter.SortOrder)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: query scan: %w", err)
	}

	countQuery := "SELECT COUNT(*) FROM records" + whereClause
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args[:len(args)-2]...).Scan(&total); err != nil {
		return nil, fmt.Errorf("postgres: failed to count records: %w", err)
	}

	return &storage.PaginatedResult[*types.MemoryRecord]{
		Items:    records,
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.Limit,
		HasMore:  filter.Offset()+len(records) < total,
	}, nil
}

// SoftDelete tombstones a record by setting its deleted_at timestamp.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE records SET deleted_at = CURRENT_TIMESTAMP WHERE id = $1 AND deleted_at IS NULL", id)
	if err != nil {
		return fmt.Errorf("postgres: failed to soft-delete record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// SetIndexStates updates secondary index bookkeeping without bumping the
// record version. Empty states leave the corresponding column unchanged.
func (s *Store) SetIndexStates(ctx context.Context, id string, embedding, graph types.IndexState) error {
	if id == "" {
		return fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}
	if embedding == "" && graph == "" {
		return nil
	}
	if embedding != "" && !types.IsValidIndexState(embedding) {
		return fmt.Errorf("%w: invalid embedding state %q", storage.ErrInvalidInput, embedding)
	}
	if graph != "" && !types.IsValidIndexState(graph) {
		return fmt.Errorf("%w: invalid graph state %q", storage.ErrInvalidInput, graph)
	}

	var sets []string
	var args []interface{}
	if embedding != "" {
		args = append(args, embedding)
		sets = append(sets, fmt.Sprintf("embedding_state = $%d", len(args)))
	}
	if graph != "" {
		args = append(args, graph)
		sets = append(sets, fmt.Sprintf("graph_state = $%d", len(args)))
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE records SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: failed to set index states: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// ListPendingIndex returns live records whose secondary indexing has not
// completed and whose last write is older than the grace window, oldest first.
func (s *Store) ListPendingIndex(ctx context.Context, grace time.Duration, limit int) ([]*types.MemoryRecord, error) {
	if limit < 1 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-grace)

	query := "SELECT " + recordColumns + ` FROM records
		WHERE deleted_at IS NULL
		  AND (embedding_state != $1 OR graph_state != $2)
		  AND updated_at <= $3
		ORDER BY updated_at ASC
		LIMIT $4`

	rows, err := s.db.QueryContext(ctx, query, types.IndexReady, types.IndexReady, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list pending records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: ListPendingIndex scan: %w", err)
	}
	return records, nil
}

// ListIDs returns the ids of all live records, ordered by id for stable paging.
func (s *Store) ListIDs(ctx context.Context, offset, limit int) ([]string, error) {
	if limit < 1 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM records WHERE deleted_at IS NULL ORDER BY id LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list record ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: ListIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: ListIDs rows: %w", err)
	}
	return ids, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord reads one row in recordColumns order.
func scanRecord(row rowScanner) (*types.MemoryRecord, error) {
	var record types.MemoryRecord
	var project, contentHash sql.NullString
	var deletedAt sql.NullTime

	err := row.Scan(
		&record.ID,
		&record.Type,
		&record.Content,
		&project,
		&record.Version,
		&record.EmbeddingState,
		&record.GraphState,
		&contentHash,
		&record.CreatedAt,
		&record.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if project.Valid {
		record.Project = project.String
	}
	if contentHash.Valid {
		record.ContentHash = contentHash.String
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		record.DeletedAt = &t
	}

	return &record, nil
}

// scanRecords reads all rows returned by a query in recordColumns order.
func scanRecords(rows *sql.Rows) ([]*types.MemoryRecord, error) {
	var records []*types.MemoryRecord

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return records, nil
}
