package sqlite

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
//
// A record with Version 0 is treated as a create and committed with Version 1;
// if the id already exists the caller is working from a stale view and the
// call fails with ErrVersionConflict. An update must carry the version the
// caller last read; the write bumps it by one. A stale version is rejected,
// never silently overwritten.
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

// insertRecord commits a brand-new record at version 1.
func (s *Store) insertRecord(ctx context.Context, record *types.MemoryRecord, now time.Time) error {
	record.UpdatedAt = now

	query := `
		INSERT INTO records (
			id, type, content, project, version,
			embedding_state, graph_state, content_hash,
			created_at, updated_at, deleted_at
		) VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, NULL)
	`

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.Type,
		record.Content,
		nullableString(record.Project),
		record.EmbeddingState,
		record.GraphState,
		record.ContentHash,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		// The id is already taken: the caller built the record from a stale
		// view (or generated a colliding id). Surface it as a conflict so the
		// caller re-reads and retries rather than overwriting.
		if strings.Contains(err.Error(), "UNIQUE constraint failed: records.id") {
			return fmt.Errorf("sqlite: record %s already exists: %w", record.ID, storage.ErrVersionConflict)
		}
		return fmt.Errorf("sqlite: failed to insert record: %w", err)
	}

	record.Version = 1
	return nil
}

// updateRecord applies a version-checked in-place write.
func (s *Store) updateRecord(ctx context.Context, record *types.MemoryRecord, now time.Time) error {
	query := `
		UPDATE records
		SET type = ?,
		    content = ?,
		    project = ?,
		    version = version + 1,
		    embedding_state = ?,
		    graph_state = ?,
		    content_hash = ?,
		    updated_at = ?
		WHERE id = ? AND version = ? AND deleted_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query,
		record.Type,
		record.Content,
		nullableString(record.Project),
		record.EmbeddingState,
		record.GraphState,
		record.ContentHash,
		now,
		record.ID,
		record.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// Distinguish a missing record from a stale version.
		var currentVersion int64
		var deletedAt sql.NullTime
		err := s.db.QueryRowContext(ctx,
			"SELECT version, deleted_at FROM records WHERE id = ?", record.ID,
		).Scan(&currentVersion, &deletedAt)
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("sqlite: failed to resolve write conflict: %w", err)
		}
		if deletedAt.Valid {
			return storage.ErrNotFound
		}
		return fmt.Errorf("sqlite: record %s is at version %d, write carried %d: %w",
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

	query := "SELECT " + recordColumns + " FROM records WHERE id = ? AND deleted_at IS NULL"

	record, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get record: %w", err)
	}

	return record, nil
}

// Query retrieves records matching the filter, paginated. Keyword filters go
// through the FTS5 index with sanitised prefix matching.
func (s *Store) Query(ctx context.Context, filter storage.RecordFilter) (*storage.PaginatedResult[*types.MemoryRecord], error) {
	// Normalize before ORDER BY construction so the sort field is whitelisted.
	filter.Normalize()

	var conditions []string
	var args []interface{}

	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}

	if filter.Project != "" {
		conditions = append(conditions, "project = ?")
		args = append(args, filter.Project)
	}

	if keyword := strings.TrimSpace(filter.Keyword); keyword != "" {
		match := sanitiseMatchQuery(keyword)
		if match != "" {
			conditions = append(conditions, "rowid IN (SELECT rowid FROM records_fts WHERE records_fts MATCH ?)")
			args = append(args, match)
		}
	}

	if !filter.CreatedAfter.IsZero() {
		conditions = append(conditions, "created_at > ?")
		args = append(args, filter.CreatedAfter)
	}

	if !filter.CreatedBefore.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, filter.CreatedBefore)
	}

	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted_at IS NULL")
	}

	if filter.PendingOnly {
		conditions = append(conditions, "(embedding_state != ? OR graph_state != ?)")
		args = append(args, types.IndexReady, types.IndexReady)
	}

	var whereClause string
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	query := "SELECT " + recordColumns + " FROM records" + whereClause

	// Safe from SQL injection: Normalize() whitelists the sort field.
	query += fmt.Sprintf(" ORDER BY %s %s", filter.SortBy, filter.SortOrder)
	query += " LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query scan: %w", err)
	}

	countQuery := "SELECT COUNT(*) FROM records" + whereClause
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args[:len(args)-2]...).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite: failed to count records: %w", err)
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
		"UPDATE records SET deleted_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL", id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to soft-delete record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
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
		sets = append(sets, "embedding_state = ?")
		args = append(args, embedding)
	}
	if graph != "" {
		sets = append(sets, "graph_state = ?")
		args = append(args, graph)
	}
	args = append(args, id)

	query := "UPDATE records SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: failed to set index states: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
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
		  AND (embedding_state != ? OR graph_state != ?)
		  AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, types.IndexReady, types.IndexReady, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list pending records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: ListPendingIndex scan: %w", err)
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
		"SELECT id FROM records WHERE deleted_at IS NULL ORDER BY id LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list record ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: ListIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: ListIDs rows: %w", err)
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

// sanitiseMatchQuery converts free-form keyword input into a safe FTS5 MATCH
// expression. FTS5 syntax is fragile: an unbalanced quote or stray operator
// keyword causes a syntax error, so the input is reduced to lowercase prefix
// terms joined with OR semantics.
//
// Example: "Meeting with Ahmed?" → "meeting* OR ahmed*"
func sanitiseMatchQuery(query string) string {
	replacer := strings.NewReplacer(
		`"`, ` `,
		`'`, ` `,
		`(`, ` `,
		`)`, ` `,
		`*`, ` `,
		`-`, ` `,
		`^`, ` `,
		`?`, ` `,
		`:`, ` `,
	)
	cleaned := replacer.Replace(query)

	words := strings.Fields(strings.ToLower(cleaned))

	stopWords := map[string]bool{
		"a": true, "an": true, "the": true,
		"is": true, "are": true, "was": true, "were": true, "be": true,
		"to": true, "of": true, "in": true, "on": true, "at": true,
		"by": true, "for": true, "with": true, "from": true, "as": true,
		"what": true, "how": true, "when": true, "where": true, "why": true, "who": true,
		"this": true, "that": true, "these": true, "those": true,
		"i": true, "you": true, "it": true, "we": true, "they": true,
		"and": true, "or": true, "but": true, "not": true,
		"s": true, "t": true, // post-apostrophe fragments
	}

	var terms []string
	for _, w := range words {
		if !stopWords[w] && len(w) >= 2 {
			terms = append(terms, w+"*")
		}
	}

	if len(terms) == 0 {
		// All words were stop words. Fall back to the lowercased cleaned text
		// so FTS5 does not interpret uppercase AND/OR/NOT as operators.
		return strings.ToLower(strings.TrimSpace(cleaned))
	}

	return strings.Join(terms, " OR ")
}
