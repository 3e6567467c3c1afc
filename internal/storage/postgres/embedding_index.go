package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sort"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/solastral/reverie/internal/storage"
)

// EmbeddingIndex implements storage.EmbeddingIndex on PostgreSQL.
//
// Vectors are always written to the BYTEA column so the dataset stays
// portable between engines; when pgvector is available they are additionally
// written to embedding_vec, and Search runs through the ivfflat cosine index
// instead of the in-memory scan.
type EmbeddingIndex struct {
	db                *sql.DB
	pgvectorAvailable bool
}

// NewEmbeddingIndex creates an embedding index over the store's database.
func NewEmbeddingIndex(store *Store) *EmbeddingIndex {
	return &EmbeddingIndex{db: store.db, pgvectorAvailable: store.pgvectorAvailable}
}

// Ensure *EmbeddingIndex implements storage.EmbeddingIndex at compile time.
var _ storage.EmbeddingIndex = (*EmbeddingIndex)(nil)

// scanMaxCandidates caps the fallback in-memory scan, matching the SQLite
// engine's behaviour when pgvector is unavailable.
const scanMaxCandidates = 10_000

// Upsert stores the embedding for a record, replacing any previous vector.
func (e *EmbeddingIndex) Upsert(ctx context.Context, recordID string, vector []float32, model string) error {
	if recordID == "" {
		return fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}
	if model == "" {
		return fmt.Errorf("%w: model is required", storage.ErrInvalidInput)
	}

	if e.pgvectorAvailable {
		err := e.upsertWithVector(ctx, recordID, vector, model)
		if err == nil {
			return nil
		}
		// pgvector write failed; fall back to the BYTEA-only path so the
		// embedding is not lost.
		log.Printf("postgres: failed to store embedding_vec for %s (falling back to BYTEA only): %v", recordID, err)
	}

	query := `
		INSERT INTO embeddings (record_id, embedding, dimension, model, metric, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'cosine', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(record_id) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			model = excluded.model,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := e.db.ExecContext(ctx, query, recordID, serializeVector(vector), len(vector), model); err != nil {
		return fmt.Errorf("postgres: failed to store embedding: %w", err)
	}
	return nil
}

func (e *EmbeddingIndex) upsertWithVector(ctx context.Context, recordID string, vector []float32, model string) error {
	query := `
		INSERT INTO embeddings (record_id, embedding, dimension, model, metric, embedding_vec, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'cosine', $5, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(record_id) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			model = excluded.model,
			embedding_vec = excluded.embedding_vec,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := e.db.ExecContext(ctx, query,
		recordID, serializeVector(vector), len(vector), model, pgvector.NewVector(vector))
	return err
}

// Get retrieves the embedding for a record.
func (e *EmbeddingIndex) Get(ctx context.Context, recordID string) ([]float32, error) {
	if recordID == "" {
		return nil, fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}

	var blob []byte
	var dimension int
	err := e.db.QueryRowContext(ctx,
		"SELECT embedding, dimension FROM embeddings WHERE record_id = $1", recordID,
	).Scan(&blob, &dimension)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get embedding: %w", err)
	}

	vector, err := deserializeVector(blob, dimension)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to deserialize embedding: %w", err)
	}
	return vector, nil
}

// Delete removes the embedding for a record. Missing entries are not an error.
func (e *EmbeddingIndex) Delete(ctx context.Context, recordID string) error {
	if recordID == "" {
		return fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}

	if _, err := e.db.ExecContext(ctx, "DELETE FROM embeddings WHERE record_id = $1", recordID); err != nil {
		return fmt.Errorf("postgres: failed to delete embedding: %w", err)
	}
	return nil
}

// Search returns up to k record ids ranked by cosine similarity to the query
// vector. With pgvector it is a single indexed query; otherwise it scans a
// recency-capped candidate pool in memory.
func (e *EmbeddingIndex) Search(ctx context.Context, vector []float32, k int) ([]storage.VectorMatch, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector cannot be empty", storage.ErrInvalidInput)
	}
	if k < 1 {
		k = 10
	}

	if e.pgvectorAvailable {
		matches, err := e.searchPgvector(ctx, vector, k)
		if err == nil {
			return matches, nil
		}
		// Fresh databases may not have the vector column populated yet.
		log.Printf("postgres: pgvector search failed (falling back to scan): %v", err)
	}

	return e.searchScan(ctx, vector, k)
}

// searchPgvector runs an indexed ANN query. Cosine distance d maps to
// similarity 1-d.
func (e *EmbeddingIndex) searchPgvector(ctx context.Context, vector []float32, k int) ([]storage.VectorMatch, error) {
	query := `
		SELECT e.record_id, e.embedding_vec <=> $1::vector AS distance
		FROM embeddings e
		JOIN records r ON r.id = e.record_id
		WHERE e.embedding_vec IS NOT NULL AND r.deleted_at IS NULL
		ORDER BY distance ASC
		LIMIT $2
	`

	rows, err := e.db.QueryContext(ctx, query, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.VectorMatch
	for rows.Next() {
		var recordID string
		var distance float64
		if err := rows.Scan(&recordID, &distance); err != nil {
			return nil, err
		}
		matches = append(matches, storage.VectorMatch{
			RecordID: recordID,
			Score:    1 - distance,
		})
	}
	return matches, rows.Err()
}

// searchScan loads BYTEA embeddings newest-first and ranks them in memory.
func (e *EmbeddingIndex) searchScan(ctx context.Context, vector []float32, k int) ([]storage.VectorMatch, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT e.record_id, e.embedding, e.dimension
		FROM embeddings e
		JOIN records r ON r.id = e.record_id
		WHERE r.deleted_at IS NULL
		ORDER BY r.created_at DESC
		LIMIT $1`, scanMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.VectorMatch
	for rows.Next() {
		var recordID string
		var blob []byte
		var dimension int
		if err := rows.Scan(&recordID, &blob, &dimension); err != nil {
			continue
		}
		candidate, err := deserializeVector(blob, dimension)
		if err != nil {
			continue // corrupt entry; repair will re-embed
		}
		matches = append(matches, storage.VectorMatch{
			RecordID: recordID,
			Score:    cosineSimilarity(vector, candidate),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating embeddings: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// PurgeOrphans removes embeddings whose record is tombstoned.
func (e *EmbeddingIndex) PurgeOrphans(ctx context.Context) (int64, error) {
	result, err := e.db.ExecContext(ctx, `
		DELETE FROM embeddings
		WHERE record_id IN (SELECT id FROM records WHERE deleted_at IS NOT NULL)`)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to purge orphan embeddings: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to get rows affected: %w", err)
	}
	return n, nil
}

// serializeVector converts a float32 slice to a little-endian binary blob.
// The format matches the SQLite engine so datasets can migrate between
// engines without re-embedding.
func serializeVector(vector []float32) []byte {
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeVector converts a binary blob back to a float32 slice.
func deserializeVector(buf []byte, dimension int) ([]float32, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}

	expectedSize := dimension * 4
	if len(buf) != expectedSize {
		return nil, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", expectedSize, len(buf))
	}

	vector := make([]float32, dimension)
	for i := 0; i < dimension; i++ {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vector, nil
}

// cosineSimilarity computes cosine similarity between two equal-length
// vectors using float64 accumulators.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
