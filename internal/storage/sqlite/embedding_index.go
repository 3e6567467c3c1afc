package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/solastral/reverie/internal/storage"
)

// EmbeddingIndex implements storage.EmbeddingIndex on the same SQLite
// database as the record store.
type EmbeddingIndex struct {
	db *sql.DB
}

// NewEmbeddingIndex creates an embedding index over the store's database.
func NewEmbeddingIndex(store *Store) *EmbeddingIndex {
	return &EmbeddingIndex{db: store.db}
}

// Ensure *EmbeddingIndex implements storage.EmbeddingIndex at compile time.
var _ storage.EmbeddingIndex = (*EmbeddingIndex)(nil)

// searchMaxCandidates caps the number of embeddings loaded into memory during
// a vector search. Candidates are selected in recency order (newest first) so
// recently-written records are always considered. For typical personal-memory
// datasets (< 10k records) the cap is never hit; beyond that, use the
// postgres backend for indexed ANN search.
const searchMaxCandidates = 10_000

// Upsert stores the embedding for a record, replacing any previous vector.
// The vector is serialized as a little-endian float32 BLOB.
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

	query := `
		INSERT INTO embeddings (record_id, embedding, dimension, model, metric, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'cosine', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(record_id) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			model = excluded.model,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := e.db.ExecContext(ctx, query, recordID, serializeVector(vector), len(vector), model)
	if err != nil {
		return fmt.Errorf("sqlite: failed to store embedding: %w", err)
	}

	return nil
}

// Get retrieves the embedding for a record.
func (e *EmbeddingIndex) Get(ctx context.Context, recordID string) ([]float32, error) {
	if recordID == "" {
		return nil, fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}

	var blob []byte
	var dimension int
	err := e.db.QueryRowContext(ctx,
		"SELECT embedding, dimension FROM embeddings WHERE record_id = ?", recordID,
	).Scan(&blob, &dimension)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get embedding: %w", err)
	}

	vector, err := deserializeVector(blob, dimension)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to deserialize embedding: %w", err)
	}
	return vector, nil
}

// Delete removes the embedding for a record. Missing entries are not an error.
func (e *EmbeddingIndex) Delete(ctx context.Context, recordID string) error {
	if recordID == "" {
		return fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}

	if _, err := e.db.ExecContext(ctx, "DELETE FROM embeddings WHERE record_id = ?", recordID); err != nil {
		return fmt.Errorf("sqlite: failed to delete embedding: %w", err)
	}
	return nil
}

// Search returns up to k record ids ranked by cosine similarity to the query
// vector. Embeddings are scanned in Go memory over a recency-capped candidate
// pool; tombstoned records are excluded at the join.
func (e *EmbeddingIndex) Search(ctx context.Context, vector []float32, k int) ([]storage.VectorMatch, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector cannot be empty", storage.ErrInvalidInput)
	}
	if k < 1 {
		k = 10
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT e.record_id, e.embedding, e.dimension
		FROM embeddings e
		JOIN records r ON r.id = e.record_id
		WHERE r.deleted_at IS NULL
		ORDER BY r.created_at DESC
		LIMIT ?`, searchMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load embeddings: %w", err)
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
		return nil, fmt.Errorf("sqlite: error iterating embeddings: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// PurgeOrphans removes embeddings whose record is tombstoned. Embeddings for
// hard-deleted records are already removed by the foreign key cascade.
func (e *EmbeddingIndex) PurgeOrphans(ctx context.Context) (int64, error) {
	result, err := e.db.ExecContext(ctx, `
		DELETE FROM embeddings
		WHERE record_id IN (SELECT id FROM records WHERE deleted_at IS NOT NULL)`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to purge orphan embeddings: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	return n, nil
}

// serializeVector converts a float32 slice to a little-endian binary blob.
func serializeVector(vector []float32) []byte {
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeVector converts a binary blob back to a float32 slice.
// dimension is used to validate the buffer size.
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
// vectors using float64 accumulators. Returns 0 if either vector has zero
// magnitude or lengths differ.
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
