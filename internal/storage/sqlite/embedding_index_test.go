package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solastral/reverie/internal/storage"
)

func TestEmbeddingIndex_UpsertGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	index := NewEmbeddingIndex(store)
	ctx := context.Background()

	record := mustPut(t, store, "mem:note:e0000001", "embedded content")
	vector := []float32{0.25, -1.5, 3.75, 0.0}

	require.NoError(t, index.Upsert(ctx, record.ID, vector, "hash-bow-v1"))

	got, err := index.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, vector, got)
}

func TestEmbeddingIndex_UpsertReplacesVector(t *testing.T) {
	store := newTestStore(t)
	index := NewEmbeddingIndex(store)
	ctx := context.Background()

	record := mustPut(t, store, "mem:note:e0000002", "re-embedded content")
	require.NoError(t, index.Upsert(ctx, record.ID, []float32{1, 0}, "hash-bow-v1"))
	require.NoError(t, index.Upsert(ctx, record.ID, []float32{0, 1, 0}, "nomic-embed-text"))

	got, err := index.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0}, got, "second upsert wins, including the new dimension")
}

func TestEmbeddingIndex_UpsertValidation(t *testing.T) {
	store := newTestStore(t)
	index := NewEmbeddingIndex(store)
	ctx := context.Background()

	assert.ErrorIs(t, index.Upsert(ctx, "", []float32{1}, "m"), storage.ErrInvalidInput)
	assert.ErrorIs(t, index.Upsert(ctx, "mem:note:e0000003", nil, "m"), storage.ErrInvalidInput)
	assert.ErrorIs(t, index.Upsert(ctx, "mem:note:e0000003", []float32{1}, ""), storage.ErrInvalidInput)
}

func TestEmbeddingIndex_GetMissing(t *testing.T) {
	store := newTestStore(t)
	index := NewEmbeddingIndex(store)

	_, err := index.Get(context.Background(), "mem:note:nothing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEmbeddingIndex_DeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	index := NewEmbeddingIndex(store)
	ctx := context.Background()

	record := mustPut(t, store, "mem:note:e0000004", "soon to be unindexed")
	require.NoError(t, index.Upsert(ctx, record.ID, []float32{1, 2}, "hash-bow-v1"))

	require.NoError(t, index.Delete(ctx, record.ID))
	_, err := index.Get(ctx, record.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.NoError(t, index.Delete(ctx, record.ID), "deleting a missing embedding is not an error")
}

func TestEmbeddingIndex_SearchRanksByCosine(t *testing.T) {
	store := newTestStore(t)
	index := NewEmbeddingIndex(store)
	ctx := context.Background()

	near := mustPut(t, store, "mem:note:e0000010", "near neighbour")
	mid := mustPut(t, store, "mem:note:e0000011", "middling neighbour")
	far := mustPut(t, store, "mem:note:e0000012", "distant neighbour")

	require.NoError(t, index.Upsert(ctx, near.ID, []float32{0.9, 0.1, 0, 0}, "hash-bow-v1"))
	require.NoError(t, index.Upsert(ctx, mid.ID, []float32{0.5, 0.5, 0, 0}, "hash-bow-v1"))
	require.NoError(t, index.Upsert(ctx, far.ID, []float32{0, 0, 1, 0}, "hash-bow-v1"))

	matches, err := index.Search(ctx, []float32{1, 0, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)

	assert.Equal(t, near.ID, matches[0].RecordID)
	assert.Equal(t, mid.ID, matches[1].RecordID)
	assert.Equal(t, far.ID, matches[2].RecordID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
	assert.Greater(t, matches[1].Score, matches[2].Score)
}

func TestEmbeddingIndex_SearchHonoursK(t *testing.T) {
	store := newTestStore(t)
	index := NewEmbeddingIndex(store)
	ctx := context.Background()

	for i, id := range []string{"mem:note:e0000020", "mem:note:e0000021", "mem:note:e0000022"} {
		record := mustPut(t, store, id, "candidate")
		require.NoError(t, index.Upsert(ctx, record.ID, []float32{float32(i + 1), 1}, "hash-bow-v1"))
	}

	matches, err := index.Search(ctx, []float32{1, 1}, 2)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestEmbeddingIndex_SearchExcludesTombstoned(t *testing.T) {
	store := newTestStore(t)
	index := NewEmbeddingIndex(store)
	ctx := context.Background()

	live := mustPut(t, store, "mem:note:e0000030", "still here")
	gone := mustPut(t, store, "mem:note:e0000031", "deleted before search")
	require.NoError(t, index.Upsert(ctx, live.ID, []float32{1, 0}, "hash-bow-v1"))
	require.NoError(t, index.Upsert(ctx, gone.ID, []float32{1, 0}, "hash-bow-v1"))

	require.NoError(t, store.SoftDelete(ctx, gone.ID))

	matches, err := index.Search(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, live.ID, matches[0].RecordID)
}

func TestEmbeddingIndex_PurgeOrphans(t *testing.T) {
	store := newTestStore(t)
	index := NewEmbeddingIndex(store)
	ctx := context.Background()

	live := mustPut(t, store, "mem:note:e0000040", "keep my embedding")
	gone := mustPut(t, store, "mem:note:e0000041", "purge my embedding")
	require.NoError(t, index.Upsert(ctx, live.ID, []float32{1, 2}, "hash-bow-v1"))
	require.NoError(t, index.Upsert(ctx, gone.ID, []float32{3, 4}, "hash-bow-v1"))

	require.NoError(t, store.SoftDelete(ctx, gone.ID))

	purged, err := index.PurgeOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = index.Get(ctx, gone.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	vec, err := index.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vec)
}
