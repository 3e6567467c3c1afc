package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solastral/reverie/internal/llm"
	"github.com/solastral/reverie/internal/storage"
	"github.com/solastral/reverie/pkg/types"
)

func TestQuery_SemanticRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)
	startTestManager(t, mgr)
	ctx := context.Background()

	target, err := mgr.Save(ctx, "Meeting with Ahmed tomorrow at 3pm", SaveOptions{})
	require.NoError(t, err)

	distractors := []string{
		"Grocery run: milk, eggs, bread",
		"Deploy the gateway service to staging",
		"Quarterly budget numbers look fine",
		"Water the plants on Friday",
	}
	for _, content := range distractors {
		_, err := mgr.Save(ctx, content, SaveOptions{})
		require.NoError(t, err)
	}

	// A paraphrase that shares no exact phrase with the target must still
	// surface it near the top.
	results, err := mgr.Query(ctx, "lunch with Ahmed", QueryOptions{Limit: 3})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	found := false
	for _, result := range results {
		if result.Record.ID == target.ID {
			found = true
			assert.Contains(t, result.Origins, OriginSemantic)
			assert.Greater(t, result.Components.Semantic, 0.0)
		}
	}
	assert.True(t, found, "semantically similar record not in top 3")
}

func TestQuery_MergesOriginsAcrossStores(t *testing.T) {
	mgr, _ := newTestManager(t)
	startTestManager(t, mgr)
	ctx := context.Background()

	// Two records share a project; the query text matches only the first.
	hit, err := mgr.Save(ctx, "Sprint planning notes for the big launch", SaveOptions{Project: "atlas"})
	require.NoError(t, err)

	sibling, err := mgr.Save(ctx, "Budget spreadsheet moved to shared drive", SaveOptions{Project: "atlas"})
	require.NoError(t, err)

	_, err = mgr.Save(ctx, "Completely unrelated grocery errand", SaveOptions{})
	require.NoError(t, err)

	results, err := mgr.Query(ctx, "sprint planning", QueryOptions{Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	byID := make(map[string]QueryResult)
	for _, result := range results {
		byID[result.Record.ID] = result
	}

	// The text hit ranks first.
	assert.Equal(t, hit.ID, results[0].Record.ID)

	// The project sibling is reachable through the graph: hit anchor ->
	// project node -> sibling anchor, two hops.
	got, ok := byID[sibling.ID]
	require.True(t, ok, "project sibling missing from merged results")
	assert.Contains(t, got.Origins, OriginGraph)
	assert.InDelta(t, 0.5, got.Components.GraphProximity, 0.001)
}

func TestQuery_TypeAndProjectFilters(t *testing.T) {
	mgr, _ := newTestManager(t)
	startTestManager(t, mgr)
	ctx := context.Background()

	task, err := mgr.Save(ctx, "review deployment checklist", SaveOptions{Type: types.RecordTypeTask, Project: "atlas"})
	require.NoError(t, err)

	_, err = mgr.Save(ctx, "deployment checklist retrospective notes", SaveOptions{Type: types.RecordTypeNote, Project: "atlas"})
	require.NoError(t, err)

	_, err = mgr.Save(ctx, "review deployment checklist for the other team", SaveOptions{Type: types.RecordTypeTask, Project: "zephyr"})
	require.NoError(t, err)

	results, err := mgr.Query(ctx, "deployment checklist", QueryOptions{
		Type:    types.RecordTypeTask,
		Project: "atlas",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, task.ID, results[0].Record.ID)
}

// deadEmbedder always times out, simulating an unreachable provider.
type deadEmbedder struct{}

func (deadEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embed request timed out: %w", llm.ErrEmbeddingTimeout)
}

func (deadEmbedder) GetModel() string { return "dead-test" }

func TestQuery_DegradesWhenEmbedderTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumWorkers = 1
	cfg.MaxRetries = 0

	mgr, store := newTestManagerWith(t, deadEmbedder{}, cfg)
	startTestManager(t, mgr)
	ctx := context.Background()

	record, err := mgr.Save(ctx, "backup the database nightly", SaveOptions{})
	require.NoError(t, err, "a dead embedder must not fail Save")

	// Wait for the retry budget to run out so the query result set is stable.
	deadline := time.After(5 * time.Second)
	for {
		got, err := store.Get(ctx, record.ID)
		require.NoError(t, err)
		if got.EmbeddingState == types.IndexFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timeout: embedding state still %s", got.EmbeddingState)
		case <-time.After(20 * time.Millisecond):
		}
	}

	// The query never fails: it degrades to structured+graph results.
	results, err := mgr.Query(ctx, "backup database", QueryOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, record.ID, results[0].Record.ID)
	assert.Contains(t, results[0].Origins, OriginStructured)
	for _, result := range results {
		assert.NotContains(t, result.Origins, OriginSemantic)
	}
}

func TestQuery_EmptyTextListsRecent(t *testing.T) {
	mgr, _ := newTestManager(t)
	startTestManager(t, mgr)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := mgr.Save(ctx, fmt.Sprintf("note number %d", i), SaveOptions{})
		require.NoError(t, err)
	}

	results, err := mgr.Query(ctx, "", QueryOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	for _, result := range results {
		assert.Contains(t, result.Origins, OriginStructured)
	}
}

func TestTextMatchScore(t *testing.T) {
	tests := []struct {
		name    string
		content string
		query   string
		want    float64
	}{
		{"empty query matches everything", "anything", "", 1.0},
		{"exact phrase", "met ahmed for lunch today", "ahmed for lunch", 1.0},
		{"partial words", "met ahmed for lunch today", "ahmed dinner", 0.5},
		{"no overlap", "met ahmed for lunch today", "quarterly budget", 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := textMatchScore(tt.content, tt.query)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func TestRecencyScore(t *testing.T) {
	now := time.Now()

	assert.InDelta(t, 1.0, recencyScore(now, now), 0.001)
	assert.InDelta(t, 0.5, recencyScore(now.Add(-15*24*time.Hour), now), 0.001)
	assert.InDelta(t, 0.0, recencyScore(now.Add(-45*24*time.Hour), now), 0.001)

	// Clock skew never scores above 1.
	assert.InDelta(t, 1.0, recencyScore(now.Add(time.Hour), now), 0.001)
}

func TestQuerySeeds_PrefersSemanticMatches(t *testing.T) {
	structured := []*types.MemoryRecord{
		{ID: "mem:note:s1"},
		{ID: "mem:note:s2"},
	}
	matches := []storage.VectorMatch{
		{RecordID: "mem:note:v1", Score: 0.9},
		{RecordID: "mem:note:s1", Score: 0.8}, // overlaps structured
	}

	seeds := querySeeds(structured, matches)
	require.Len(t, seeds, 3)
	assert.Equal(t, "mem:note:v1", seeds[0])
	assert.Equal(t, "mem:note:s1", seeds[1])
	assert.Equal(t, "mem:note:s2", seeds[2])
}
