package memory

import (
	"context"
	"errors"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/solastral/reverie/internal/storage"
	"github.com/solastral/reverie/pkg/types"
)

// Origin tags identify which store produced a query hit.
const (
	OriginStructured = "structured"
	OriginSemantic   = "semantic"
	OriginGraph      = "graph"
)

// Scoring weights for the merged ranking.
const (
	weightSemantic = 0.4
	weightText     = 0.2
	weightRecency  = 0.2
	weightGraph    = 0.2
)

const (
	// graphSeedLimit caps how many top hits seed the graph traversal.
	graphSeedLimit = 5

	// graphTraversalTimeout bounds the graph stage of a query.
	graphTraversalTimeout = 2 * time.Second

	// recencyWindow is the age at which the recency score reaches zero.
	recencyWindow = 30 * 24 * time.Hour
)

// QueryOptions configures Query behavior.
type QueryOptions struct {
	// Limit is the maximum number of results (default: 10, cap: 100).
	Limit int

	// Type filters results by record type (optional).
	Type types.RecordType

	// Project filters results by project tag (optional).
	Project string

	// MinScore drops results scoring below the threshold (0.0 to 1.0).
	MinScore float64
}

// QueryResult is one merged query hit.
type QueryResult struct {
	// Record is the matched record.
	Record *types.MemoryRecord `json:"record"`

	// Score is the combined relevance score (0.0 to 1.0).
	Score float64 `json:"score"`

	// Components breaks the score into its factors.
	Components ScoreComponents `json:"components"`

	// Origins lists the stores that produced this hit, in canonical order
	// (structured, semantic, graph).
	Origins []string `json:"origins"`
}

// ScoreComponents breaks the combined score into individual factors.
type ScoreComponents struct {
	// Semantic is the cosine similarity of the best embedding match (0.0 to 1.0).
	Semantic float64 `json:"semantic"`

	// TextMatch is the keyword match score against the content (0.0 to 1.0).
	TextMatch float64 `json:"text_match"`

	// Recency decays linearly from 1.0 (just written) to 0.0 (30 days old).
	Recency float64 `json:"recency"`

	// GraphProximity is 1/depth for the closest graph path from a seed hit.
	GraphProximity float64 `json:"graph_proximity"`
}

// candidate accumulates per-record evidence across the three stores.
type candidate struct {
	record         *types.MemoryRecord
	semantic       float64
	graphProximity float64

	fromStructured bool
	fromSemantic   bool
	fromGraph      bool
}

func (c *candidate) origins() []string {
	var origins []string
	if c.fromStructured {
		origins = append(origins, OriginStructured)
	}
	if c.fromSemantic {
		origins = append(origins, OriginSemantic)
	}
	if c.fromGraph {
		origins = append(origins, OriginGraph)
	}
	return origins
}

// Query retrieves records relevant to a natural-language query. It fans out
// to the structured store (keyword filter) and the embedding index (vector
// search) in parallel, seeds a graph traversal from the strongest hits of
// both, then merges by record id and ranks by a weighted combination of
// semantic similarity, text match, recency, and graph proximity. Each result
// is tagged with the stores that produced it.
//
// Semantic trouble (embed timeout, open circuit, dead provider) degrades the
// query to structured and graph results; it never fails the call. Only a
// structured-store failure is returned.
func (m *Manager) Query(ctx context.Context, text string, opts QueryOptions) ([]QueryResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}

	// Overfetch so the merged ranking has something to reorder.
	fetchLimit := opts.Limit * 3
	if fetchLimit < 30 {
		fetchLimit = 30
	}
	if fetchLimit > 100 {
		fetchLimit = 100
	}

	text = strings.TrimSpace(text)

	var (
		wg sync.WaitGroup

		structured    []*types.MemoryRecord
		structuredErr error

		matches     []storage.VectorMatch
		semanticErr error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		filter := storage.RecordFilter{
			Limit:     fetchLimit,
			SortBy:    "updated_at",
			SortOrder: "desc",
			Type:      opts.Type,
			Project:   opts.Project,
			Keyword:   text,
		}
		result, err := m.records.Query(ctx, filter)
		if err != nil {
			structuredErr = err
			return
		}
		structured = result.Items
	}()

	if m.embedder != nil && text != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vector, err := m.embedder.Embed(ctx, text)
			if err != nil {
				semanticErr = err
				return
			}
			matches, semanticErr = m.embeddings.Search(ctx, vector, fetchLimit)
		}()
	}

	wg.Wait()

	// The structured store is authoritative; its failure fails the query.
	if structuredErr != nil {
		return nil, structuredErr
	}

	if semanticErr != nil {
		log.Printf("memory: query degraded, semantic search unavailable: %v", semanticErr)
		matches = nil
	}

	candidates := make(map[string]*candidate)
	ensure := func(id string) *candidate {
		c, ok := candidates[id]
		if !ok {
			c = &candidate{}
			candidates[id] = c
		}
		return c
	}

	for _, record := range structured {
		c := ensure(record.ID)
		c.record = record
		c.fromStructured = true
	}

	for _, match := range matches {
		c := ensure(match.RecordID)
		c.fromSemantic = true
		if match.Score > c.semantic {
			c.semantic = match.Score
		}
	}

	// Graph stage, seeded by the strongest hits of the other two stores.
	for _, seed := range querySeeds(structured, matches) {
		node, err := m.anchorNode(ctx, seed)
		if err != nil {
			// Not graph-indexed yet; nothing to traverse.
			if !errors.Is(err, storage.ErrNotFound) {
				log.Printf("memory: query graph seed %s failed: %v", seed, err)
			}
			continue
		}

		traversal, err := m.graph.Neighbors(ctx, node.ID, storage.TraversalBounds{
			MaxDepth: 2,
			MaxNodes: 50,
			Timeout:  graphTraversalTimeout,
		})
		if err != nil {
			log.Printf("memory: query graph traversal from %s failed: %v", seed, err)
			continue
		}

		for _, tn := range traversal.Nodes {
			recordID := tn.Node.RecordID
			if recordID == "" || recordID == seed {
				continue
			}
			c := ensure(recordID)
			c.fromGraph = true
			if proximity := 1.0 / float64(tn.Depth); proximity > c.graphProximity {
				c.graphProximity = proximity
			}
		}
	}

	// Hydrate hits that only the secondary stores produced. A record that is
	// gone or tombstoned drops out here; Repair purges its index leftovers.
	for id, c := range candidates {
		if c.record != nil {
			continue
		}
		record, err := m.records.Get(ctx, id)
		if err != nil {
			delete(candidates, id)
			continue
		}
		c.record = record
	}

	// Score, filter, rank. Type/project filters apply to hydrated hits too:
	// the secondary stores don't pre-filter.
	queryLower := strings.ToLower(text)
	now := time.Now()

	results := make([]QueryResult, 0, len(candidates))
	for _, c := range candidates {
		if opts.Type != "" && c.record.Type != opts.Type {
			continue
		}
		if opts.Project != "" && c.record.Project != opts.Project {
			continue
		}

		components := ScoreComponents{
			Semantic:       clamp01(c.semantic),
			TextMatch:      textMatchScore(c.record.Content, queryLower),
			Recency:        recencyScore(c.record.UpdatedAt, now),
			GraphProximity: clamp01(c.graphProximity),
		}
		score := weightSemantic*components.Semantic +
			weightText*components.TextMatch +
			weightRecency*components.Recency +
			weightGraph*components.GraphProximity

		if score < opts.MinScore {
			continue
		}

		results = append(results, QueryResult{
			Record:     c.record,
			Score:      score,
			Components: components,
			Origins:    c.origins(),
		})
	}

	// Sort by score descending; break ties by id for deterministic output.
	slices.SortFunc(results, func(a, b QueryResult) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return strings.Compare(a.Record.ID, b.Record.ID)
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	return results, nil
}

// querySeeds picks up to graphSeedLimit record ids to seed the graph stage,
// preferring semantic matches (already similarity-ranked) over structured.
func querySeeds(structured []*types.MemoryRecord, matches []storage.VectorMatch) []string {
	seen := make(map[string]bool)
	var seeds []string

	add := func(id string) {
		if len(seeds) >= graphSeedLimit || seen[id] {
			return
		}
		seen[id] = true
		seeds = append(seeds, id)
	}

	for _, match := range matches {
		add(match.RecordID)
	}
	for _, record := range structured {
		add(record.ID)
	}
	return seeds
}

// textMatchScore scores keyword relevance: full credit for an exact phrase
// match, otherwise the fraction of query words present in the content.
func textMatchScore(content, queryLower string) float64 {
	if queryLower == "" {
		return 1.0 // empty query matches everything
	}

	contentLower := strings.ToLower(content)
	if strings.Contains(contentLower, queryLower) {
		return 1.0
	}

	words := strings.Fields(queryLower)
	if len(words) == 0 {
		return 0
	}

	matched := 0
	for _, word := range words {
		if strings.Contains(contentLower, word) {
			matched++
		}
	}
	return float64(matched) / float64(len(words))
}

// recencyScore decays linearly from 1.0 at the moment of the last write to
// 0.0 at the recency window.
func recencyScore(updatedAt, now time.Time) float64 {
	age := now.Sub(updatedAt)
	if age <= 0 {
		return 1.0
	}
	if age >= recencyWindow {
		return 0.0
	}
	return 1.0 - float64(age)/float64(recencyWindow)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
