package memory

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/solastral/reverie/pkg/types"
)

const (
	// mentionWeight is the edge confidence for marker-extracted mentions.
	// Lower than belongs_to edges, which come from an explicit project tag.
	mentionWeight = 0.8

	// maxMentionsPerRecord bounds graph writes on pathological content.
	maxMentionsPerRecord = 32

	// labelMaxLen truncates node labels derived from record content.
	labelMaxLen = 80
)

// runIndexStages runs the secondary-index stages for a job and returns the
// per-stage outcomes. Both stages are attempted even when one fails so a
// retry only repeats what is actually outstanding.
func (m *Manager) runIndexStages(ctx context.Context, job *IndexJob) (embErr, graphErr error) {
	if !job.EmbeddingOnly {
		graphErr = m.indexGraph(ctx, job)
	}
	embErr = m.indexEmbedding(ctx, job)
	return embErr, graphErr
}

// indexEmbedding embeds the record content and writes it to the embedding
// index. Embed calls are rate-limited across all workers.
func (m *Manager) indexEmbedding(ctx context.Context, job *IndexJob) error {
	if m.embedder == nil {
		// No semantic index configured; nothing to write.
		return nil
	}

	if err := m.embedLimiter.Wait(ctx); err != nil {
		return err
	}

	vector, err := m.embedder.Embed(ctx, job.Content)
	if err != nil {
		return err
	}

	return m.embeddings.Upsert(ctx, job.RecordID, vector, m.embedder.GetModel())
}

// indexGraph links the record into the relationship graph: an anchor node
// keyed by the record id, a belongs_to edge to its project, and mentions
// edges to entities extracted from the content. Extraction is deterministic
// (marker syntax and path shapes), so rebuilding the graph from the record
// store always converges.
func (m *Manager) indexGraph(ctx context.Context, job *IndexJob) error {
	anchorID, err := m.graph.AddNode(ctx, types.NodeKindConcept, job.RecordID, recordLabel(job.Content), job.RecordID)
	if err != nil {
		return err
	}

	if job.Project != "" {
		projectID, err := m.graph.AddNode(ctx, types.NodeKindProject, normalizeKey(job.Project), job.Project, "")
		if err != nil {
			return err
		}
		if err := m.graph.AddEdge(ctx, anchorID, projectID, types.RelBelongsTo, 1.0); err != nil {
			return err
		}
	}

	for _, mention := range extractMentions(job.Content) {
		nodeID, err := m.graph.AddNode(ctx, mention.Kind, mention.Key, mention.Label, "")
		if err != nil {
			return err
		}
		if err := m.graph.AddEdge(ctx, anchorID, nodeID, types.RelMentions, mentionWeight); err != nil {
			return err
		}
	}

	return nil
}

// anchorNode resolves the graph node that anchors a record, if the record
// has been graph-indexed.
func (m *Manager) anchorNode(ctx context.Context, recordID string) (*types.GraphNode, error) {
	return m.graph.GetNode(ctx, types.NodeKindConcept, recordID)
}

// mention is an entity reference extracted from record content.
type mention struct {
	Kind  types.NodeKind
	Key   string
	Label string
}

// extractMentions pulls entity references out of record content using
// deterministic rules: @name marks a person, #topic marks a concept, and
// slash-containing tokens are treated as file paths. URLs are ignored.
func extractMentions(content string) []mention {
	var (
		mentions []mention
		seen     = map[string]bool{}
	)

	add := func(kind types.NodeKind, key, label string) {
		dedupe := string(kind) + ":" + key
		if key == "" || seen[dedupe] {
			return
		}
		seen[dedupe] = true
		mentions = append(mentions, mention{Kind: kind, Key: key, Label: label})
	}

	for _, token := range strings.Fields(content) {
		token = strings.Trim(token, ".,;:!?()[]{}<>\"'`")
		if len(token) < 2 {
			continue
		}

		switch {
		case strings.HasPrefix(token, "@"):
			name := token[1:]
			add(types.NodeKindPerson, strings.ToLower(name), name)

		case strings.HasPrefix(token, "#"):
			topic := token[1:]
			add(types.NodeKindConcept, strings.ToLower(topic), topic)

		case strings.ContainsRune(token, '/') && !strings.Contains(token, "://"):
			add(types.NodeKindFile, token, filepath.Base(token))
		}

		if len(mentions) >= maxMentionsPerRecord {
			break
		}
	}

	return mentions
}

// recordLabel derives a short display label from record content: the first
// line, truncated.
func recordLabel(content string) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > labelMaxLen {
		line = line[:labelMaxLen]
	}
	return line
}

// normalizeKey lowercases and trims a node key so "Atlas" and "atlas" land
// on the same graph node.
func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
