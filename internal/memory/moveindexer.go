package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/solastral/reverie/pkg/types"
)

// MoveIndexer records applied file moves as memory facts, so organized files
// stay findable by search and show up in the relationship graph through
// their paths. It satisfies the checkpoint engine's reindex hook.
type MoveIndexer struct {
	manager *Manager
}

// NewMoveIndexer wraps a manager for use as a checkpoint reindexer.
func NewMoveIndexer(m *Manager) *MoveIndexer {
	return &MoveIndexer{manager: m}
}

// ReindexMove writes one fact describing the move.
func (mi *MoveIndexer) ReindexMove(ctx context.Context, op types.Operation) error {
	content := fmt.Sprintf("Organized %s into %s", filepath.Base(op.DestinationPath), op.DestinationPath)
	if op.Category != "" {
		content += fmt.Sprintf(" (%s)", op.Category)
	}
	if op.Reason != "" {
		content += ": " + op.Reason
	}
	_, err := mi.manager.Save(ctx, content, SaveOptions{
		Type:    types.RecordTypeFact,
		Project: projectForPath(op.DestinationPath),
	})
	return err
}

// projectForPath pulls a project name out of a Projects/<name> path segment,
// defaulting to "documents".
func projectForPath(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i, part := range parts {
		if strings.EqualFold(part, "projects") && i+1 < len(parts) {
			return strings.ToLower(parts[i+1])
		}
	}
	return "documents"
}
