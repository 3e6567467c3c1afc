package organizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solastral/reverie/internal/checkpoint"
)

// newPlanOrganizer builds an organizer with default rules and a throwaway
// checkpoint engine, enough for planning tests that never apply anything.
func newPlanOrganizer(t *testing.T, cfg Config) *Organizer {
	t.Helper()

	engine, err := checkpoint.NewEngine(filepath.Join(t.TempDir(), "checkpoints.log"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	org, err := NewOrganizer(compileDefaults(t), engine, nil, cfg)
	require.NoError(t, err)
	return org
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// movesByBase indexes planned moves by source file name.
func movesByBase(plan *Plan) map[string]PlannedMove {
	out := make(map[string]PlannedMove, len(plan.Moves))
	for _, m := range plan.Moves {
		out[filepath.Base(m.Source)] = m
	}
	return out
}

func TestPlan_CategorizesAndCounts(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.pdf"), "alpha")
	writeFile(t, filepath.Join(root, "b.jpg"), "beta")
	writeFile(t, filepath.Join(root, "c.py"), "print()")
	writeFile(t, filepath.Join(root, ".hidden"), "x")
	writeFile(t, filepath.Join(root, "node_modules", "d.pdf"), "dep")
	writeFile(t, filepath.Join(root, "notes.xyz"), "???")

	org := newPlanOrganizer(t, DefaultConfig())
	plan, err := org.Plan(context.Background(), root)
	require.NoError(t, err)

	require.Len(t, plan.Moves, 3)
	assert.Equal(t, 3, plan.Scanned)
	assert.Equal(t, 2, plan.Ignored, "c.py and .hidden are ignored; node_modules is never entered")
	assert.False(t, plan.Truncated)
	assert.Equal(t, root, plan.TargetDir, "empty target means organize in place")

	moves := movesByBase(plan)
	assert.Equal(t, "Documents", moves["a.pdf"].Category)
	assert.Contains(t, moves["a.pdf"].Reason, ".pdf")
	assert.Equal(t, filepath.Join(root, "Documents", "a.pdf"), moves["a.pdf"].Destination)
	assert.Equal(t, int64(len("alpha")), moves["a.pdf"].Size)

	assert.Equal(t, "Images", moves["b.jpg"].Category)
	assert.Equal(t, "Misc", moves["notes.xyz"].Category)
	assert.Equal(t, "no rule matched", moves["notes.xyz"].Reason)
}

func TestPlan_DuplicateNamesGetDistinctDestinations(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sub1", "a.pdf"), "one")
	writeFile(t, filepath.Join(root, "sub2", "a.pdf"), "two")

	org := newPlanOrganizer(t, DefaultConfig())
	plan, err := org.Plan(context.Background(), root)
	require.NoError(t, err)

	require.Len(t, plan.Moves, 2)
	assert.NotEqual(t, plan.Moves[0].Destination, plan.Moves[1].Destination)
	for _, m := range plan.Moves {
		assert.Equal(t, filepath.Join(root, "Documents"), filepath.Dir(m.Destination))
	}

	// The second claimant keeps its stem and extension around a suffix.
	second := filepath.Base(plan.Moves[1].Destination)
	assert.True(t, len(second) > len("a.pdf"))
	assert.Contains(t, second, "a_")
	assert.Contains(t, second, ".pdf")
}

func TestPlan_ExistingDestinationOnDiskGetsSuffix(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "x.pdf"), "incoming")
	writeFile(t, filepath.Join(root, "Documents", "x.pdf"), "already filed")

	org := newPlanOrganizer(t, DefaultConfig())
	plan, err := org.Plan(context.Background(), root)
	require.NoError(t, err)

	// The already-filed copy is in place and stays; the incoming one is
	// routed around the collision.
	require.Len(t, plan.Moves, 1)
	assert.Equal(t, 2, plan.Scanned)
	move := plan.Moves[0]
	assert.Equal(t, filepath.Join(root, "x.pdf"), move.Source)
	assert.NotEqual(t, filepath.Join(root, "Documents", "x.pdf"), move.Destination)
	assert.Contains(t, filepath.Base(move.Destination), "x_")
}

func TestPlan_MinAgeExcludesRecentFiles(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "old.pdf")
	writeFile(t, oldPath, "old")
	writeFile(t, filepath.Join(root, "new.pdf"), "new")

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	cfg := DefaultConfig()
	cfg.MinAge = time.Hour
	org := newPlanOrganizer(t, cfg)

	plan, err := org.Plan(context.Background(), root)
	require.NoError(t, err)

	require.Len(t, plan.Moves, 1)
	assert.Equal(t, oldPath, plan.Moves[0].Source)
	assert.Equal(t, 1, plan.Scanned, "files under the age gate are not counted")
}

func TestPlan_MaxMovesTruncates(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.pdf", "b.pdf", "c.pdf", "d.pdf"} {
		writeFile(t, filepath.Join(root, name), name)
	}

	cfg := DefaultConfig()
	cfg.MaxMoves = 2
	org := newPlanOrganizer(t, cfg)

	plan, err := org.Plan(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, plan.Moves, 2)
	assert.True(t, plan.Truncated)
}

func TestPlan_SeparateTargetDir(t *testing.T) {
	root := t.TempDir()
	target := t.TempDir()
	writeFile(t, filepath.Join(root, "a.pdf"), "alpha")

	cfg := DefaultConfig()
	cfg.TargetDir = target
	org := newPlanOrganizer(t, cfg)

	plan, err := org.Plan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, plan.Moves, 1)
	assert.Equal(t, filepath.Join(target, "Documents", "a.pdf"), plan.Moves[0].Destination)
}

func TestPlan_RootMustBeDirectory(t *testing.T) {
	org := newPlanOrganizer(t, DefaultConfig())

	_, err := org.Plan(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "f.txt")
	writeFile(t, file, "x")
	_, err = org.Plan(context.Background(), file)
	assert.ErrorContains(t, err, "not a directory")
}

func TestPlan_FileRoundTrip(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.pdf"), "alpha")

	org := newPlanOrganizer(t, DefaultConfig())
	plan, err := org.Plan(context.Background(), root)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, plan.WriteFile(path))

	loaded, err := ReadPlanFile(path)
	require.NoError(t, err)
	assert.Equal(t, plan.Root, loaded.Root)
	require.Len(t, loaded.Moves, 1)
	assert.Equal(t, plan.Moves[0], loaded.Moves[0])
}
