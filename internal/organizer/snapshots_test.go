package organizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSnapshotFile(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("db"), 0644))
	mod := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mod, mod))
	return path
}

func TestPruneSnapshots_KeepsNewest(t *testing.T) {
	dir := t.TempDir()

	oldest := writeSnapshotFile(t, dir, "reverie-pre-apply-a.db", 3*time.Hour)
	middle := writeSnapshotFile(t, dir, "reverie-pre-apply-b.db", 2*time.Hour)
	newest := writeSnapshotFile(t, dir, "reverie-pre-apply-c.db", 1*time.Hour)

	require.NoError(t, pruneSnapshots(dir, 2))

	assert.NoFileExists(t, oldest)
	assert.FileExists(t, middle)
	assert.FileExists(t, newest)
}

func TestPruneSnapshots_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()

	snapshot := writeSnapshotFile(t, dir, "reverie-pre-apply-a.db", 2*time.Hour)
	bystander := writeSnapshotFile(t, dir, "notes.db", 5*time.Hour)
	plain := filepath.Join(dir, "readme.txt")
	require.NoError(t, os.WriteFile(plain, []byte("keep"), 0644))

	require.NoError(t, pruneSnapshots(dir, 0))

	assert.NoFileExists(t, snapshot)
	assert.FileExists(t, bystander)
	assert.FileExists(t, plain)
}

func TestPruneSnapshots_UnderLimitIsNoOp(t *testing.T) {
	dir := t.TempDir()

	kept := writeSnapshotFile(t, dir, "reverie-pre-apply-a.db", time.Hour)

	require.NoError(t, pruneSnapshots(dir, 5))
	assert.FileExists(t, kept)
}

func TestApply_PrunesOldSnapshots(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnapshotDir = t.TempDir()
	cfg.SnapshotKeep = 1

	// Seed stale snapshots from earlier runs.
	writeSnapshotFile(t, cfg.SnapshotDir, "reverie-pre-apply-old1.db", 48*time.Hour)
	writeSnapshotFile(t, cfg.SnapshotDir, "reverie-pre-apply-old2.db", 24*time.Hour)

	org, _, _ := newOrganizerStack(t, cfg)

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.pdf"), "pdf")

	plan, err := org.Plan(context.Background(), root)
	require.NoError(t, err)
	report, err := org.Apply(context.Background(), plan)
	require.NoError(t, err)
	require.NotEmpty(t, report.SnapshotPath)

	entries, err := os.ReadDir(cfg.SnapshotDir)
	require.NoError(t, err)

	var snapshots []string
	for _, entry := range entries {
		snapshots = append(snapshots, entry.Name())
	}
	require.Len(t, snapshots, 1, "only the newest snapshot survives, got %v", snapshots)
	assert.Equal(t, filepath.Base(report.SnapshotPath), snapshots[0])
}
