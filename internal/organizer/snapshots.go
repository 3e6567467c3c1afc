package organizer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const snapshotPrefix = "reverie-pre-apply-"

type snapshotInfo struct {
	path      string
	timestamp time.Time
}

// listSnapshots returns every pre-apply snapshot in dir, newest first.
// Other files are left alone.
func listSnapshots(dir string) ([]snapshotInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var snapshots []snapshotInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, ".db") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // Skip files we can't stat
		}
		snapshots = append(snapshots, snapshotInfo{
			path:      filepath.Join(dir, name),
			timestamp: info.ModTime(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].timestamp.After(snapshots[j].timestamp)
	})
	return snapshots, nil
}

// pruneSnapshots removes all but the keep newest pre-apply snapshots from
// dir. Every apply lands a new snapshot, so without pruning the directory
// grows by one full database copy per run.
func pruneSnapshots(dir string, keep int) error {
	snapshots, err := listSnapshots(dir)
	if err != nil {
		return err
	}
	if len(snapshots) <= keep {
		return nil
	}

	for _, old := range snapshots[keep:] {
		if err := os.Remove(old.path); err != nil {
			return fmt.Errorf("failed to remove old snapshot %s: %w", old.path, err)
		}
	}
	return nil
}
