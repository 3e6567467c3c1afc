package organizer

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PlannedMove is one proposed relocation. Nothing is touched until the plan
// is applied.
type PlannedMove struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Category    string `json:"category"`
	Reason      string `json:"reason"`
	Size        int64  `json:"size"`
}

// Plan is the dry-run output of a scan: every move the organizer would make,
// plus counts of what it looked at and what the rules excluded.
type Plan struct {
	Root      string        `json:"root"`
	TargetDir string        `json:"target_dir"`
	CreatedAt time.Time     `json:"created_at"`
	Moves     []PlannedMove `json:"moves"`
	Scanned   int           `json:"scanned"`
	Ignored   int           `json:"ignored"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Plan walks root and proposes a categorized destination for every eligible
// file. Hidden files, ignored directories, skip-listed extensions, and files
// newer than the configured minimum age are left alone. The filesystem is
// not modified.
func (o *Organizer) Plan(ctx context.Context, root string) (*Plan, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("organizer: failed to resolve root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("organizer: root directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("organizer: %s is not a directory", absRoot)
	}

	target := o.config.TargetDir
	if target == "" {
		target = absRoot
	} else if target, err = filepath.Abs(target); err != nil {
		return nil, fmt.Errorf("organizer: failed to resolve target: %w", err)
	}

	plan := &Plan{Root: absRoot, TargetDir: target, CreatedAt: time.Now().UTC()}
	cutoff := time.Now().Add(-o.config.MinAge)
	claimed := make(map[string]struct{})

	walkErr := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Printf("organizer: WARNING skipping %s: %v", path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path == absRoot {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") || o.rules.IgnoredDir(name) {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, relErr := filepath.Rel(absRoot, path)
		if relErr != nil {
			rel = name
		}
		if strings.HasPrefix(name, ".") || o.rules.Ignored(rel, name) {
			plan.Ignored++
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			log.Printf("organizer: WARNING could not stat %s: %v", path, err)
			return nil
		}
		if o.config.MinAge > 0 && fi.ModTime().After(cutoff) {
			return nil
		}
		plan.Scanned++

		category, reason := o.rules.Categorize(name)
		if category == "" {
			category = o.rules.DefaultCategory()
			reason = "no rule matched"
		}
		dest := filepath.Join(target, category, name)
		if dest == path {
			return nil
		}
		dest = uniqueDestination(dest, claimed)
		claimed[dest] = struct{}{}

		plan.Moves = append(plan.Moves, PlannedMove{
			Source:      path,
			Destination: dest,
			Category:    category,
			Reason:      reason,
			Size:        fi.Size(),
		})
		if len(plan.Moves) >= o.config.MaxMoves {
			plan.Truncated = true
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("organizer: scan failed: %w", walkErr)
	}

	log.Printf("organizer: planned %d moves under %s (%d scanned, %d ignored)",
		len(plan.Moves), absRoot, plan.Scanned, plan.Ignored)
	return plan, nil
}

// uniqueDestination suffixes the file name with a timestamp (and a counter
// if needed) until the path collides with neither the disk nor an earlier
// planned move.
func uniqueDestination(dest string, claimed map[string]struct{}) string {
	if destinationFree(dest, claimed) {
		return dest
	}
	dir := filepath.Dir(dest)
	ext := filepath.Ext(dest)
	stem := strings.TrimSuffix(filepath.Base(dest), ext)
	stamp := time.Now().Format("20060102_150405")

	candidate := filepath.Join(dir, fmt.Sprintf("%s_%s%s", stem, stamp, ext))
	for i := 2; !destinationFree(candidate, claimed) && i < 1000; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%s_%d%s", stem, stamp, i, ext))
	}
	return candidate
}

func destinationFree(path string, claimed map[string]struct{}) bool {
	if _, ok := claimed[path]; ok {
		return false
	}
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}

// WriteFile saves the plan as indented JSON for review before an apply.
func (p *Plan) WriteFile(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("organizer: failed to encode plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("organizer: failed to write plan: %w", err)
	}
	return nil
}

// ReadPlanFile loads a plan previously written with WriteFile.
func ReadPlanFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("organizer: failed to read plan: %w", err)
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("organizer: failed to parse plan: %w", err)
	}
	return &plan, nil
}
