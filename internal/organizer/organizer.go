package organizer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/solastral/reverie/internal/checkpoint"
)

// Snapshotter copies the memory database somewhere safe before an apply run.
// The sqlite store implements it.
type Snapshotter interface {
	Snapshot(destPath string) error
}

// Config holds the run knobs; categorization policy lives in Rules.
type Config struct {
	// TargetDir is the root for category folders. Empty means organize in
	// place, under the scanned root.
	TargetDir string

	// MaxMoves caps how many moves one plan may contain.
	MaxMoves int

	// MinAge excludes files modified more recently than this. Zero takes
	// everything.
	MinAge time.Duration

	// SnapshotDir receives a pre-apply database snapshot. Empty disables
	// the snapshot.
	SnapshotDir string

	// SnapshotKeep caps how many snapshots stay in SnapshotDir; older
	// ones are pruned after each new snapshot lands.
	SnapshotKeep int
}

// DefaultConfig returns the standard run knobs.
func DefaultConfig() Config {
	return Config{MaxMoves: 500, SnapshotKeep: 10}
}

// Report summarizes an apply run.
type Report struct {
	BatchID      string         `json:"batch_id,omitempty"`
	Moved        int            `json:"moved"`
	Skipped      int            `json:"skipped"`
	Categories   map[string]int `json:"categories"`
	SnapshotPath string         `json:"snapshot_path,omitempty"`
	Duration     time.Duration  `json:"duration"`
}

// Organizer turns plans into checkpointed move batches.
type Organizer struct {
	rules       *RuleSet
	checkpoints *checkpoint.Engine
	snapshotter Snapshotter
	config      Config
}

// NewOrganizer wires the rule set and checkpoint engine together. The
// snapshotter may be nil.
func NewOrganizer(rules *RuleSet, engine *checkpoint.Engine, snapshotter Snapshotter, config Config) (*Organizer, error) {
	if rules == nil {
		return nil, fmt.Errorf("organizer: rule set is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("organizer: checkpoint engine is required")
	}
	if config.MaxMoves <= 0 {
		config.MaxMoves = DefaultConfig().MaxMoves
	}
	if config.SnapshotKeep <= 0 {
		config.SnapshotKeep = DefaultConfig().SnapshotKeep
	}
	return &Organizer{
		rules:       rules,
		checkpoints: engine,
		snapshotter: snapshotter,
		config:      config,
	}, nil
}

// Apply performs every move in the plan inside one checkpoint batch and
// seals it. Sources that vanished since planning are skipped; any real move
// failure fails the batch, which reverses everything already applied. An
// empty plan is a no-op without a batch.
func (o *Organizer) Apply(ctx context.Context, plan *Plan) (*Report, error) {
	report := &Report{Categories: make(map[string]int)}
	if plan == nil || len(plan.Moves) == 0 {
		return report, nil
	}
	start := time.Now()

	o.snapshotBefore(report)

	batch, err := o.checkpoints.BeginBatch(ctx, "organize",
		fmt.Sprintf("organize %d files under %s", len(plan.Moves), plan.Root))
	if err != nil {
		return nil, fmt.Errorf("organizer: %w", err)
	}
	report.BatchID = batch.ID

	for _, move := range plan.Moves {
		if _, err := os.Stat(move.Source); err != nil {
			// The file left between planning and applying.
			log.Printf("organizer: skipping %s (%v)", move.Source, err)
			report.Skipped++
			continue
		}
		_, err := o.checkpoints.RecordOperation(ctx, batch.ID, checkpoint.OperationRequest{
			Source:      move.Source,
			Destination: move.Destination,
			Category:    move.Category,
			Reason:      move.Reason,
		})
		if err != nil {
			if errors.Is(err, checkpoint.ErrBatchCancelled) {
				return nil, fmt.Errorf("organizer: apply cancelled after %d moves (batch %s sealed): %w",
					report.Moved, batch.ID, err)
			}
			return nil, fmt.Errorf("organizer: apply failed and batch %s was reversed: %w", batch.ID, err)
		}
		report.Moved++
		report.Categories[move.Category]++
	}

	if err := o.checkpoints.CommitBatch(ctx, batch.ID); err != nil {
		return nil, fmt.Errorf("organizer: %w", err)
	}
	report.Duration = time.Since(start)
	log.Printf("organizer: applied %d moves (%d skipped) in batch %s", report.Moved, report.Skipped, report.BatchID)
	return report, nil
}

// snapshotBefore copies the database aside when a snapshotter is configured.
// Failure never blocks the apply; the checkpoint batch is the undo path for
// the files themselves.
func (o *Organizer) snapshotBefore(report *Report) {
	if o.snapshotter == nil || o.config.SnapshotDir == "" {
		return
	}
	if err := os.MkdirAll(o.config.SnapshotDir, 0755); err != nil {
		log.Printf("organizer: WARNING could not create snapshot directory: %v", err)
		return
	}
	path := filepath.Join(o.config.SnapshotDir,
		fmt.Sprintf("reverie-pre-apply-%s.db", time.Now().Format("20060102-150405.000000")))
	if err := o.snapshotter.Snapshot(path); err != nil {
		log.Printf("organizer: WARNING pre-apply snapshot failed: %v", err)
		return
	}
	report.SnapshotPath = path

	if err := pruneSnapshots(o.config.SnapshotDir, o.config.SnapshotKeep); err != nil {
		log.Printf("organizer: WARNING snapshot prune failed: %v", err)
	}
}
