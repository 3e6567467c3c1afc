// Command reverie-organize plans, applies, reverses and watches file
// organization runs. Every apply is journaled as a checkpoint batch, so any
// run can be undone later with -rollback.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/solastral/reverie/internal/checkpoint"
	"github.com/solastral/reverie/internal/config"
	"github.com/solastral/reverie/internal/llm"
	"github.com/solastral/reverie/internal/memory"
	"github.com/solastral/reverie/internal/organizer"
	"github.com/solastral/reverie/internal/storage"
	"github.com/solastral/reverie/internal/storage/postgres"
	"github.com/solastral/reverie/internal/storage/sqlite"
)

var (
	planCmd     = flag.Bool("plan", false, "Scan the directory and write a plan file without moving anything")
	applyCmd    = flag.String("apply", "", "Apply a previously written plan file")
	rollbackCmd = flag.String("rollback", "", "Reverse an applied batch by id and exit")
	listCmd     = flag.Bool("list", false, "List recorded checkpoint batches and exit")
	watchCmd    = flag.Bool("watch", false, "Watch the directory and record new arrivals as memory facts")

	dir       = flag.String("dir", ".", "Directory to organize or watch")
	targetDir = flag.String("target", "", "Separate root for category folders (default: organize in place)")
	rulesPath = flag.String("rules", "", "Rules file (overrides REVERIE_RULES_PATH)")
	outPath   = flag.String("out", "reverie-plan.json", "Where -plan writes the plan file")
	dataPath  = flag.String("data", "", "Data directory (overrides REVERIE_DATA_PATH)")
	maxMoves  = flag.Int("max-moves", 0, "Cap moves per plan (overrides config)")
	minAge    = flag.Duration("min-age", 0, "Skip files modified more recently than this (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *dataPath != "" {
		cfg.Storage.DataPath = *dataPath
	}
	if *maxMoves > 0 {
		cfg.Organizer.MaxMoves = *maxMoves
	}
	if *minAge > 0 {
		cfg.Organizer.MinAge = *minAge
	}
	if cfg.Organizer.SnapshotDir == "" {
		cfg.Organizer.SnapshotDir = filepath.Join(cfg.Storage.DataPath, "snapshots")
	}
	if err := os.MkdirAll(cfg.Storage.DataPath, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	rules, err := loadRuleSet(cfg)
	if err != nil {
		log.Fatalf("Failed to load rules: %v", err)
	}

	ctx := context.Background()

	switch {
	case *planCmd:
		handlePlan(ctx, cfg, rules)
	case *applyCmd != "":
		handleApply(ctx, cfg, rules, *applyCmd)
	case *rollbackCmd != "":
		handleRollback(ctx, cfg, *rollbackCmd)
	case *listCmd:
		handleList(ctx, cfg)
	case *watchCmd:
		handleWatch(ctx, cfg, rules)
	default:
		fmt.Fprintln(os.Stderr, "Specify a mode: -plan, -apply <file>, -rollback <id>, -list or -watch")
		flag.Usage()
		os.Exit(2)
	}
}

// loadRuleSet compiles the rules file from the flag, then the config, then
// the built-in defaults.
func loadRuleSet(cfg *config.Config) (*organizer.RuleSet, error) {
	path := cfg.Organizer.RulesPath
	if *rulesPath != "" {
		path = *rulesPath
	}

	rules := organizer.DefaultRules()
	if path != "" {
		loaded, err := organizer.LoadRules(path)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	return rules.Compile()
}

// openEngine opens the checkpoint journal and replays it so sealed history
// is available and crashed batches are reversed before anything else runs.
func openEngine(ctx context.Context, cfg *config.Config, reindexer checkpoint.Reindexer) *checkpoint.Engine {
	engine, err := checkpoint.NewEngine(cfg.Storage.JournalPath(), reindexer)
	if err != nil {
		log.Fatalf("Failed to open checkpoint journal: %v", err)
	}

	report, err := engine.Recover(ctx)
	if err != nil {
		log.Fatalf("Failed to recover checkpoint journal: %v", err)
	}
	if len(report.AutoReversed) > 0 {
		log.Printf("Reversed %d interrupted batches (%d files moved back)",
			len(report.AutoReversed), report.OperationsReversed)
	}
	return engine
}

// openMemory builds the record store and memory manager so applies and
// watches can index what they touch. The returned cleanup drains the
// indexing queue and closes the store.
func openMemory(ctx context.Context, cfg *config.Config) (*memory.Manager, organizer.Snapshotter, func()) {
	var (
		records     storage.RecordStore
		embeddings  storage.EmbeddingIndex
		graph       storage.GraphStore
		snapshotter organizer.Snapshotter
		closeStore  func() error
	)
	switch cfg.Storage.Engine {
	case "postgres":
		store, err := postgres.NewStore(cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		records = store
		embeddings = postgres.NewEmbeddingIndex(store)
		graph = postgres.NewGraphStore(store)
		closeStore = store.Close
	default:
		store, err := sqlite.NewStore(cfg.Storage.DatabasePath())
		if err != nil {
			log.Fatalf("Failed to initialize storage: %v", err)
		}
		records = store
		embeddings = sqlite.NewEmbeddingIndex(store)
		graph = sqlite.NewGraphStore(store)
		snapshotter = store
		closeStore = store.Close

		if db := store.GetDB(); db != nil {
			cfg2, err := config.LoadConfigFromDB(db)
			if err == nil {
				cfg.User = cfg2.User
			}
		}
	}

	embedder, err := llm.NewEmbedder(llm.Config{
		Provider:  cfg.Embedding.Provider,
		BaseURL:   cfg.Embedding.OllamaURL,
		APIKey:    cfg.Embedding.OpenAIAPIKey,
		Model:     cfg.Embedding.Model,
		Timeout:   cfg.Embedding.Timeout,
		CacheSize: cfg.Embedding.CacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize embedder: %v", err)
	}

	mcfg := memory.DefaultConfig()
	mcfg.NumWorkers = cfg.Index.NumWorkers
	mcfg.QueueSize = cfg.Index.QueueSize
	mcfg.EmbedRatePerSec = cfg.Index.EmbedRatePerSec
	mcfg.EmbedBurst = cfg.Index.EmbedBurst

	manager, err := memory.NewManager(records, embeddings, graph, embedder, mcfg)
	if err != nil {
		log.Fatalf("Failed to initialize memory manager: %v", err)
	}
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("Failed to start memory manager: %v", err)
	}

	cleanup := func() {
		if err := manager.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down memory manager: %v", err)
		}
		if err := closeStore(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}
	return manager, snapshotter, cleanup
}

func organizerConfig(cfg *config.Config) organizer.Config {
	ocfg := organizer.DefaultConfig()
	ocfg.TargetDir = *targetDir
	if cfg.Organizer.MaxMoves > 0 {
		ocfg.MaxMoves = cfg.Organizer.MaxMoves
	}
	ocfg.MinAge = cfg.Organizer.MinAge
	ocfg.SnapshotDir = cfg.Organizer.SnapshotDir
	ocfg.SnapshotKeep = cfg.Organizer.SnapshotKeep
	return ocfg
}

func handlePlan(ctx context.Context, cfg *config.Config, rules *organizer.RuleSet) {
	engine := openEngine(ctx, cfg, nil)
	defer func() { _ = engine.Close() }()

	org, err := organizer.NewOrganizer(rules, engine, nil, organizerConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to build organizer: %v", err)
	}

	plan, err := org.Plan(ctx, *dir)
	if err != nil {
		log.Fatalf("Planning failed: %v", err)
	}

	if err := plan.WriteFile(*outPath); err != nil {
		log.Fatalf("Failed to write plan file: %v", err)
	}

	byCategory := make(map[string]int)
	for _, move := range plan.Moves {
		byCategory[move.Category]++
	}
	categories := make([]string, 0, len(byCategory))
	for name := range byCategory {
		categories = append(categories, name)
	}
	sort.Strings(categories)

	fmt.Printf("Scanned %d files under %s (%d ignored)\n", plan.Scanned, plan.Root, plan.Ignored)
	fmt.Printf("Planned %d moves:\n", len(plan.Moves))
	for _, name := range categories {
		fmt.Printf("  %-12s %d\n", name, byCategory[name])
	}
	if plan.Truncated {
		fmt.Println("Plan truncated at the move cap; run again after applying")
	}
	fmt.Printf("\nPlan written to %s\n", *outPath)
	fmt.Printf("Apply it with: reverie-organize -apply %s\n", *outPath)
}

func handleApply(ctx context.Context, cfg *config.Config, rules *organizer.RuleSet, planFile string) {
	plan, err := organizer.ReadPlanFile(planFile)
	if err != nil {
		log.Fatalf("Failed to read plan file: %v", err)
	}

	manager, snapshotter, cleanup := openMemory(ctx, cfg)
	defer cleanup()

	engine := openEngine(ctx, cfg, memory.NewMoveIndexer(manager))
	defer func() { _ = engine.Close() }()

	org, err := organizer.NewOrganizer(rules, engine, snapshotter, organizerConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to build organizer: %v", err)
	}

	report, err := org.Apply(ctx, plan)
	if err != nil {
		log.Fatalf("Apply failed: %v", err)
	}

	fmt.Printf("Moved %d files (%d skipped) in %v\n", report.Moved, report.Skipped, report.Duration.Round(time.Millisecond))
	categories := make([]string, 0, len(report.Categories))
	for name := range report.Categories {
		categories = append(categories, name)
	}
	sort.Strings(categories)
	for _, name := range categories {
		fmt.Printf("  %-12s %d\n", name, report.Categories[name])
	}
	if report.SnapshotPath != "" {
		fmt.Printf("Pre-apply snapshot: %s\n", report.SnapshotPath)
	}
	if report.BatchID != "" {
		fmt.Printf("\nUndo with: reverie-organize -rollback %s\n", report.BatchID)
	}
}

func handleRollback(ctx context.Context, cfg *config.Config, batchID string) {
	engine := openEngine(ctx, cfg, nil)
	defer func() { _ = engine.Close() }()

	report, err := engine.Rollback(ctx, batchID)
	if err != nil {
		log.Fatalf("Rollback failed: %v", err)
	}

	fmt.Printf("Batch %s: %d reversed, %d conflicts (final state: %s)\n",
		report.BatchID, len(report.Reversed), len(report.Failed), report.FinalState)
	for _, failure := range report.Failed {
		fmt.Printf("  CONFLICT %s: %s\n", failure.DestinationPath, failure.Err)
	}
}

func handleList(ctx context.Context, cfg *config.Config) {
	engine := openEngine(ctx, cfg, nil)
	defer func() { _ = engine.Close() }()

	batches, err := engine.ListBatches(ctx)
	if err != nil {
		log.Fatalf("Failed to list batches: %v", err)
	}

	if len(batches) == 0 {
		fmt.Println("No checkpoint batches recorded")
		return
	}

	fmt.Printf("Found %d batch(es):\n\n", len(batches))
	for i, batch := range batches {
		fmt.Printf("%d. %s [%s]\n", i+1, batch.ID, batch.State)
		fmt.Printf("   %s (%d operations)\n", batch.Description, len(batch.Operations))
		fmt.Printf("   Created: %s (%s ago)\n",
			batch.CreatedAt.Format(time.RFC3339),
			time.Since(batch.CreatedAt).Round(time.Minute))
		fmt.Println()
	}
}

func handleWatch(ctx context.Context, cfg *config.Config, rules *organizer.RuleSet) {
	manager, _, cleanup := openMemory(ctx, cfg)
	defer cleanup()

	watcher := organizer.NewWatcher(*dir, rules, manager)
	if err := watcher.Start(); err != nil {
		log.Fatalf("Failed to start watcher: %v", err)
	}

	log.Printf("Watching %s for new files", *dir)
	log.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Stopping watcher...")
	watcher.Stop()
}
