package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/solastral/reverie/internal/checkpoint"
	"github.com/solastral/reverie/internal/config"
	"github.com/solastral/reverie/internal/llm"
	"github.com/solastral/reverie/internal/memory"
	"github.com/solastral/reverie/internal/server"
	"github.com/solastral/reverie/internal/storage"
	"github.com/solastral/reverie/internal/storage/postgres"
	"github.com/solastral/reverie/internal/storage/sqlite"
)

func main() {
	dataPath := flag.String("data", "", "Data directory (default: REVERIE_DATA_PATH or ./data)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *dataPath != "" {
		cfg.Storage.DataPath = *dataPath
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	// Initialize storage. The sqlite engine is the default; postgres is
	// opt-in via REVERIE_STORAGE_ENGINE=postgres.
	var (
		records    storage.RecordStore
		embeddings storage.EmbeddingIndex
		graph      storage.GraphStore
		db         *sql.DB
		closeStore func() error
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
		db = store.GetDB()
		closeStore = store.Close

		// Settings stored in the database override the environment.
		cfg, err = config.LoadConfigFromDB(db)
		if err != nil {
			log.Fatalf("Failed to load config from database: %v", err)
		}
		if *dataPath != "" {
			cfg.Storage.DataPath = *dataPath
		}
	}
	defer func() { _ = closeStore() }()

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
	if embedder == nil {
		log.Println("Embeddings disabled; queries fall back to keyword, recency and graph scoring")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mcfg := memory.DefaultConfig()
	mcfg.NumWorkers = cfg.Index.NumWorkers
	mcfg.QueueSize = cfg.Index.QueueSize
	mcfg.EmbedRatePerSec = cfg.Index.EmbedRatePerSec
	mcfg.EmbedBurst = cfg.Index.EmbedBurst
	mcfg.RepairInterval = cfg.Index.RepairInterval

	manager, err := memory.NewManager(records, embeddings, graph, embedder, mcfg)
	if err != nil {
		log.Fatalf("Failed to initialize memory manager: %v", err)
	}
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("Failed to start memory manager: %v", err)
	}

	engine, err := checkpoint.NewEngine(cfg.Storage.JournalPath(), memory.NewMoveIndexer(manager))
	if err != nil {
		log.Fatalf("Failed to open checkpoint journal: %v", err)
	}
	defer func() { _ = engine.Close() }()

	// Replay the journal before serving: a crash mid-batch leaves moves
	// that must be reversed before anyone relies on the filesystem.
	report, err := engine.Recover(ctx)
	if err != nil {
		log.Fatalf("Failed to recover checkpoint journal: %v", err)
	}
	if report.BatchesReplayed > 0 {
		log.Printf("Recovered %d checkpoint batches (%d auto-reversed, %d files moved back)",
			report.BatchesReplayed, len(report.AutoReversed), report.OperationsReversed)
	}

	addr, _, err := server.Start(ctx, cfg, server.Deps{
		Memory:      manager,
		Checkpoints: engine,
		DB:          db,
	})
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Reverie API running at http://%s", addr)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")

	// Drain the indexing queue first so in-flight saves finish.
	if err := manager.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down memory manager: %v", err)
	}

	cancel()
	time.Sleep(1 * time.Second) // Give time for connections to close
}
