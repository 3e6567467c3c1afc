package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/solastral/reverie/internal/llm"
	"github.com/solastral/reverie/internal/storage/sqlite"
	"github.com/solastral/reverie/pkg/types"
)

// Helper to create a manager over a temp SQLite store without testify, in
// the style of the storage-layer tests.
func createTestManager(t *testing.T) *Manager {
	t.Helper()

	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "lifecycle.db"))
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := DefaultConfig()
	cfg.NumWorkers = 1

	mgr, err := NewManager(store, sqlite.NewEmbeddingIndex(store), sqlite.NewGraphStore(store), llm.NewHashEmbedder(32), cfg)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return mgr
}

// TestManager_DoubleStart verifies that calling Start() twice returns an error.
// The second call should fail gracefully without corrupting state.
func TestManager_DoubleStart(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("First Start() failed: %v", err)
	}

	err := mgr.Start(ctx)
	if err == nil {
		t.Fatal("Expected second Start() to return an error, got nil")
	}
	if err.Error() != "memory: manager already started" {
		t.Errorf("Expected 'memory: manager already started', got: %v", err)
	}

	// The manager is still usable after the failed second Start.
	record, err := mgr.Save(ctx, "still works", SaveOptions{})
	if err != nil {
		t.Errorf("Save() failed after double Start attempt: %v", err)
	}
	if record == nil {
		t.Error("Expected a non-nil record from Save()")
	}

	if err := mgr.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

// TestManager_SaveBeforeStart verifies that Save() before Start() returns an
// error without panicking.
func TestManager_SaveBeforeStart(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	record, err := mgr.Save(ctx, "too early", SaveOptions{})
	if err == nil {
		t.Fatal("Expected Save() to return an error before Start(), got nil")
	}
	if err.Error() != "memory: manager not started" {
		t.Errorf("Expected 'memory: manager not started', got: %v", err)
	}
	if record != nil {
		t.Error("Expected nil record when Save() fails before Start()")
	}
}

// TestManager_ShutdownDrainsQueue verifies that Shutdown() closes the queue
// gracefully with jobs still in flight.
func TestManager_ShutdownDrainsQueue(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Failed to Start manager: %v", err)
	}

	// Large content so the jobs go through the queue.
	content := strings.Repeat("queued content line. ", 40)
	for i := 0; i < 3; i++ {
		if _, err := mgr.Save(ctx, content, SaveOptions{}); err != nil {
			t.Errorf("Save failed: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- mgr.Shutdown(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Shutdown returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown timed out after 5 seconds")
	}
}

// TestManager_ShutdownBeforeStart verifies that Shutdown() before Start() is
// a harmless no-op.
func TestManager_ShutdownBeforeStart(t *testing.T) {
	mgr := createTestManager(t)

	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected Shutdown() before Start() to be a no-op, got: %v", err)
	}
}

// TestManager_SaveEmptyContent verifies that Save() rejects empty content.
func TestManager_SaveEmptyContent(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Failed to Start manager: %v", err)
	}
	defer func() { _ = mgr.Shutdown(ctx) }()

	record, err := mgr.Save(ctx, "", SaveOptions{})
	if err == nil {
		t.Fatal("Expected Save() to return error for empty content, got nil")
	}
	if record != nil {
		t.Error("Expected nil record when Save() rejects empty content")
	}
}

// TestManager_GetQueueSize verifies queue size reporting stays non-negative.
func TestManager_GetQueueSize(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	if size := mgr.GetQueueSize(); size != 0 {
		t.Errorf("Expected queue size 0 before start, got %d", size)
	}

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Failed to Start manager: %v", err)
	}
	defer func() { _ = mgr.Shutdown(ctx) }()

	content := strings.Repeat("sized content. ", 50)
	for i := 0; i < 2; i++ {
		if _, err := mgr.Save(ctx, content, SaveOptions{}); err != nil {
			t.Errorf("Save failed: %v", err)
		}
	}

	if size := mgr.GetQueueSize(); size < 0 {
		t.Errorf("Expected non-negative queue size, got %d", size)
	}
}

// TestManager_PeriodicRepairRedrivesFailures verifies that the repair ticker
// re-indexes records whose secondary writes were marked failed.
func TestManager_PeriodicRepairRedrivesFailures(t *testing.T) {
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "ticker.db"))
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := DefaultConfig()
	cfg.NumWorkers = 1
	cfg.RepairGrace = 0
	cfg.RepairInterval = 25 * time.Millisecond

	mgr, err := NewManager(store, sqlite.NewEmbeddingIndex(store), sqlite.NewGraphStore(store), llm.NewHashEmbedder(32), cfg)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Failed to Start manager: %v", err)
	}
	defer func() { _ = mgr.Shutdown(ctx) }()

	// Short content indexes inline, so the record comes back fully ready.
	record, err := mgr.Save(ctx, "repairable fact", SaveOptions{})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Simulate a provider outage having landed both stages in failed state.
	if err := store.SetIndexStates(ctx, record.ID, types.IndexFailed, types.IndexFailed); err != nil {
		t.Fatalf("SetIndexStates failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := store.Get(ctx, record.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.EmbeddingState == types.IndexReady && got.GraphState == types.IndexReady {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Record still not repaired: embedding=%s graph=%s", got.EmbeddingState, got.GraphState)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestManager_InvalidConfig verifies that invalid configurations are rejected
// at construction time.
func TestManager_InvalidConfig(t *testing.T) {
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "cfg.db"))
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	index := sqlite.NewEmbeddingIndex(store)
	graph := sqlite.NewGraphStore(store)

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"zero workers", func(c *Config) { c.NumWorkers = 0 }, true},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"zero embed rate", func(c *Config) { c.EmbedRatePerSec = 0 }, true},
		{"defaults are valid", func(c *Config) {}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			_, err := NewManager(store, index, graph, nil, cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewManager error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestManager_NilStores verifies that NewManager rejects missing stores.
func TestManager_NilStores(t *testing.T) {
	_, err := NewManager(nil, nil, nil, nil, DefaultConfig())
	if err == nil {
		t.Fatal("Expected NewManager to return error for nil stores")
	}
}

// TestNewRecordID verifies the mem:type:slug format and uniqueness.
func TestNewRecordID(t *testing.T) {
	id := NewRecordID(types.RecordTypeTask)
	if !strings.HasPrefix(id, "mem:task:") {
		t.Errorf("Expected mem:task: prefix, got %s", id)
	}

	if id := NewRecordID(""); !strings.HasPrefix(id, "mem:note:") {
		t.Errorf("Expected empty type to default to note, got %s", id)
	}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRecordID(types.RecordTypeNote)
		if seen[id] {
			t.Fatalf("Duplicate record id generated: %s", id)
		}
		seen[id] = true
	}
}
