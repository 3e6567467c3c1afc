package memory

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/time/rate"

	"github.com/solastral/reverie/internal/llm"
	"github.com/solastral/reverie/internal/storage"
	"github.com/solastral/reverie/pkg/types"
)

// Manager coordinates the structured record store, the embedding index, and
// the relationship graph. The record store is the single authoritative store:
// Save commits to it synchronously, and the secondary stores are updated
// inline or by background workers, with Repair re-driving anything that fell
// behind. All dependencies are injected; the manager holds no package state.
type Manager struct {
	config     Config
	records    storage.RecordStore
	embeddings storage.EmbeddingIndex
	graph      storage.GraphStore
	embedder   llm.Embedder

	// embedLimiter throttles embedding calls across all index workers.
	embedLimiter *rate.Limiter

	// indexQueue carries pending secondary-index writes to the worker pool.
	indexQueue chan *IndexJob

	// Worker pool lifecycle.
	workerWaitGroup sync.WaitGroup
	workerCtx       context.Context
	workerCancel    context.CancelFunc

	// Lifecycle guards.
	mu           sync.Mutex
	started      bool
	shuttingDown bool

	// Activity callbacks for UI updates (e.g. WebSocket broadcast).
	onRecordSaved   func(record *types.MemoryRecord)
	onRecordDeleted func(recordID string)
	onIndexStarted  func(recordID string)
	onIndexComplete func(recordID string)
}

// SaveOptions controls how Save builds the record.
type SaveOptions struct {
	// Type tags the record variant (default: note).
	Type types.RecordType

	// Project is an optional project tag.
	Project string

	// ID and Version select an existing record for a version-checked update.
	// Leave both zero to create a new record.
	ID      string
	Version int64
}

// NewManager creates a memory manager over the given stores.
// The embedder may be nil, in which case semantic indexing is skipped and
// queries degrade to structured and graph results.
func NewManager(records storage.RecordStore, embeddings storage.EmbeddingIndex, graph storage.GraphStore, embedder llm.Embedder, config Config) (*Manager, error) {
	if records == nil {
		return nil, fmt.Errorf("memory: record store is required")
	}
	if embeddings == nil {
		return nil, fmt.Errorf("memory: embedding index is required")
	}
	if graph == nil {
		return nil, fmt.Errorf("memory: graph store is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("memory: invalid config: %w", err)
	}

	return &Manager{
		config:       config,
		records:      records,
		embeddings:   embeddings,
		graph:        graph,
		embedder:     embedder,
		embedLimiter: rate.NewLimiter(rate.Limit(config.EmbedRatePerSec), config.EmbedBurst),
		indexQueue:   make(chan *IndexJob, config.QueueSize),
	}, nil
}

// SetOnRecordSaved sets the callback invoked after a record commits.
func (m *Manager) SetOnRecordSaved(fn func(record *types.MemoryRecord)) {
	m.onRecordSaved = fn
}

// SetOnRecordDeleted sets the callback invoked after a record is tombstoned.
func (m *Manager) SetOnRecordDeleted(fn func(recordID string)) {
	m.onRecordDeleted = fn
}

// SetOnIndexStarted sets the callback invoked when a worker picks up a job.
func (m *Manager) SetOnIndexStarted(fn func(recordID string)) {
	m.onIndexStarted = fn
}

// SetOnIndexComplete sets the callback invoked when both secondary indexes
// are up to date for a record.
func (m *Manager) SetOnIndexComplete(fn func(recordID string)) {
	m.onIndexComplete = fn
}

// Start launches the index worker pool and runs startup recovery.
// Recovery requeues records whose secondary indexing was interrupted by a
// previous crash or shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("memory: manager already started")
	}

	log.Println("memory: starting manager...")

	// Workers outlive the Start context; Shutdown cancels them.
	m.workerCtx, m.workerCancel = context.WithCancel(context.Background())
	m.startWorkerPool(m.workerCtx)

	if m.config.RepairInterval > 0 {
		m.workerWaitGroup.Add(1)
		go m.repairLoop(m.workerCtx)
	}

	m.started = true

	// Startup recovery runs in the background so Start doesn't block on a
	// large backlog. Grace zero: anything pending is fair game after a crash.
	go func() {
		if _, err := m.repair(m.workerCtx, 0); err != nil {
			log.Printf("memory: WARNING startup recovery failed: %v", err)
		}
	}()

	return nil
}

// Shutdown stops the worker pool, draining queued jobs until the configured
// timeout. Records still queued after the deadline stay pending-index and are
// picked up by recovery on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	m.mu.Unlock()

	log.Println("memory: shutting down manager...")

	// Cancel the worker context first so in-flight embed calls stop waiting.
	m.workerCancel()

	err := m.stopWorkerPool(ctx)

	m.mu.Lock()
	m.started = false
	m.shuttingDown = false
	m.mu.Unlock()

	log.Println("memory: manager shutdown complete")
	return err
}

// Save commits a record to the structured store and schedules secondary
// indexing. The structured-store write is the commit point: its failure is
// returned to the caller. Secondary indexing runs inline for small content
// and is queued otherwise; its failure never fails Save. The record stays
// pending-index and Repair re-drives it.
func (m *Manager) Save(ctx context.Context, content string, opts SaveOptions) (*types.MemoryRecord, error) {
	m.mu.Lock()
	if !m.started || m.shuttingDown {
		m.mu.Unlock()
		return nil, fmt.Errorf("memory: manager not started")
	}
	m.mu.Unlock()

	if opts.Type == "" {
		opts.Type = types.RecordTypeNote
	}

	var record *types.MemoryRecord
	if opts.ID != "" && opts.Version > 0 {
		// Version-checked update of an existing record. Both secondary
		// indexes go back to pending: the content changed under them.
		record = &types.MemoryRecord{
			ID:             opts.ID,
			Type:           opts.Type,
			Content:        content,
			Project:        opts.Project,
			Version:        opts.Version,
			EmbeddingState: types.IndexPending,
			GraphState:     types.IndexPending,
		}
	} else {
		rec, err := types.NewMemoryRecord(opts.Type, content, opts.Project)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}
		rec.ID = NewRecordID(opts.Type)
		record = rec
	}

	if err := m.records.Put(ctx, record); err != nil {
		return nil, err
	}

	if m.onRecordSaved != nil {
		m.onRecordSaved(record)
	}

	job := m.newIndexJob(record, 0)

	// Inline indexing for small content: the caller gets a fully-indexed
	// record when the embedder is responsive. A failed inline attempt falls
	// through to the queue.
	if len(content) <= m.config.SyncIndexThreshold {
		embErr, graphErr := m.runIndexStages(ctx, job)

		var emb, graph types.IndexState
		if embErr == nil {
			emb = types.IndexReady
			record.EmbeddingState = types.IndexReady
		}
		if graphErr == nil {
			graph = types.IndexReady
			record.GraphState = types.IndexReady
		}
		if emb != "" || graph != "" {
			if err := m.records.SetIndexStates(ctx, record.ID, emb, graph); err != nil {
				log.Printf("memory: WARNING failed to update index states for %s: %v", record.ID, err)
			}
		}

		if embErr == nil && graphErr == nil {
			if m.onIndexComplete != nil {
				m.onIndexComplete(record.ID)
			}
			return record, nil
		}

		if embErr != nil {
			log.Printf("memory: %v", &IndexSyncError{RecordID: record.ID, Stage: "embedding", Err: embErr})
		}
		if graphErr != nil {
			log.Printf("memory: %v", &IndexSyncError{RecordID: record.ID, Stage: "graph", Err: graphErr})
		}
		job.EmbeddingOnly = embErr != nil && graphErr == nil
	}

	if !m.queueIndexJob(job) {
		// Queue full or shutting down. The record is committed either way;
		// mark the outstanding stages failed so Repair finds them.
		var emb, graph types.IndexState
		if record.EmbeddingState != types.IndexReady {
			emb = types.IndexFailed
			record.EmbeddingState = types.IndexFailed
		}
		if record.GraphState != types.IndexReady {
			graph = types.IndexFailed
			record.GraphState = types.IndexFailed
		}
		if err := m.records.SetIndexStates(ctx, record.ID, emb, graph); err != nil {
			log.Printf("memory: WARNING failed to mark %s for repair: %v", record.ID, err)
		}
	}

	return record, nil
}

// Get retrieves a live record by ID.
func (m *Manager) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	return m.records.Get(ctx, id)
}

// SoftDelete tombstones a record and drops its embedding. Graph nodes that
// reference the record are left for Repair's orphan sweep, which removes them
// together with their edges.
func (m *Manager) SoftDelete(ctx context.Context, id string) error {
	if err := m.records.SoftDelete(ctx, id); err != nil {
		return err
	}

	if err := m.embeddings.Delete(ctx, id); err != nil {
		log.Printf("memory: WARNING failed to drop embedding for %s: %v", id, err)
	}

	if m.onRecordDeleted != nil {
		m.onRecordDeleted(id)
	}

	return nil
}

// GetQueueSize returns the current number of queued index jobs.
func (m *Manager) GetQueueSize() int {
	return len(m.indexQueue)
}
