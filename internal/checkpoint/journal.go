package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/solastral/reverie/pkg/types"
)

// Journal event names. The journal is an append-only file with one JSON
// object per line; it is the only durable record of what the engine did.
const (
	eventBatchOpened     = "batch_opened"
	eventOperation       = "operation"
	eventBatchSealed     = "batch_sealed"
	eventBatchFailed     = "batch_failed"
	eventBatchRolledBack = "batch_rolled_back"
)

// maxJournalLine bounds a single line during replay.
const maxJournalLine = 1 << 20

// journalEvent is the wire form of one journal line. Event, Time and
// BatchID are always set; the rest depends on the event type.
type journalEvent struct {
	Event       string           `json:"event"`
	Time        time.Time        `json:"time"`
	BatchID     string           `json:"batch_id"`
	ActionType  string           `json:"action_type,omitempty"`
	Description string           `json:"description,omitempty"`
	Op          *types.Operation `json:"op,omitempty"`
	Cancelled   bool             `json:"cancelled,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	FinalState  types.BatchState `json:"final_state,omitempty"`
}

// journal appends events to the log file and syncs each one before
// returning, so the record of a move hits disk before the move itself.
type journal struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func openJournal(path string) (*journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &journal{path: path, file: f}, nil
}

func (j *journal) append(ev journalEvent) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode journal event: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("failed to write journal event: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// replayJournal reads every event from the file at path. A missing file
// yields no events. A final line cut short by a crash is dropped with a
// warning; damage anywhere else is an error.
func replayJournal(path string) ([]journalEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []journalEvent
	var pendingErr error // Held until we know whether a later line exists

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJournalLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if pendingErr != nil {
			return nil, pendingErr
		}
		var ev journalEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			pendingErr = fmt.Errorf("journal line %d is corrupt: %w", lineNo, err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	if pendingErr != nil {
		// Only the trailing line was damaged, which is what an append
		// interrupted by a crash leaves behind.
		log.Printf("checkpoint: WARNING dropping truncated trailing journal line: %v", pendingErr)
	}
	return events, nil
}
