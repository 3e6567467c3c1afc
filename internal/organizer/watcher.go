package organizer

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/solastral/reverie/internal/memory"
	"github.com/solastral/reverie/pkg/types"
)

// Watcher records new files arriving in a directory as memory facts, so an
// intake folder stays searchable without anyone filing things by hand. It
// does not move anything; organizing stays an explicit plan/apply decision.
type Watcher struct {
	dir      string
	rules    *RuleSet
	memory   *memory.Manager
	settle   time.Duration
	watcher  *fsnotify.Watcher
	done     chan struct{}
	onIntake func(recordID, path string)
}

// NewWatcher watches dir (non-recursive) and saves one fact per arrival
// through the manager.
func NewWatcher(dir string, rules *RuleSet, mgr *memory.Manager) *Watcher {
	return &Watcher{
		dir:    dir,
		rules:  rules,
		memory: mgr,
		settle: 200 * time.Millisecond,
		done:   make(chan struct{}),
	}
}

// SetOnIntake registers a callback fired after an arrival is recorded.
func (w *Watcher) SetOnIntake(fn func(recordID, path string)) {
	w.onIntake = fn
}

// Start begins watching. Call Stop to clean up.
func (w *Watcher) Start() error {
	info, err := os.Stat(w.dir)
	if err != nil {
		return fmt.Errorf("organizer: watch directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("organizer: %s is not a directory", w.dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("organizer: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("organizer: %w", err)
	}
	w.watcher = fsw

	go w.loop()
	log.Printf("organizer: watching %s for new files", w.dir)
	return nil
}

// Stop shuts the watcher down and waits for the event loop to exit. Calling
// it on a watcher that never started is a no-op.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	_ = w.watcher.Close()
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&fsnotify.Create != 0 {
				go w.recordArrival(evt.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("organizer: watcher error: %v", err)
		}
	}
}

func (w *Watcher) recordArrival(path string) {
	// Give the writer a moment to finish before looking at the file.
	time.Sleep(w.settle)

	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || w.rules.Ignored(name, name) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	category, _ := w.rules.Categorize(name)
	if category == "" {
		category = w.rules.DefaultCategory()
	}
	content := fmt.Sprintf("New file arrived: %s (%s, %d bytes)", path, category, info.Size())
	record, err := w.memory.Save(context.Background(), content, memory.SaveOptions{Type: types.RecordTypeFact})
	if err != nil {
		log.Printf("organizer: failed to record arrival of %s: %v", path, err)
		return
	}
	log.Printf("organizer: recorded arrival of %s as %s", name, record.ID)
	if w.onIntake != nil {
		w.onIntake(record.ID, path)
	}
}
