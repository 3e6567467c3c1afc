package checkpoint

import (
	"path/filepath"
	"slices"
	"sync"
)

// pathLocks hands out one mutex per cleaned path so operations touching the
// same file serialize across batches. Multiple locks are always acquired in
// sorted order, which rules out deadlock between concurrent batches.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *pathLocks) get(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.locks[key]
	if !ok {
		m = &sync.Mutex{}
		p.locks[key] = m
	}
	return m
}

// lockPaths acquires the mutex for every distinct path and returns a
// release function that unlocks them in reverse order.
func (p *pathLocks) lockPaths(paths ...string) func() {
	keys := make([]string, 0, len(paths))
	for _, path := range paths {
		key := filepath.Clean(path)
		if !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	held := make([]*sync.Mutex, 0, len(keys))
	for _, key := range keys {
		m := p.get(key)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
