package checkpoint

import (
	"testing"
	"time"
)

func TestLockPaths_OverlappingSetsSerialize(t *testing.T) {
	locks := newPathLocks()
	unlock := locks.lockPaths("/data/a.txt", "/data/b.txt")

	acquired := make(chan struct{})
	go func() {
		u := locks.lockPaths("/data/b.txt", "/data/c.txt")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("acquired an overlapping path set while it was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock was not released")
	}
}

func TestLockPaths_DisjointSetsDoNotBlock(t *testing.T) {
	locks := newPathLocks()
	unlock := locks.lockPaths("/data/a.txt", "/data/b.txt")
	defer unlock()

	acquired := make(chan struct{})
	go func() {
		u := locks.lockPaths("/data/c.txt", "/data/d.txt")
		u()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("disjoint path set blocked")
	}
}

func TestLockPaths_DuplicatePathsDoNotDeadlock(t *testing.T) {
	locks := newPathLocks()

	done := make(chan struct{})
	go func() {
		u := locks.lockPaths("/data/x.txt", "/data/x.txt")
		u()
		// Same path spelled two ways cleans to one lock.
		u = locks.lockPaths("/data/y.txt", "/data/sub/../y.txt")
		u()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock on duplicate paths")
	}
}
