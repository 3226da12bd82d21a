// ABOUTME: Keyed timer arena owning one pending timer handle per entity
// ABOUTME: Scheduling a key always cancels its previous handle first

package timers

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Set owns at most one pending timer per key. Scheduling a key replaces (and
// cancels) the existing timer for that key, so a superseded callback never fires.
type Set struct {
	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	stopped bool
}

// NewSet creates an empty timer set.
func NewSet() *Set {
	return &Set{entries: make(map[string]*entry)}
}

// Schedule arms fn to run after delay under key, cancelling any timer already
// pending for key. Scheduling on a stopped set is a no-op.
func (s *Set) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if old, ok := s.entries[key]; ok {
		old.timer.Stop()
		delete(s.entries, key)
	}

	s.gen++
	gen := s.gen
	e := &entry{gen: gen}
	e.timer = time.AfterFunc(delay, func() {
		if !s.release(key, gen) {
			return
		}
		fn()
	})
	s.entries[key] = e
}

// release drops the handle for key if gen is still current. It reports whether
// the callback owning gen should run.
func (s *Set) release(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.gen != gen {
		return false
	}
	delete(s.entries, key)
	return true
}

// Cancel stops the timer pending for key. Returns false if none was pending.
func (s *Set) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, key)
	return true
}

// Pending reports whether a timer is armed for key.
func (s *Set) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Len returns the number of armed timers.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels every pending timer and refuses new ones. Safe to call twice.
func (s *Set) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, key)
	}
}

// Every calls fn every interval until ctx is done. It blocks; run it in a goroutine.
func Every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}
