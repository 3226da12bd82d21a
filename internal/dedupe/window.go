// ABOUTME: Size-bounded dedup window keyed by notification dedup key
// ABOUTME: Seen reports and records a key atomically; Forget releases it after a failed send

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxKeys bounds the window when no explicit size is given.
const DefaultMaxKeys = 10000

type mark struct {
	at   time.Time
	elem *list.Element
}

// Window remembers keys for a fixed duration. It is safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	marks   map[string]*mark
	order   *list.List // oldest mark at front
	span    time.Duration
	maxKeys int
	now     func() time.Time
}

// Option configures a Window.
type Option func(*Window)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// WithMaxKeys sets the number of keys retained before the oldest is evicted.
func WithMaxKeys(n int) Option {
	return func(w *Window) {
		if n > 0 {
			w.maxKeys = n
		}
	}
}

// NewWindow creates a window remembering keys for span.
func NewWindow(span time.Duration, opts ...Option) *Window {
	w := &Window{
		marks:   make(map[string]*mark),
		order:   list.New(),
		span:    span,
		maxKeys: DefaultMaxKeys,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Seen reports whether key was recorded within the window. When it was not,
// the key is recorded now. An empty key is never considered seen.
func (w *Window) Seen(key string) bool {
	if key == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if m, ok := w.marks[key]; ok {
		if now.Sub(m.at) < w.span {
			return true
		}
		w.order.Remove(m.elem)
		delete(w.marks, key)
	}

	if len(w.marks) >= w.maxKeys {
		w.evictOldestLocked()
	}
	w.marks[key] = &mark{at: now, elem: w.order.PushBack(key)}
	return false
}

// Contains reports whether key is inside the window without recording it.
func (w *Window) Contains(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	m, ok := w.marks[key]
	return ok && w.now().Sub(m.at) < w.span
}

// Forget removes key so the next Seen records it afresh.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if m, ok := w.marks[key]; ok {
		w.order.Remove(m.elem)
		delete(w.marks, key)
	}
}

// Prune drops expired keys and returns how many were removed.
func (w *Window) Prune() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	removed := 0
	for e := w.order.Front(); e != nil; {
		next := e.Next()
		key, _ := e.Value.(string)
		if m := w.marks[key]; m != nil && now.Sub(m.at) >= w.span {
			w.order.Remove(e)
			delete(w.marks, key)
			removed++
		}
		e = next
	}
	return removed
}

// Len returns the number of keys currently tracked, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.marks)
}

func (w *Window) evictOldestLocked() {
	front := w.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.marks, key)
}
