// ABOUTME: Tests for the dedup window
// ABOUTME: Uses an injected clock to cover expiry, eviction, Forget and Prune

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestWindow_SeenWithinSpan(t *testing.T) {
	clock := newClock()
	w := NewWindow(5*time.Minute, WithClock(clock.Now))

	assert.False(t, w.Seen("disk-full:build-7"), "first sighting records the key")
	assert.True(t, w.Seen("disk-full:build-7"))

	clock.Advance(4 * time.Minute)
	assert.True(t, w.Seen("disk-full:build-7"), "still inside the window")
}

func TestWindow_KeyExpires(t *testing.T) {
	clock := newClock()
	w := NewWindow(5*time.Minute, WithClock(clock.Now))

	w.Seen("k")
	clock.Advance(5 * time.Minute)

	assert.False(t, w.Contains("k"))
	assert.False(t, w.Seen("k"), "expired key is recorded again")
	assert.True(t, w.Seen("k"))
}

func TestWindow_EmptyKeyNeverSeen(t *testing.T) {
	w := NewWindow(time.Minute)
	assert.False(t, w.Seen(""))
	assert.False(t, w.Seen(""))
	assert.Equal(t, 0, w.Len())
}

func TestWindow_Forget(t *testing.T) {
	w := NewWindow(time.Hour)

	w.Seen("retry-me")
	w.Forget("retry-me")
	w.Forget("never-there")

	assert.False(t, w.Seen("retry-me"))
}

func TestWindow_EvictsOldest(t *testing.T) {
	w := NewWindow(time.Hour, WithMaxKeys(3))

	for i := 0; i < 4; i++ {
		w.Seen(fmt.Sprintf("k%d", i))
	}

	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Contains("k0"), "oldest key evicted")
	assert.True(t, w.Contains("k3"))
}

func TestWindow_Prune(t *testing.T) {
	clock := newClock()
	w := NewWindow(time.Minute, WithClock(clock.Now))

	w.Seen("old-1")
	w.Seen("old-2")
	clock.Advance(2 * time.Minute)
	w.Seen("fresh")

	assert.Equal(t, 2, w.Prune())
	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Contains("fresh"))
}

func TestWindow_ConcurrentSeen(t *testing.T) {
	w := NewWindow(time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.Seen("shared") {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, firsts, "exactly one caller records the key")
}
