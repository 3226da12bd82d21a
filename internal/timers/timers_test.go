// ABOUTME: Tests for the keyed timer arena
// ABOUTME: Validates replacement, cancellation, stop semantics and periodic sweeps

package timers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSet_ScheduleFires(t *testing.T) {
	s := NewSet()
	defer s.Stop()

	var fired atomic.Int32
	s.Schedule("ack:build-7", 5*time.Millisecond, func() { fired.Add(1) })
	assert.True(t, s.Pending("ack:build-7"))

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, s.Pending("ack:build-7"), "fired timer should release its handle")
}

func TestSet_ScheduleReplacesExisting(t *testing.T) {
	s := NewSet()
	defer s.Stop()

	var first, second atomic.Int32
	s.Schedule("issue-1", 20*time.Millisecond, func() { first.Add(1) })
	s.Schedule("issue-1", 5*time.Millisecond, func() { second.Add(1) })
	assert.Equal(t, 1, s.Len())

	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load(), "superseded timer must not fire")
}

func TestSet_Cancel(t *testing.T) {
	s := NewSet()
	defer s.Stop()

	var fired atomic.Int32
	s.Schedule("n-1", 10*time.Millisecond, func() { fired.Add(1) })

	assert.True(t, s.Cancel("n-1"))
	assert.False(t, s.Cancel("n-1"), "second cancel finds nothing")

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestSet_StopRefusesNewTimers(t *testing.T) {
	s := NewSet()

	var fired atomic.Int32
	s.Schedule("a", 10*time.Millisecond, func() { fired.Add(1) })
	s.Stop()
	s.Stop()
	s.Schedule("b", time.Millisecond, func() { fired.Add(1) })

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, 0, s.Len())
}

func TestSet_CallbackMayReschedule(t *testing.T) {
	s := NewSet()
	defer s.Stop()

	var count atomic.Int32
	var tick func()
	tick = func() {
		if count.Add(1) < 3 {
			s.Schedule("hb", time.Millisecond, tick)
		}
	}
	s.Schedule("hb", time.Millisecond, tick)

	assert.Eventually(t, func() bool { return count.Load() == 3 }, time.Second, time.Millisecond)
}

func TestEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		Every(ctx, 2*time.Millisecond, func(context.Context) { runs.Add(1) })
		close(done)
	}()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Every did not return after cancel")
	}
}
