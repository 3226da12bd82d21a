// ABOUTME: Tests for the in-process event bus
// ABOUTME: Covers typed handlers, catch-all handlers, subscriber filtering and shutdown

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_HandleRunsSynchronously(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var got []Event
	bus.Handle(AgentUnblocked, func(e Event) { got = append(got, e) })

	bus.Publish(Event{Type: AgentUnblocked, AgentID: "spec-3", QuestionID: "q1"})
	bus.Publish(Event{Type: AgentBlocked, AgentID: "spec-3"})

	require.Len(t, got, 1)
	assert.Equal(t, "spec-3", got[0].AgentID)
	assert.NotEmpty(t, got[0].ID, "publish should stamp an id")
	assert.False(t, got[0].Timestamp.IsZero(), "publish should stamp a timestamp")
}

func TestBus_HandleAllSeesEveryType(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	counts := map[Type]int{}
	bus.HandleAll(func(e Event) { counts[e.Type]++ })

	bus.Publish(Event{Type: AgentHalted})
	bus.Publish(Event{Type: AgentHalted})
	bus.Publish(Event{Type: IssueResolved})

	assert.Equal(t, 2, counts[AgentHalted])
	assert.Equal(t, 1, counts[IssueResolved])
}

func TestBus_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	called := false
	bus.Handle(AgentError, func(Event) { panic("boom") })
	bus.Handle(AgentError, func(Event) { called = true })

	assert.NotPanics(t, func() { bus.Publish(Event{Type: AgentError}) })
	assert.True(t, called)
}

func TestBus_SubscribeFiltersTypes(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := bus.Subscribe(ctx, NotificationSent)

	bus.Publish(Event{Type: NotificationQueued, NotificationID: "n1"})
	bus.Publish(Event{Type: NotificationSent, NotificationID: "n2"})

	select {
	case e := <-ch:
		assert.Equal(t, "n2", e.NotificationID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %v", e.Type)
	default:
	}
}

func TestBus_SubscriptionEndsWithContext(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.Subscribe(ctx)
	cancel()

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestBus_SlowSubscriberDropsEvents(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ch, _ := bus.Subscribe(context.Background())
	for i := 0; i < subscriberBufferSize+10; i++ {
		bus.Publish(Event{Type: AgentReady})
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBus_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		ctx, cancel := context.WithCancel(context.Background())
		_, id := bus.Subscribe(ctx)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(Event{Type: AgentReady})
			}
		}()
		go func() {
			defer wg.Done()
			bus.Unsubscribe(id)
			cancel()
		}()
	}
	wg.Wait()
}

func TestBus_CloseClosesSubscribers(t *testing.T) {
	bus := NewBus(nil)
	ch, _ := bus.Subscribe(context.Background())

	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after close is a no-op.
	assert.NotPanics(t, func() { bus.Publish(Event{Type: AgentReady}) })
}
