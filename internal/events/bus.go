// ABOUTME: In-process event bus connecting the coordination components
// ABOUTME: Typed synchronous handlers for internal wiring plus buffered fan-out subscribers

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each external subscriber.
const subscriberBufferSize = 64

// Type names an event emitted by one of the coordination components.
type Type string

const (
	AgentRegistered      Type = "agent.registered"
	AgentReady           Type = "agent.ready"
	AgentDisconnected    Type = "agent.disconnected"
	AgentHandshakeFailed Type = "agent.handshake_failed"

	AgentBlocked      Type = "agent.blocked"
	AgentUnblocked    Type = "agent.unblocked"
	AgentHalted       Type = "agent.halted"
	AgentResumed      Type = "agent.resumed"
	AgentError        Type = "agent.error"
	AgentErrorCleared Type = "agent.error_cleared"
	AgentTimeout      Type = "agent.timeout"
	GateOpened        Type = "gate.opened"
	BlockTimeout      Type = "gate.block_timeout"
	GlobalHalt        Type = "gate.global_halt"
	GlobalResume      Type = "gate.global_resume"

	QuestionRegistered Type = "question.registered"
	QuestionTimeout    Type = "question.timeout"
	QuestionCancelled  Type = "question.cancelled"
	AnswerReceived     Type = "answer.received"
	UnsolicitedMessage Type = "message.unsolicited"

	NotificationSent      Type = "notification.sent"
	NotificationQueued    Type = "notification.queued"
	NotificationFailed    Type = "notification.failed"
	NotificationEscalated Type = "notification.escalated"

	ResponseExecuted Type = "response.executed"
	IssueResolved    Type = "issue.resolved"
)

// Event is a single fire-and-forget notification published on the bus.
type Event struct {
	ID             string         `json:"id"`
	Type           Type           `json:"type"`
	AgentID        string         `json:"agent_id,omitempty"`
	IssueID        string         `json:"issue_id,omitempty"`
	QuestionID     string         `json:"question_id,omitempty"`
	NotificationID string         `json:"notification_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Data           map[string]any `json:"data,omitempty"`
}

// Handler consumes an event synchronously on the publisher's goroutine.
type Handler func(Event)

type subscription struct {
	ch    chan Event
	types map[Type]bool // nil = all types
}

// Bus routes events to typed handlers and to external subscribers.
// Handlers run synchronously in registration order; subscribers receive events
// through buffered channels and miss events when they fall behind.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[Type][]Handler
	catchAll    []Handler
	subscribers map[string]*subscription
	closed      bool
	logger      *slog.Logger
}

// NewBus creates an empty bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers:    make(map[Type][]Handler),
		subscribers: make(map[string]*subscription),
		logger:      logger.With("component", "events"),
	}
}

// Handle registers fn for events of type t.
func (b *Bus) Handle(t Type, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], fn)
}

// HandleAll registers fn for every event type.
func (b *Bus) HandleAll(fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catchAll = append(b.catchAll, fn)
}

// Subscribe registers an external subscriber for the given event types (all
// types when none are given). The subscription is removed when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, types ...Type) (<-chan Event, string) {
	subID := uuid.New().String()
	sub := &subscription{ch: make(chan Event, subscriberBufferSize)}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	b.subscribers[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "types", len(types))

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish stamps evt with an id and timestamp when missing, runs the handlers
// registered for its type and then offers it to every matching subscriber.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(b.handlers[evt.Type])+len(b.catchAll))
	handlers = append(handlers, b.handlers[evt.Type]...)
	handlers = append(handlers, b.catchAll...)

	b.mu.RUnlock()

	for _, h := range handlers {
		b.runHandler(h, evt)
	}

	// Subscribers are resolved after the handlers ran; an unsubscribe in between
	// must never leave us sending on a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		if sub.types != nil && !sub.types[evt.Type] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"type", evt.Type,
				"event_id", evt.ID)
		}
	}
}

// runHandler isolates the bus from a panicking handler.
func (b *Bus) runHandler(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", evt.Type, "panic", r)
		}
	}()
	h(evt)
}

// Close closes all subscriber channels and stops further delivery.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}

	b.logger.Debug("bus closed")
}
