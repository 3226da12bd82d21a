// ABOUTME: Tests for the notification dispatcher
// ABOUTME: Covers dedup, expiry, routing, fallback, quiet hours, queue flush and self-escalation

package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-gatekeeper/internal/events"
	"github.com/2389/coven-gatekeeper/internal/store"
)

type fakeChannel struct {
	name string

	mu   sync.Mutex
	sent []Message
	err  error
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func (f *fakeChannel) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type blockingChannel struct{}

func (blockingChannel) Name() string { return "slow" }

func (blockingChannel) Send(ctx context.Context, msg Message) error {
	<-ctx.Done()
	return ctx.Err()
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	d        *Dispatcher
	st       *store.MockStore
	clk      *clock
	primary  *fakeChannel
	fallback *fakeChannel
	bus      *events.Bus
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		st:       store.NewMockStore(),
		clk:      &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		primary:  &fakeChannel{name: "matrix"},
		fallback: &fakeChannel{name: "email"},
		bus:      events.NewBus(nil),
	}
	if opts.DefaultChannel == "" {
		opts.DefaultChannel = "matrix"
	}
	if opts.FallbackChannel == "" {
		opts.FallbackChannel = "email"
	}
	opts.Now = f.clk.Now
	f.d = NewDispatcher(f.st, f.bus, opts, nil, f.primary, f.fallback)
	t.Cleanup(func() {
		f.d.Close()
		f.bus.Close()
	})
	return f
}

func TestDispatch_SendsToDefaultChannel(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	res := f.d.Dispatch(ctx, &store.Notification{Title: "build done", Message: "all green", Severity: store.SeverityInfo})
	require.True(t, res.Success)
	assert.Equal(t, store.DeliverySent, res.Status)
	assert.Equal(t, []string{"matrix"}, res.Channels)
	assert.Len(t, f.primary.messages(), 1)
	assert.Empty(t, f.fallback.messages())

	persisted, err := f.st.GetNotification(ctx, res.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliverySent, persisted.Status)
	assert.NotNil(t, persisted.SentAt)
}

func TestDispatch_Dedup(t *testing.T) {
	f := newFixture(t, Options{DedupWindow: time.Minute})
	ctx := context.Background()

	n := &store.Notification{Title: "disk full", DedupKey: "disk:build-7"}
	first := f.d.Dispatch(ctx, n)
	second := f.d.Dispatch(ctx, n)

	assert.True(t, first.Success)
	assert.True(t, second.Success)
	assert.Equal(t, SkipDuplicate, second.SkipReason)
	assert.Len(t, f.primary.messages(), 1, "exactly one delivery per dedup window")

	f.clk.Set(f.clk.Now().Add(2 * time.Minute))
	third := f.d.Dispatch(ctx, n)
	assert.Empty(t, third.SkipReason)
	assert.Len(t, f.primary.messages(), 2)
}

func TestDispatch_FailedSendReleasesDedupKey(t *testing.T) {
	f := newFixture(t, Options{FallbackChannel: "none"})
	ctx := context.Background()
	f.primary.fail(errors.New("homeserver down"))

	n := &store.Notification{Title: "retry me", DedupKey: "k1"}
	res := f.d.Dispatch(ctx, n)
	assert.False(t, res.Success)
	assert.Equal(t, store.DeliveryFailed, res.Status)
	assert.Contains(t, res.Error, "homeserver down")

	f.primary.fail(nil)
	res = f.d.Dispatch(ctx, n)
	assert.True(t, res.Success)
	assert.Empty(t, res.SkipReason)
}

func TestDispatch_Expired(t *testing.T) {
	f := newFixture(t, Options{})
	past := f.clk.Now().Add(-time.Second)

	res := f.d.Dispatch(context.Background(), &store.Notification{Title: "stale", ExpiresAt: &past})
	assert.False(t, res.Success)
	assert.Equal(t, SkipExpired, res.SkipReason)
	assert.Empty(t, f.primary.messages())
}

func TestDispatch_CategoryRoutingAndOverride(t *testing.T) {
	f := newFixture(t, Options{CategoryChannels: map[string]string{"audit": "email"}})
	ctx := context.Background()

	f.d.Dispatch(ctx, &store.Notification{Title: "a", Category: "audit"})
	assert.Len(t, f.fallback.messages(), 1)

	f.d.Dispatch(ctx, &store.Notification{Title: "b", Category: "audit", Channel: "log"})
	assert.Len(t, f.fallback.messages(), 1, "explicit channel wins over category")
	assert.Empty(t, f.primary.messages())
}

func TestDispatch_FallbackOnPrimaryFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.primary.fail(errors.New("rate limited"))

	res := f.d.Dispatch(context.Background(), &store.Notification{Title: "stuck"})
	require.True(t, res.Success)
	assert.Equal(t, []string{"email"}, res.Channels)
	assert.Contains(t, res.Error, "rate limited")
	assert.Len(t, f.fallback.messages(), 1)
}

func TestDispatch_SendTimeoutTriggersFallback(t *testing.T) {
	f := newFixture(t, Options{DefaultChannel: "slow", SendTimeout: 10 * time.Millisecond})
	f.d.Register(blockingChannel{})

	res := f.d.Dispatch(context.Background(), &store.Notification{Title: "slow"})
	require.True(t, res.Success)
	assert.Equal(t, []string{"email"}, res.Channels)
	assert.Contains(t, res.Error, "deadline exceeded")
}

func TestDispatch_UnknownChannel(t *testing.T) {
	f := newFixture(t, Options{FallbackChannel: "none"})

	res := f.d.Dispatch(context.Background(), &store.Notification{Title: "x", Channel: "pager"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrUnknownChannel.Error())
}

func TestDispatch_Both(t *testing.T) {
	f := newFixture(t, Options{})
	f.fallback.fail(errors.New("smtp down"))

	res := f.d.Dispatch(context.Background(), &store.Notification{Title: "x", Channel: ChannelBoth})
	require.True(t, res.Success, "one accepting channel is enough")
	assert.Equal(t, []string{"matrix"}, res.Channels)
}

// Scenario D: critical bypasses quiet hours, info is queued until they end.
func TestDispatch_QuietHours(t *testing.T) {
	f := newFixture(t, Options{
		QuietHours: QuietHours{Enabled: true, StartHour: 22, EndHour: 6, Location: time.UTC},
	})
	ctx := context.Background()
	f.clk.Set(time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC))

	critical := f.d.Dispatch(ctx, &store.Notification{Title: "agent halted", Severity: store.SeverityCritical})
	assert.Equal(t, store.DeliverySent, critical.Status)
	assert.Len(t, f.primary.messages(), 1)

	info := f.d.Dispatch(ctx, &store.Notification{Title: "nightly summary", Severity: store.SeverityInfo})
	assert.True(t, info.Success)
	assert.Equal(t, store.DeliveryQueued, info.Status)
	require.NotNil(t, info.DeliverAt)
	assert.Equal(t, time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC), *info.DeliverAt)
	assert.Len(t, f.primary.messages(), 1)

	sent, err := f.d.ProcessQueuedNotifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent, "not due yet")

	f.clk.Set(time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC))
	sent, err = f.d.ProcessQueuedNotifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Len(t, f.primary.messages(), 2)

	persisted, err := f.st.GetNotification(ctx, info.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliverySent, persisted.Status)
	assert.Nil(t, persisted.DeliverAt)
}

func TestDispatch_CriticalSelfEscalation(t *testing.T) {
	f := newFixture(t, Options{EscalationDelay: 20 * time.Millisecond})

	res := f.d.Dispatch(context.Background(), &store.Notification{
		Title:    "agent halted",
		Severity: store.SeverityCritical,
		DedupKey: "halt:a1",
	})
	require.True(t, res.Success)
	assert.True(t, f.d.EscalationPending(res.NotificationID))

	require.Eventually(t, func() bool {
		return len(f.fallback.messages()) == 1
	}, time.Second, 5*time.Millisecond)

	msgs := f.primary.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, EscalatedPrefix+"agent halted", msgs[1].Title)
	assert.Equal(t, store.SeverityCritical, msgs[1].Severity)
	assert.NotEqual(t, res.NotificationID, msgs[1].NotificationID)
	assert.Equal(t, res.NotificationID, msgs[1].Payload["escalated_from"])

	// the escalated copy does not escalate again
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, f.primary.messages(), 2)
}

func TestDispatch_CancelEscalation(t *testing.T) {
	f := newFixture(t, Options{EscalationDelay: 30 * time.Millisecond})

	res := f.d.Dispatch(context.Background(), &store.Notification{Title: "halted", Severity: store.SeverityCritical})
	require.True(t, f.d.CancelEscalation(res.NotificationID))
	assert.False(t, f.d.CancelEscalation(res.NotificationID))

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, f.primary.messages(), 1)
	assert.Empty(t, f.fallback.messages())
}

func TestDispatch_NonCriticalDoesNotEscalate(t *testing.T) {
	f := newFixture(t, Options{EscalationDelay: time.Millisecond})

	res := f.d.Dispatch(context.Background(), &store.Notification{Title: "fyi", Severity: store.SeverityUrgent})
	assert.False(t, f.d.EscalationPending(res.NotificationID))
}
