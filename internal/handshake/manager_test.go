// ABOUTME: Tests for the handshake manager
// ABOUTME: Covers the happy path, ACK timeout, heartbeat supervision, supersede and restore

package handshake

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

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) has(t events.Type) bool {
	for _, got := range r.types() {
		if got == t {
			return true
		}
	}
	return false
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) SendHello(ctx context.Context, s *store.AgentSession) error {
	f.mu.Lock()
	f.sent = append(f.sent, s.AgentID)
	err := f.err
	f.mu.Unlock()
	return err
}

func newTestManager(t *testing.T, opts Options, sender HelloSender) (*Manager, *store.MockStore, *recorder) {
	t.Helper()
	st := store.NewMockStore()
	bus := events.NewBus(nil)
	rec := &recorder{}
	bus.HandleAll(rec.handle)
	m := NewManager(st, bus, sender, opts, nil)
	t.Cleanup(func() {
		m.Close()
		bus.Close()
	})
	return m, st, rec
}

func TestManager_HandshakeToReady(t *testing.T) {
	sender := &fakeSender{}
	m, st, rec := newTestManager(t, Options{AckTimeout: time.Second, HeartbeatInterval: time.Hour}, sender)
	ctx := context.Background()

	sess, err := m.Register(ctx, "build-7", "builder", []string{"go"})
	require.NoError(t, err)
	assert.Equal(t, store.SessionHelloSent, sess.State)
	assert.NotNil(t, sess.HelloSentAt)
	assert.Equal(t, []string{"build-7"}, sender.sent)
	assert.False(t, m.IsReady("build-7"))

	require.NoError(t, m.ReceiveAck(ctx, "build-7", map[string]any{"version": "1.0"}))
	assert.True(t, m.IsReady("build-7"))

	got, ok := m.Session("build-7")
	require.True(t, ok)
	assert.Equal(t, store.SessionReady, got.State)
	assert.NotNil(t, got.AckReceivedAt)
	assert.NotNil(t, got.ReadyAt)

	persisted, err := st.GetSession(ctx, "build-7")
	require.NoError(t, err)
	assert.Equal(t, store.SessionReady, persisted.State)

	assert.Equal(t, []events.Type{events.AgentRegistered, events.AgentReady}, rec.types())
}

// Scenario A: no ACK within the deadline fails the session.
func TestManager_AckTimeout(t *testing.T) {
	m, st, rec := newTestManager(t, Options{AckTimeout: 20 * time.Millisecond}, nil)
	ctx := context.Background()

	_, err := m.Register(ctx, "build-7", "builder", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, _ := m.Session("build-7")
		return s.State == store.SessionFailed
	}, time.Second, 5*time.Millisecond)

	s, _ := m.Session("build-7")
	assert.Equal(t, "ACK timeout", s.FailureReason)
	assert.NotNil(t, s.FailedAt)
	assert.True(t, rec.has(events.AgentHandshakeFailed))

	assert.Eventually(t, func() bool {
		p, err := st.GetSession(ctx, "build-7")
		return err == nil && p.State == store.SessionFailed
	}, time.Second, 5*time.Millisecond)

	// a late ACK is ignored, not an error
	require.NoError(t, m.ReceiveAck(ctx, "build-7", nil))
	s, _ = m.Session("build-7")
	assert.Equal(t, store.SessionFailed, s.State)
}

func TestManager_AckBeatsTimeout(t *testing.T) {
	m, _, rec := newTestManager(t, Options{AckTimeout: 30 * time.Millisecond, HeartbeatInterval: time.Hour}, nil)
	ctx := context.Background()

	_, err := m.Register(ctx, "spec-3", "spec", nil)
	require.NoError(t, err)
	require.NoError(t, m.ReceiveAck(ctx, "spec-3", nil))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, m.IsReady("spec-3"))
	assert.False(t, rec.has(events.AgentHandshakeFailed))
}

func TestManager_HelloDeliveryFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("agent unreachable")}
	m, _, rec := newTestManager(t, Options{AckTimeout: time.Second}, sender)

	sess, err := m.Register(context.Background(), "build-7", "builder", nil)
	require.NoError(t, err)
	assert.Equal(t, store.SessionFailed, sess.State)
	assert.Equal(t, ReasonHelloFailed, sess.FailureReason)
	assert.True(t, rec.has(events.AgentHandshakeFailed))
}

func TestManager_InvalidTransitionsAreNoOps(t *testing.T) {
	m, _, _ := newTestManager(t, Options{AckTimeout: time.Hour, HeartbeatInterval: time.Hour}, nil)
	ctx := context.Background()

	_, err := m.Register(ctx, "a1", "worker", nil)
	require.NoError(t, err)

	// heartbeat before ready and a second hello are both ignored
	require.NoError(t, m.Heartbeat(ctx, "a1"))
	require.NoError(t, m.SendHello(ctx, "a1"))
	s, _ := m.Session("a1")
	assert.Equal(t, store.SessionHelloSent, s.State)

	assert.ErrorIs(t, m.ReceiveAck(ctx, "ghost", nil), ErrSessionNotFound)
	assert.ErrorIs(t, m.Heartbeat(ctx, "ghost"), ErrSessionNotFound)
	assert.ErrorIs(t, m.Disconnect(ctx, "ghost", "bye"), ErrSessionNotFound)
}

func TestManager_MissedHeartbeatsDisconnect(t *testing.T) {
	m, _, rec := newTestManager(t, Options{
		AckTimeout:          time.Second,
		HeartbeatInterval:   10 * time.Millisecond,
		MaxMissedHeartbeats: 3,
	}, nil)
	ctx := context.Background()

	_, err := m.Register(ctx, "build-7", "builder", nil)
	require.NoError(t, err)
	require.NoError(t, m.ReceiveAck(ctx, "build-7", nil))

	require.Eventually(t, func() bool {
		s, _ := m.Session("build-7")
		return s.State == store.SessionDisconnected
	}, time.Second, 5*time.Millisecond)

	s, _ := m.Session("build-7")
	assert.Equal(t, ReasonHeartbeatTimeout, s.FailureReason)
	assert.Equal(t, 3, s.MissedHeartbeats)
	assert.True(t, rec.has(events.AgentDisconnected))
}

func TestManager_HeartbeatsKeepSessionAlive(t *testing.T) {
	m, _, _ := newTestManager(t, Options{
		AckTimeout:          time.Second,
		HeartbeatInterval:   20 * time.Millisecond,
		MaxMissedHeartbeats: 2,
	}, nil)
	ctx := context.Background()

	_, err := m.Register(ctx, "build-7", "builder", nil)
	require.NoError(t, err)
	require.NoError(t, m.ReceiveAck(ctx, "build-7", nil))

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, m.Heartbeat(ctx, "build-7"))
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, m.IsReady("build-7"))
}

func TestManager_DisconnectCancelsTimers(t *testing.T) {
	m, _, rec := newTestManager(t, Options{AckTimeout: 20 * time.Millisecond}, nil)
	ctx := context.Background()

	_, err := m.Register(ctx, "build-7", "builder", nil)
	require.NoError(t, err)
	require.NoError(t, m.Disconnect(ctx, "build-7", "shutdown"))

	time.Sleep(50 * time.Millisecond)
	s, _ := m.Session("build-7")
	assert.Equal(t, store.SessionDisconnected, s.State)
	assert.Equal(t, "shutdown", s.FailureReason)
	assert.False(t, rec.has(events.AgentHandshakeFailed), "ACK timer must be cancelled")

	// disconnect is terminal
	require.NoError(t, m.Disconnect(ctx, "build-7", "again"))
	s, _ = m.Session("build-7")
	assert.Equal(t, "shutdown", s.FailureReason)
}

func TestManager_ReRegisterSupersedes(t *testing.T) {
	m, _, rec := newTestManager(t, Options{AckTimeout: 30 * time.Millisecond, HeartbeatInterval: time.Hour}, nil)
	ctx := context.Background()

	_, err := m.Register(ctx, "build-7", "builder", nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, err = m.Register(ctx, "build-7", "builder", []string{"docker"})
	require.NoError(t, err)
	require.NoError(t, m.ReceiveAck(ctx, "build-7", nil))

	time.Sleep(40 * time.Millisecond)
	assert.True(t, m.IsReady("build-7"), "old ACK timer must not fail the new session")
	assert.True(t, rec.has(events.AgentDisconnected))
	assert.False(t, rec.has(events.AgentHandshakeFailed))
	assert.Len(t, m.Sessions(), 1)
}

func TestManager_StaleTimerIgnoresReplacementSession(t *testing.T) {
	m, _, rec := newTestManager(t, Options{AckTimeout: time.Hour, HeartbeatInterval: time.Hour, MaxMissedHeartbeats: 1}, nil)
	ctx := context.Background()

	_, err := m.Register(ctx, "a1", "builder", nil)
	require.NoError(t, err)
	m.mu.Lock()
	old := m.sessions["a1"]
	m.mu.Unlock()

	_, err = m.Register(ctx, "a1", "builder", nil)
	require.NoError(t, err)

	// the superseded session's ACK deadline fires late
	m.ackTimedOut(old)
	got, _ := m.Session("a1")
	assert.Equal(t, store.SessionHelloSent, got.State)
	assert.False(t, rec.has(events.AgentHandshakeFailed))

	require.NoError(t, m.ReceiveAck(ctx, "a1", nil))
	m.mu.Lock()
	m.beats["a1"] = false
	m.mu.Unlock()

	m.superviseHeartbeat(old)
	got, _ = m.Session("a1")
	assert.Equal(t, store.SessionReady, got.State)
	assert.Zero(t, got.MissedHeartbeats)
}

func TestManager_FailedSessionNeedsRegister(t *testing.T) {
	m, _, _ := newTestManager(t, Options{AckTimeout: 10 * time.Millisecond, HeartbeatInterval: time.Hour}, nil)
	ctx := context.Background()

	_, err := m.Register(ctx, "build-7", "builder", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := m.Session("build-7")
		return s.State == store.SessionFailed
	}, time.Second, 5*time.Millisecond)

	sess, err := m.Register(ctx, "build-7", "builder", nil)
	require.NoError(t, err)
	assert.Equal(t, store.SessionHelloSent, sess.State)
	assert.Empty(t, sess.FailureReason)
}

func TestManager_Restore(t *testing.T) {
	st := store.NewMockStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.SaveSession(ctx, &store.AgentSession{AgentID: "ready-1", State: store.SessionReady, RegisteredAt: now}))
	require.NoError(t, st.SaveSession(ctx, &store.AgentSession{AgentID: "mid-1", State: store.SessionHelloSent, RegisteredAt: now}))
	require.NoError(t, st.SaveSession(ctx, &store.AgentSession{AgentID: "gone-1", State: store.SessionDisconnected, RegisteredAt: now}))

	bus := events.NewBus(nil)
	defer bus.Close()
	rec := &recorder{}
	bus.HandleAll(rec.handle)

	m := NewManager(st, bus, nil, Options{HeartbeatInterval: time.Hour}, nil)
	defer m.Close()
	require.NoError(t, m.Restore(ctx))

	assert.True(t, m.IsReady("ready-1"))

	mid, ok := m.Session("mid-1")
	require.True(t, ok)
	assert.Equal(t, store.SessionFailed, mid.State)
	assert.Equal(t, ReasonCoordinatorRestart, mid.FailureReason)

	persisted, err := st.GetSession(ctx, "mid-1")
	require.NoError(t, err)
	assert.Equal(t, store.SessionFailed, persisted.State)

	assert.True(t, rec.has(events.AgentHandshakeFailed))
	require.NoError(t, m.Heartbeat(ctx, "ready-1"))
}

func TestManager_PersistFailureKeepsMemoryState(t *testing.T) {
	m, st, _ := newTestManager(t, Options{AckTimeout: time.Hour, HeartbeatInterval: time.Hour}, nil)
	ctx := context.Background()

	st.FailWrites(errors.New("disk full"))
	_, err := m.Register(ctx, "build-7", "builder", nil)
	require.NoError(t, err)
	require.NoError(t, m.ReceiveAck(ctx, "build-7", nil))

	assert.True(t, m.IsReady("build-7"))
	_, err = st.GetSession(ctx, "build-7")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
