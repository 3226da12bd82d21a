// ABOUTME: Agent handshake and liveness supervision
// ABOUTME: Drives each session pending -> hello_sent -> ack_received -> ready and watches heartbeats

package handshake

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-gatekeeper/internal/events"
	"github.com/2389/coven-gatekeeper/internal/store"
	"github.com/2389/coven-gatekeeper/internal/timers"
)

// ErrSessionNotFound indicates no session exists for the agent.
var ErrSessionNotFound = errors.New("session not found")

// Failure and disconnect reasons.
const (
	ReasonAckTimeout         = "ACK timeout"
	ReasonHeartbeatTimeout   = "heartbeat timeout"
	ReasonHelloFailed        = "hello delivery failed"
	ReasonSuperseded         = "superseded"
	ReasonCoordinatorRestart = "coordinator restarted"
)

// HelloSender delivers the hello message to an agent.
type HelloSender interface {
	SendHello(ctx context.Context, session *store.AgentSession) error
}

// Options configures a Manager.
type Options struct {
	AckTimeout          time.Duration
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	WriteTimeout        time.Duration
	Now                 func() time.Time
}

func (o *Options) applyDefaults() {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 30 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.MaxMissedHeartbeats <= 0 {
		o.MaxMissedHeartbeats = 3
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Manager owns every agent session. Exactly one session exists per agent id.
type Manager struct {
	mu        sync.Mutex
	persistMu sync.Mutex
	sessions  map[string]*store.AgentSession
	beats     map[string]bool // heartbeat seen since the last supervision tick

	timers *timers.Set
	store  store.SessionStore
	bus    *events.Bus
	sender HelloSender
	opts   Options
	logger *slog.Logger
}

// NewManager creates a handshake manager. sender may be nil when hellos are
// delivered out of band.
func NewManager(st store.SessionStore, bus *events.Bus, sender HelloSender, opts Options, logger *slog.Logger) *Manager {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*store.AgentSession),
		beats:    make(map[string]bool),
		timers:   timers.NewSet(),
		store:    st,
		bus:      bus,
		sender:   sender,
		opts:     opts,
		logger:   logger.With("component", "handshake"),
	}
}

func ackKey(agentID string) string       { return "ack:" + agentID }
func heartbeatKey(agentID string) string { return "hb:" + agentID }

// Register creates a pending session for the agent and immediately sends the
// hello. An existing live session for the same agent is superseded.
func (m *Manager) Register(ctx context.Context, agentID, agentType string, capabilities []string) (*store.AgentSession, error) {
	if agentID == "" {
		return nil, errors.New("agent_id is required")
	}

	now := m.opts.Now()
	sess := &store.AgentSession{
		AgentID:      agentID,
		AgentType:    agentType,
		State:        store.SessionPending,
		Capabilities: append([]string(nil), capabilities...),
		RegisteredAt: now,
	}

	m.mu.Lock()
	var superseded *store.AgentSession
	if old, ok := m.sessions[agentID]; ok && !old.State.Terminal() {
		m.cancelTimersLocked(agentID)
		old.State = store.SessionDisconnected
		old.FailureReason = ReasonSuperseded
		old.DisconnectedAt = &now
		superseded = copySession(old)
	}
	m.sessions[agentID] = sess
	delete(m.beats, agentID)
	m.mu.Unlock()

	if superseded != nil {
		m.logger.Warn("superseding live session", "agent_id", agentID, "previous_state", superseded.State)
		m.publish(events.AgentDisconnected, agentID, map[string]any{"reason": ReasonSuperseded})
	}

	m.persist(ctx, agentID)
	m.logger.Info("=== AGENT REGISTERED ===",
		"agent_id", agentID,
		"agent_type", agentType,
		"capabilities", capabilities,
	)
	m.publish(events.AgentRegistered, agentID, map[string]any{"agent_type": agentType})

	if err := m.SendHello(ctx, agentID); err != nil {
		return nil, err
	}
	s, _ := m.Session(agentID)
	return s, nil
}

// SendHello moves a pending session to hello_sent and arms the ACK deadline.
func (m *Manager) SendHello(ctx context.Context, agentID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.State != store.SessionPending {
		state := sess.State
		m.mu.Unlock()
		m.logger.Warn("ignoring hello for session not pending", "agent_id", agentID, "state", state)
		return nil
	}

	now := m.opts.Now()
	sess.State = store.SessionHelloSent
	sess.HelloSentAt = &now
	m.timers.Schedule(ackKey(agentID), m.opts.AckTimeout, func() { m.ackTimedOut(sess) })
	snapshot := copySession(sess)
	m.mu.Unlock()

	m.persist(ctx, agentID)
	m.logger.Debug("hello sent", "agent_id", agentID, "ack_timeout", m.opts.AckTimeout)

	if m.sender == nil {
		return nil
	}
	sendCtx, cancel := context.WithTimeout(ctx, m.opts.AckTimeout)
	defer cancel()
	if err := m.sender.SendHello(sendCtx, snapshot); err != nil {
		m.logger.Error("hello delivery failed", "agent_id", agentID, "error", err)
		m.fail(sess, store.SessionHelloSent, ReasonHelloFailed)
	}
	return nil
}

// ReceiveAck completes the handshake: hello_sent -> ack_received -> ready.
func (m *Manager) ReceiveAck(ctx context.Context, agentID string, data map[string]any) error {
	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.State != store.SessionHelloSent {
		state := sess.State
		m.mu.Unlock()
		m.logger.Warn("ignoring ACK outside hello_sent", "agent_id", agentID, "state", state)
		return nil
	}

	m.timers.Cancel(ackKey(agentID))
	now := m.opts.Now()
	sess.State = store.SessionAckReceived
	sess.AckReceivedAt = &now
	sess.AckData = data

	sess.State = store.SessionReady
	sess.ReadyAt = &now
	sess.LastHeartbeat = &now
	sess.MissedHeartbeats = 0
	m.beats[agentID] = false
	m.armSupervisorLocked(sess)
	snapshot := copySession(sess)
	m.mu.Unlock()

	m.persist(ctx, agentID)
	m.logger.Info("=== AGENT READY ===", "agent_id", agentID, "agent_type", snapshot.AgentType)
	m.publish(events.AgentReady, agentID, map[string]any{"agent_type": snapshot.AgentType})
	return nil
}

// Heartbeat records liveness for a ready session.
func (m *Manager) Heartbeat(ctx context.Context, agentID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.State != store.SessionReady {
		state := sess.State
		m.mu.Unlock()
		m.logger.Warn("ignoring heartbeat for session not ready", "agent_id", agentID, "state", state)
		return nil
	}

	now := m.opts.Now()
	sess.LastHeartbeat = &now
	sess.MissedHeartbeats = 0
	m.beats[agentID] = true
	m.mu.Unlock()

	m.persist(ctx, agentID)
	return nil
}

// Disconnect forces a live session to disconnected and cancels its timers.
func (m *Manager) Disconnect(ctx context.Context, agentID, reason string) error {
	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.State.Terminal() {
		state := sess.State
		m.mu.Unlock()
		m.logger.Warn("ignoring disconnect for finished session", "agent_id", agentID, "state", state)
		return nil
	}
	m.disconnectLocked(sess, reason)
	m.mu.Unlock()

	m.persist(ctx, agentID)
	m.logger.Info("=== AGENT DISCONNECTED ===", "agent_id", agentID, "reason", reason)
	m.publish(events.AgentDisconnected, agentID, map[string]any{"reason": reason})
	return nil
}

// disconnectLocked marks sess disconnected. Must be called with mu held.
func (m *Manager) disconnectLocked(sess *store.AgentSession, reason string) {
	m.cancelTimersLocked(sess.AgentID)
	now := m.opts.Now()
	sess.State = store.SessionDisconnected
	sess.FailureReason = reason
	sess.DisconnectedAt = &now
	delete(m.beats, sess.AgentID)
}

// ackTimedOut fires when no ACK arrived in time.
func (m *Manager) ackTimedOut(sess *store.AgentSession) {
	m.fail(sess, store.SessionHelloSent, ReasonAckTimeout)
}

// currentLocked reports whether sess is still the agent's live session object.
// Must be called with mu held.
func (m *Manager) currentLocked(sess *store.AgentSession) bool {
	return m.sessions[sess.AgentID] == sess
}

// fail moves sess to failed if it is still the agent's session and in expected.
func (m *Manager) fail(sess *store.AgentSession, expected store.SessionState, reason string) {
	agentID := sess.AgentID
	m.mu.Lock()
	if !m.currentLocked(sess) || sess.State != expected {
		m.mu.Unlock()
		return
	}
	m.cancelTimersLocked(agentID)
	now := m.opts.Now()
	sess.State = store.SessionFailed
	sess.FailureReason = reason
	sess.FailedAt = &now
	m.mu.Unlock()

	m.persist(context.Background(), agentID)
	m.logger.Warn("handshake failed", "agent_id", agentID, "reason", reason)
	m.publish(events.AgentHandshakeFailed, agentID, map[string]any{"reason": reason})
}

// armSupervisorLocked schedules the next heartbeat check for sess. Must be called with mu held.
func (m *Manager) armSupervisorLocked(sess *store.AgentSession) {
	m.timers.Schedule(heartbeatKey(sess.AgentID), m.opts.HeartbeatInterval, func() { m.superviseHeartbeat(sess) })
}

// superviseHeartbeat counts a missed heartbeat unless one arrived since the last tick.
func (m *Manager) superviseHeartbeat(sess *store.AgentSession) {
	agentID := sess.AgentID
	m.mu.Lock()
	if !m.currentLocked(sess) || sess.State != store.SessionReady {
		m.mu.Unlock()
		return
	}

	if m.beats[agentID] {
		m.beats[agentID] = false
		sess.MissedHeartbeats = 0
		m.armSupervisorLocked(sess)
		m.mu.Unlock()
		return
	}

	sess.MissedHeartbeats++
	missed := sess.MissedHeartbeats
	if missed < m.opts.MaxMissedHeartbeats {
		m.armSupervisorLocked(sess)
		m.mu.Unlock()
		m.persist(context.Background(), agentID)
		m.logger.Warn("missed heartbeat", "agent_id", agentID, "missed", missed, "max", m.opts.MaxMissedHeartbeats)
		return
	}

	m.disconnectLocked(sess, ReasonHeartbeatTimeout)
	m.mu.Unlock()

	m.persist(context.Background(), agentID)
	m.logger.Warn("=== AGENT DISCONNECTED ===", "agent_id", agentID, "reason", ReasonHeartbeatTimeout, "missed", missed)
	m.publish(events.AgentDisconnected, agentID, map[string]any{"reason": ReasonHeartbeatTimeout})
}

func (m *Manager) cancelTimersLocked(agentID string) {
	m.timers.Cancel(ackKey(agentID))
	m.timers.Cancel(heartbeatKey(agentID))
}

// Session returns a copy of the agent's session.
func (m *Manager) Session(agentID string) (*store.AgentSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[agentID]
	if !ok {
		return nil, false
	}
	return copySession(sess), true
}

// Sessions returns copies of every session ordered by agent id.
func (m *Manager) Sessions() []*store.AgentSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*store.AgentSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, copySession(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// IsReady reports whether the agent has completed the handshake and is live.
func (m *Manager) IsReady(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[agentID]
	return ok && sess.State == store.SessionReady
}

// Restore reloads sessions after a restart. Ready sessions resume heartbeat
// supervision; sessions caught mid-handshake are failed.
func (m *Manager) Restore(ctx context.Context) error {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return err
	}

	var failed []*store.AgentSession
	ready := 0

	m.mu.Lock()
	now := m.opts.Now()
	for _, sess := range sessions {
		m.sessions[sess.AgentID] = sess
		switch sess.State {
		case store.SessionReady:
			// the restart itself counts as a sign of life
			m.beats[sess.AgentID] = true
			m.armSupervisorLocked(sess)
			ready++
		case store.SessionPending, store.SessionHelloSent, store.SessionAckReceived:
			sess.State = store.SessionFailed
			sess.FailureReason = ReasonCoordinatorRestart
			sess.FailedAt = &now
			failed = append(failed, copySession(sess))
		}
	}
	m.mu.Unlock()

	for _, sess := range failed {
		m.persist(ctx, sess.AgentID)
		m.publish(events.AgentHandshakeFailed, sess.AgentID, map[string]any{"reason": ReasonCoordinatorRestart})
	}

	m.logger.Info("restored sessions", "total", len(sessions), "ready", ready, "failed", len(failed))
	return nil
}

// Close cancels every pending timer.
func (m *Manager) Close() {
	m.timers.Stop()
}

// persist writes the agent's current session. Writes are serialized and always
// read the latest in-memory state, so a slow write never overwrites a newer one.
func (m *Manager) persist(ctx context.Context, agentID string) {
	if m.store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	snapshot := copySession(sess)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.WriteTimeout)
	defer cancel()
	if err := m.store.SaveSession(ctx, snapshot); err != nil {
		m.logger.Error("failed to persist session", "agent_id", agentID, "state", snapshot.State, "error", err)
	}
}

func (m *Manager) publish(t events.Type, agentID string, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Type: t, AgentID: agentID, Data: data})
}

func copySession(s *store.AgentSession) *store.AgentSession {
	c := *s
	c.Capabilities = append([]string(nil), s.Capabilities...)
	return &c
}
