// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory maps with optional write failure injection

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	sessions      map[string]*AgentSession
	gates         map[string]*GateState
	globalHalt    bool
	globalReason  string
	questions     map[string]*Question
	answers       map[string][]*Answer // keyed by question ID
	notifications map[string]*Notification
	escalations   map[string]*EscalationState
	writeErr      error
	writes        int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions:      make(map[string]*AgentSession),
		gates:         make(map[string]*GateState),
		questions:     make(map[string]*Question),
		answers:       make(map[string][]*Answer),
		notifications: make(map[string]*Notification),
		escalations:   make(map[string]*EscalationState),
	}
}

// FailWrites makes every subsequent write return err. Pass nil to restore writes.
func (m *MockStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// Writes returns the number of successful writes.
func (m *MockStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// write checks the injected failure. Must be called with mu held.
func (m *MockStore) write() error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes++
	return nil
}

// SaveSession stores a copy of the session.
func (m *MockStore) SaveSession(ctx context.Context, sess *AgentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	c := copySession(sess)
	m.sessions[sess.AgentID] = c
	return nil
}

// GetSession retrieves a session by agent ID.
func (m *MockStore) GetSession(ctx context.Context, agentID string) (*AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

// ListSessions returns every session ordered by registration time.
func (m *MockStore) ListSessions(ctx context.Context) ([]*AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AgentSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, copySession(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

// SaveGateState stores a copy of the gate state.
func (m *MockStore) SaveGateState(ctx context.Context, g *GateState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	m.gates[g.AgentID] = copyGate(g)
	return nil
}

// DeleteGateState removes a gate state.
func (m *MockStore) DeleteGateState(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	delete(m.gates, agentID)
	return nil
}

// ListGateStates returns every gate state ordered by agent ID.
func (m *MockStore) ListGateStates(ctx context.Context) ([]*GateState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*GateState, 0, len(m.gates))
	for _, g := range m.gates {
		out = append(out, copyGate(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// SetGlobalHalt records the global halt flag.
func (m *MockStore) SetGlobalHalt(ctx context.Context, halted bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	m.globalHalt = halted
	m.globalReason = reason
	return nil
}

// GetGlobalHalt returns the global halt flag.
func (m *MockStore) GetGlobalHalt(ctx context.Context) (bool, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalHalt, m.globalReason, nil
}

// SaveQuestion stores a copy of the question.
func (m *MockStore) SaveQuestion(ctx context.Context, q *Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	c := *q
	c.Options = append([]QuestionOption(nil), q.Options...)
	if c.Status == "" {
		c.Status = QuestionPending
	}
	m.questions[q.ID] = &c
	return nil
}

// GetQuestion retrieves a question by ID.
func (m *MockStore) GetQuestion(ctx context.Context, id string) (*Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.questions[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *q
	c.Options = append([]QuestionOption(nil), q.Options...)
	return &c, nil
}

// ListPendingQuestions returns pending questions, oldest first.
func (m *MockStore) ListPendingQuestions(ctx context.Context) ([]*Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Question
	for _, q := range m.questions {
		if q.Status != QuestionPending {
			continue
		}
		c := *q
		c.Options = append([]QuestionOption(nil), q.Options...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveAnswer appends an answer to the history.
func (m *MockStore) SaveAnswer(ctx context.Context, a *Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	c := *a
	m.answers[a.QuestionID] = append(m.answers[a.QuestionID], &c)
	return nil
}

// ListAnswers returns the answers recorded for a question.
func (m *MockStore) ListAnswers(ctx context.Context, questionID string) ([]*Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Answer, 0, len(m.answers[questionID]))
	for _, a := range m.answers[questionID] {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

// SaveNotification stores a copy of the notification.
func (m *MockStore) SaveNotification(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	c := *n
	c.Channels = append([]string(nil), n.Channels...)
	m.notifications[n.ID] = &c
	return nil
}

// GetNotification retrieves a notification by ID.
func (m *MockStore) GetNotification(ctx context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *n
	c.Channels = append([]string(nil), n.Channels...)
	return &c, nil
}

// ListDueNotifications returns queued notifications due at or before now.
func (m *MockStore) ListDueNotifications(ctx context.Context, now time.Time) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for _, n := range m.notifications {
		if n.Status != DeliveryQueued || n.DeliverAt == nil || n.DeliverAt.After(now) {
			continue
		}
		c := *n
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliverAt.Before(*out[j].DeliverAt) })
	return out, nil
}

// SaveEscalation stores a copy of the escalation state.
func (m *MockStore) SaveEscalation(ctx context.Context, e *EscalationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	c := *e
	c.Actions = append([]ResponseAction(nil), e.Actions...)
	m.escalations[e.IssueID] = &c
	return nil
}

// GetEscalation retrieves an escalation state by issue ID.
func (m *MockStore) GetEscalation(ctx context.Context, issueID string) (*EscalationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escalations[issueID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *e
	c.Actions = append([]ResponseAction(nil), e.Actions...)
	return &c, nil
}

// ListUnresolvedEscalations returns unresolved escalations, oldest first.
func (m *MockStore) ListUnresolvedEscalations(ctx context.Context) ([]*EscalationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*EscalationState
	for _, e := range m.escalations {
		if e.Resolved {
			continue
		}
		c := *e
		c.Actions = append([]ResponseAction(nil), e.Actions...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

func copySession(s *AgentSession) *AgentSession {
	c := *s
	c.Capabilities = append([]string(nil), s.Capabilities...)
	if s.AckData != nil {
		c.AckData = make(map[string]any, len(s.AckData))
		for k, v := range s.AckData {
			c.AckData[k] = v
		}
	}
	return &c
}

func copyGate(g *GateState) *GateState {
	c := *g
	c.BlockingQuestions = append([]string(nil), g.BlockingQuestions...)
	return &c
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
