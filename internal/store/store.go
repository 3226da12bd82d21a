// ABOUTME: Persistence models and Store interfaces for the coordination components
// ABOUTME: Sessions, gate states, questions, answers, notifications and escalation state

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// SessionState is a handshake state.
type SessionState string

const (
	SessionPending      SessionState = "pending"
	SessionHelloSent    SessionState = "hello_sent"
	SessionAckReceived  SessionState = "ack_received"
	SessionReady        SessionState = "ready"
	SessionDisconnected SessionState = "disconnected"
	SessionFailed       SessionState = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s SessionState) Terminal() bool {
	return s == SessionDisconnected || s == SessionFailed
}

// AgentSession is the handshake record for one agent.
type AgentSession struct {
	AgentID          string
	AgentType        string
	State            SessionState
	Capabilities     []string
	AckData          map[string]any
	FailureReason    string
	MissedHeartbeats int
	RegisteredAt     time.Time
	HelloSentAt      *time.Time
	AckReceivedAt    *time.Time
	ReadyAt          *time.Time
	FailedAt         *time.Time
	DisconnectedAt   *time.Time
	LastHeartbeat    *time.Time
}

// GateStatus is the effective status reported for an agent's gate.
type GateStatus string

const (
	GateOpen    GateStatus = "open"
	GateBlocked GateStatus = "blocked"
	GateHalted  GateStatus = "halted"
	GateError   GateStatus = "error"
)

// GateState is an agent's gate record. Halt, error and block are tracked as
// separate facets; Status resolves them with halted > error > blocked > open.
type GateState struct {
	AgentID   string
	AgentType string

	Halted     bool
	HaltReason string
	HaltDetail string
	HaltedAt   *time.Time

	Errored     bool
	ErrorReason string
	ErrorAt     *time.Time

	BlockReason       string
	BlockingQuestions []string
	BlockedSince      *time.Time
	BlockTimedOut     bool // block timeout already reported for this episode

	UpdatedAt time.Time
}

// Status resolves the effective gate status.
func (g *GateState) Status() GateStatus {
	switch {
	case g.Halted:
		return GateHalted
	case g.Errored:
		return GateError
	case len(g.BlockingQuestions) > 0:
		return GateBlocked
	default:
		return GateOpen
	}
}

// Reason returns the reason attached to the effective status.
func (g *GateState) Reason() string {
	switch g.Status() {
	case GateHalted:
		return g.HaltReason
	case GateError:
		return g.ErrorReason
	case GateBlocked:
		return g.BlockReason
	default:
		return ""
	}
}

// Empty reports whether every facet is clear, i.e. the state is equivalent to absent.
func (g *GateState) Empty() bool {
	return !g.Halted && !g.Errored && len(g.BlockingQuestions) == 0
}

// QuestionType classifies a question.
type QuestionType string

const (
	QuestionBlocker       QuestionType = "BLOCKER"
	QuestionClarification QuestionType = "CLARIFICATION"
	QuestionAlert         QuestionType = "ALERT"
	QuestionEscalation    QuestionType = "ESCALATION"
	QuestionApproval      QuestionType = "APPROVAL"
)

// QuestionStatus records how a question ended.
type QuestionStatus string

const (
	QuestionPending   QuestionStatus = "pending"
	QuestionAnswered  QuestionStatus = "answered"
	QuestionCancelled QuestionStatus = "cancelled"
	QuestionTimedOut  QuestionStatus = "timeout"
)

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Question is a question put to a human operator on behalf of an agent.
type Question struct {
	ID               string
	AgentID          string
	AgentType        string
	IssueID          string // set when raised by the escalator
	Type             QuestionType
	Content          string
	Options          []QuestionOption
	Blocking         bool
	Priority         string
	DefaultAnswer    string
	ChatID           string
	ChannelMessageID string
	Status           QuestionStatus
	StatusReason     string
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// HasOption reports whether action is one of the question's option actions.
func (q *Question) HasOption(action string) bool {
	for _, o := range q.Options {
		if o.Action == action {
			return true
		}
	}
	return false
}

// AnswerKind is how an answer was produced.
type AnswerKind string

const (
	AnswerButton  AnswerKind = "button"
	AnswerText    AnswerKind = "text"
	AnswerTimeout AnswerKind = "timeout"
	AnswerDefault AnswerKind = "default"
)

// Human reports whether the answer came from an operator.
func (k AnswerKind) Human() bool {
	return k == AnswerButton || k == AnswerText
}

// Answer is an immutable answer history record.
type Answer struct {
	ID           string
	QuestionID   string
	AgentID      string
	IssueID      string
	QuestionType QuestionType
	Value        string
	Kind         AnswerKind
	RespondedBy  string
	WasBlocking  bool
	ProcessedAt  time.Time
}

// Severity of a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityUrgent   Severity = "urgent"
	SeverityCritical Severity = "critical"
)

// DeliveryStatus of a persisted notification.
type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryQueued  DeliveryStatus = "queued"
	DeliverySkipped DeliveryStatus = "skipped"
)

// Notification is an alert routed through one or more channels.
type Notification struct {
	ID        string
	AgentID   string
	AgentType string
	IssueID   string
	Category  string
	Severity  Severity
	Title     string
	Message   string
	Payload   map[string]any
	Channel   string // explicit channel override, empty for category routing
	DedupKey  string
	ExpiresAt *time.Time

	Status    DeliveryStatus
	Channels  []string // channels that accepted the notification
	Error     string
	DeliverAt *time.Time // set while queued for quiet hours
	CreatedAt time.Time
	SentAt    *time.Time
}

// ResponseAction is one executed rung of the escalation ladder.
type ResponseAction struct {
	Level          int       `json:"level"`
	LevelName      string    `json:"level_name"`
	Detail         string    `json:"detail"`
	NotificationID string    `json:"notification_id,omitempty"`
	QuestionID     string    `json:"question_id,omitempty"`
	Halted         bool      `json:"halted,omitempty"`
	Error          string    `json:"error,omitempty"`
	ExecutedAt     time.Time `json:"executed_at"`
}

// EscalationState tracks the response ladder for one issue.
type EscalationState struct {
	IssueID          string
	IssueType        string
	Severity         string
	Description      string
	AgentID          string
	AgentType        string
	Level            int
	Actions          []ResponseAction
	Resolved         bool
	ResolvedBy       string
	ResolvedAt       *time.Time
	NextEvaluationAt *time.Time
	CreatedAt        time.Time
	LastActionAt     time.Time
}

// QuestionIDs returns the ids of every question raised for the issue.
func (e *EscalationState) QuestionIDs() []string {
	var ids []string
	for _, a := range e.Actions {
		if a.QuestionID != "" {
			ids = append(ids, a.QuestionID)
		}
	}
	return ids
}

// SessionStore persists handshake sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, session *AgentSession) error
	GetSession(ctx context.Context, agentID string) (*AgentSession, error)
	ListSessions(ctx context.Context) ([]*AgentSession, error)
}

// GateStore persists gate states and the global halt flag.
type GateStore interface {
	SaveGateState(ctx context.Context, state *GateState) error
	DeleteGateState(ctx context.Context, agentID string) error
	ListGateStates(ctx context.Context) ([]*GateState, error)
	SetGlobalHalt(ctx context.Context, halted bool, reason string) error
	GetGlobalHalt(ctx context.Context) (halted bool, reason string, err error)
}

// QuestionStore persists questions and answer history.
type QuestionStore interface {
	SaveQuestion(ctx context.Context, q *Question) error
	GetQuestion(ctx context.Context, id string) (*Question, error)
	ListPendingQuestions(ctx context.Context) ([]*Question, error)
	SaveAnswer(ctx context.Context, a *Answer) error
	ListAnswers(ctx context.Context, questionID string) ([]*Answer, error)
}

// NotificationStore persists notifications with their delivery status.
type NotificationStore interface {
	SaveNotification(ctx context.Context, n *Notification) error
	GetNotification(ctx context.Context, id string) (*Notification, error)
	ListDueNotifications(ctx context.Context, now time.Time) ([]*Notification, error)
}

// EscalationStore persists escalation states.
type EscalationStore interface {
	SaveEscalation(ctx context.Context, state *EscalationState) error
	GetEscalation(ctx context.Context, issueID string) (*EscalationState, error)
	ListUnresolvedEscalations(ctx context.Context) ([]*EscalationState, error)
}

// Store combines every persistence contract.
type Store interface {
	SessionStore
	GateStore
	QuestionStore
	NotificationStore
	EscalationStore
	Close() error
}
