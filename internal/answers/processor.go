// ABOUTME: Registry of outstanding questions and the matching of human answers to them
// ABOUTME: Handles button and free-text answers, cancellation, default answers and expiry

package answers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-gatekeeper/internal/events"
	"github.com/2389/coven-gatekeeper/internal/store"
	"github.com/2389/coven-gatekeeper/internal/timers"
)

// ActionCustomText is the button action that switches a question to a free-text reply.
const ActionCustomText = "custom_text"

var (
	// ErrQuestionNotFound is returned when a question is not pending.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrNoChat is returned when free text is requested for a question without a chat.
	ErrNoChat = errors.New("question has no chat attached")
	// ErrUnsolicited is returned for text that no question is waiting for.
	ErrUnsolicited = errors.New("unsolicited message")
	// ErrInvalidQuestion is returned when registering a malformed question.
	ErrInvalidQuestion = errors.New("invalid question")
)

// Options configures a Processor.
type Options struct {
	DefaultExpiry time.Duration
	SweepInterval time.Duration
	WriteTimeout  time.Duration
	Now           func() time.Time
}

func (o *Options) applyDefaults() {
	if o.DefaultExpiry <= 0 {
		o.DefaultExpiry = 24 * time.Hour
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Processor owns the pending question set. Every question ends exactly once:
// answered, cancelled or timed out.
type Processor struct {
	mu        sync.Mutex
	persistMu sync.Mutex
	pending   map[string]*store.Question
	awaiting  map[string]string // chat id -> question id waiting for free text

	store  store.QuestionStore
	bus    *events.Bus
	opts   Options
	logger *slog.Logger
}

// New creates a processor.
func New(st store.QuestionStore, bus *events.Bus, opts Options, logger *slog.Logger) *Processor {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		pending:  make(map[string]*store.Question),
		awaiting: make(map[string]string),
		store:    st,
		bus:      bus,
		opts:     opts,
		logger:   logger.With("component", "answers"),
	}
}

// RegisterQuestion adds q to the pending set, filling in id, creation time and
// expiry when absent. The stored copy is returned.
func (p *Processor) RegisterQuestion(ctx context.Context, q *store.Question) (*store.Question, error) {
	if q == nil || q.AgentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalidQuestion)
	}
	if strings.TrimSpace(q.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidQuestion)
	}

	c := copyQuestion(q)
	now := p.opts.Now()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = c.CreatedAt.Add(p.opts.DefaultExpiry)
	}
	c.Status = store.QuestionPending
	c.StatusReason = ""

	p.persistMu.Lock()
	p.mu.Lock()
	if _, exists := p.pending[c.ID]; exists {
		p.mu.Unlock()
		p.persistMu.Unlock()
		return nil, fmt.Errorf("%w: question %s already pending", ErrInvalidQuestion, c.ID)
	}
	p.pending[c.ID] = c
	p.mu.Unlock()
	err := p.saveQuestion(ctx, c)
	p.persistMu.Unlock()

	p.logger.Info("question registered",
		"question_id", c.ID,
		"agent_id", c.AgentID,
		"type", c.Type,
		"blocking", c.Blocking,
		"expires_at", c.ExpiresAt,
	)
	p.publish(events.QuestionRegistered, c, map[string]any{
		"type":     string(c.Type),
		"blocking": c.Blocking,
		"content":  c.Content,
	})
	return copyQuestion(c), err
}

// AttachChat records where the question was delivered. Free-text replies are
// matched by chat id.
func (p *Processor) AttachChat(ctx context.Context, questionID, chatID, messageID string) bool {
	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	p.mu.Lock()
	q, ok := p.pending[questionID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	q.ChatID = chatID
	q.ChannelMessageID = messageID
	snapshot := copyQuestion(q)
	p.mu.Unlock()

	_ = p.saveQuestion(ctx, snapshot)
	return true
}

// ProcessButtonAnswer completes a question with a button action. Actions outside
// the question's options are accepted and logged. The ActionCustomText action
// instead puts the question's chat into free-text mode and returns a nil answer.
func (p *Processor) ProcessButtonAnswer(ctx context.Context, questionID, action, userID string) (*store.Answer, error) {
	if action == ActionCustomText {
		return nil, p.awaitText(questionID, userID)
	}

	p.persistMu.Lock()
	p.mu.Lock()
	q, ok := p.pending[questionID]
	if !ok {
		p.mu.Unlock()
		p.persistMu.Unlock()
		p.logger.Warn("answer for unknown or finished question", "question_id", questionID, "user", userID)
		return nil, ErrQuestionNotFound
	}
	p.takeLocked(q)
	p.mu.Unlock()

	if len(q.Options) > 0 && !q.HasOption(action) {
		p.logger.Warn("answer outside the offered options", "question_id", questionID, "action", action, "user", userID)
	}

	ans, err := p.finish(ctx, q, store.QuestionAnswered, "", action, store.AnswerButton, userID)
	p.persistMu.Unlock()

	p.announceAnswer(q, ans)
	return ans, err
}

func (p *Processor) awaitText(questionID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.pending[questionID]
	if !ok {
		p.logger.Warn("free-text request for unknown or finished question", "question_id", questionID)
		return ErrQuestionNotFound
	}
	if q.ChatID == "" {
		return ErrNoChat
	}
	p.awaiting[q.ChatID] = q.ID
	p.logger.Info("awaiting free-text answer", "question_id", q.ID, "chat_id", q.ChatID, "user", userID)
	return nil
}

// ProcessTextAnswer completes the question the chat is waiting on. Text that
// no question is waiting for is reported as unsolicited and dropped.
func (p *Processor) ProcessTextAnswer(ctx context.Context, chatID, text, userID string) (*store.Answer, error) {
	p.persistMu.Lock()
	p.mu.Lock()
	var q *store.Question
	if id, ok := p.awaiting[chatID]; ok {
		q = p.pending[id]
		if q == nil {
			delete(p.awaiting, chatID)
		}
	}
	if q == nil {
		p.mu.Unlock()
		p.persistMu.Unlock()
		p.logger.Debug("unsolicited message", "chat_id", chatID, "user", userID)
		if p.bus != nil {
			p.bus.Publish(events.Event{
				Type: events.UnsolicitedMessage,
				Data: map[string]any{"chat_id": chatID, "text": text, "user": userID},
			})
		}
		return nil, ErrUnsolicited
	}
	p.takeLocked(q)
	p.mu.Unlock()

	ans, err := p.finish(ctx, q, store.QuestionAnswered, "", text, store.AnswerText, userID)
	p.persistMu.Unlock()

	p.announceAnswer(q, ans)
	return ans, err
}

// CancelQuestion ends a question without an answer. Returns false if it was not pending.
func (p *Processor) CancelQuestion(ctx context.Context, questionID, reason string) bool {
	p.persistMu.Lock()
	p.mu.Lock()
	q, ok := p.pending[questionID]
	if !ok {
		p.mu.Unlock()
		p.persistMu.Unlock()
		return false
	}
	p.takeLocked(q)
	p.mu.Unlock()

	q.Status = store.QuestionCancelled
	q.StatusReason = reason
	_ = p.saveQuestion(ctx, q)
	p.persistMu.Unlock()

	p.logger.Info("question cancelled", "question_id", q.ID, "agent_id", q.AgentID, "reason", reason)
	p.publish(events.QuestionCancelled, q, map[string]any{
		"reason":   reason,
		"blocking": q.Blocking,
	})
	return true
}

// Sweep ends every question past its expiry. A question with a default answer
// is answered with it; any other question times out. Returns the number ended.
func (p *Processor) Sweep(ctx context.Context) int {
	now := p.opts.Now()

	p.persistMu.Lock()
	p.mu.Lock()
	var expired []*store.Question
	for _, q := range p.pending {
		if !now.Before(q.ExpiresAt) {
			expired = append(expired, q)
		}
	}
	for _, q := range expired {
		p.takeLocked(q)
	}
	p.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })

	answers := make([]*store.Answer, len(expired))
	for i, q := range expired {
		if q.DefaultAnswer != "" {
			answers[i], _ = p.finish(ctx, q, store.QuestionAnswered, "default answer", q.DefaultAnswer, store.AnswerDefault, "")
		} else {
			answers[i], _ = p.finish(ctx, q, store.QuestionTimedOut, "expired", "", store.AnswerTimeout, "")
		}
	}
	p.persistMu.Unlock()

	for i, q := range expired {
		if q.Status == store.QuestionAnswered {
			p.logger.Info("question expired, default answer applied", "question_id", q.ID, "agent_id", q.AgentID, "answer", q.DefaultAnswer)
			p.announceAnswer(q, answers[i])
			continue
		}
		p.logger.Warn("question timed out", "question_id", q.ID, "agent_id", q.AgentID, "blocking", q.Blocking)
		p.publish(events.QuestionTimeout, q, map[string]any{"blocking": q.Blocking})
		if q.Blocking {
			p.publish(events.AgentTimeout, q, map[string]any{"reason": "blocking question timed out"})
		}
	}
	return len(expired)
}

// Run sweeps expired questions until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	timers.Every(ctx, p.opts.SweepInterval, func(ctx context.Context) { p.Sweep(ctx) })
}

// Pending returns a copy of a pending question.
func (p *Processor) Pending(questionID string) (*store.Question, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.pending[questionID]
	if !ok {
		return nil, false
	}
	return copyQuestion(q), true
}

// PendingForAgent returns the agent's pending questions, oldest first.
func (p *Processor) PendingForAgent(agentID string) []*store.Question {
	return p.list(func(q *store.Question) bool { return q.AgentID == agentID })
}

// All returns every pending question, oldest first.
func (p *Processor) All() []*store.Question {
	return p.list(func(*store.Question) bool { return true })
}

func (p *Processor) list(keep func(*store.Question) bool) []*store.Question {
	p.mu.Lock()
	var out []*store.Question
	for _, q := range p.pending {
		if keep(q) {
			out = append(out, copyQuestion(q))
		}
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// History returns the answers recorded for a question.
func (p *Processor) History(ctx context.Context, questionID string) ([]*store.Answer, error) {
	return p.store.ListAnswers(ctx, questionID)
}

// Restore reloads pending questions. Expired ones are ended by the next sweep.
func (p *Processor) Restore(ctx context.Context) error {
	qs, err := p.store.ListPendingQuestions(ctx)
	if err != nil {
		return fmt.Errorf("listing pending questions: %w", err)
	}
	p.mu.Lock()
	for _, q := range qs {
		p.pending[q.ID] = q
	}
	p.mu.Unlock()
	p.logger.Info("restored pending questions", "count", len(qs))
	return nil
}

// takeLocked removes q from the pending set. Must be called with mu held.
func (p *Processor) takeLocked(q *store.Question) {
	delete(p.pending, q.ID)
	if q.ChatID != "" && p.awaiting[q.ChatID] == q.ID {
		delete(p.awaiting, q.ChatID)
	}
}

// finish records the terminal status and the answer history row. Must be called
// with persistMu held and q already taken from the pending set.
func (p *Processor) finish(ctx context.Context, q *store.Question, status store.QuestionStatus, reason, value string, kind store.AnswerKind, userID string) (*store.Answer, error) {
	q.Status = status
	q.StatusReason = reason

	ans := &store.Answer{
		ID:           uuid.New().String(),
		QuestionID:   q.ID,
		AgentID:      q.AgentID,
		IssueID:      q.IssueID,
		QuestionType: q.Type,
		Value:        value,
		Kind:         kind,
		RespondedBy:  userID,
		WasBlocking:  q.Blocking,
		ProcessedAt:  p.opts.Now(),
	}

	qErr := p.saveQuestion(ctx, q)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.WriteTimeout)
	defer cancel()
	if err := p.store.SaveAnswer(wctx, ans); err != nil {
		p.logger.Error("failed to persist answer", "question_id", q.ID, "error", err)
		return ans, fmt.Errorf("persisting answer: %w", err)
	}
	return ans, qErr
}

// announceAnswer publishes answer.received and, for blocking questions, agent.unblocked.
func (p *Processor) announceAnswer(q *store.Question, ans *store.Answer) {
	p.logger.Info("answer processed",
		"question_id", q.ID,
		"agent_id", q.AgentID,
		"kind", ans.Kind,
		"responded_by", ans.RespondedBy,
	)
	data := map[string]any{
		"answer_id":     ans.ID,
		"value":         ans.Value,
		"kind":          string(ans.Kind),
		"responded_by":  ans.RespondedBy,
		"question_type": string(q.Type),
		"blocking":      q.Blocking,
	}
	p.publish(events.AnswerReceived, q, data)
	if q.Blocking {
		p.publish(events.AgentUnblocked, q, data)
	}
}

func (p *Processor) saveQuestion(ctx context.Context, q *store.Question) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.WriteTimeout)
	defer cancel()
	if err := p.store.SaveQuestion(ctx, q); err != nil {
		p.logger.Error("failed to persist question", "question_id", q.ID, "status", q.Status, "error", err)
		return fmt.Errorf("persisting question: %w", err)
	}
	return nil
}

func (p *Processor) publish(t events.Type, q *store.Question, data map[string]any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{
		Type:       t,
		AgentID:    q.AgentID,
		IssueID:    q.IssueID,
		QuestionID: q.ID,
		Data:       data,
	})
}

func copyQuestion(q *store.Question) *store.Question {
	c := *q
	c.Options = append([]store.QuestionOption(nil), q.Options...)
	return &c
}
