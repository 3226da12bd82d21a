// ABOUTME: Response escalator walking issues up the LOG..HALT ladder
// ABOUTME: Executes level actions through the coordinator and re-evaluates unresolved issues on a timer

package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-gatekeeper/internal/coordinator"
	"github.com/2389/coven-gatekeeper/internal/events"
	"github.com/2389/coven-gatekeeper/internal/store"
	"github.com/2389/coven-gatekeeper/internal/timers"
)

var (
	// ErrIssueNotFound is returned for an issue id with no escalation state.
	ErrIssueNotFound = errors.New("issue not found")
	// ErrInvalidIssue is returned for an issue without id or type.
	ErrInvalidIssue = errors.New("invalid issue")
)

// DetectedIssue is a problem reported by an external monitor.
type DetectedIssue struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Severity    string         `json:"severity"`
	Description string         `json:"description"`
	Evidence    map[string]any `json:"evidence,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	AgentType   string         `json:"agent_type,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
}

// Options configures an Escalator.
type Options struct {
	Rules           []Rule
	ResolveOnAnswer bool
	WriteTimeout    time.Duration
	Now             func() time.Time
}

// Escalator owns one escalation state per issue id.
type Escalator struct {
	mu        sync.Mutex
	persistMu sync.Mutex
	states    map[string]*store.EscalationState
	questions map[string]string // question id -> issue id

	rules  []Rule
	timers *timers.Set
	coord  coordinator.Facade
	store  store.EscalationStore
	bus    *events.Bus
	opts   Options
	logger *slog.Logger
}

// New creates an escalator. Configured rules take precedence over the
// built-in table within each matching tier.
func New(coord coordinator.Facade, st store.EscalationStore, bus *events.Bus, opts Options, logger *slog.Logger) *Escalator {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	rules := append(append([]Rule(nil), opts.Rules...), DefaultRules()...)
	return &Escalator{
		states:    make(map[string]*store.EscalationState),
		questions: make(map[string]string),
		rules:     rules,
		timers:    timers.NewSet(),
		coord:     coord,
		store:     st,
		bus:       bus,
		opts:      opts,
		logger:    logger.With("component", "escalation"),
	}
}

// HandleIssue executes the next response level for the issue. A new or
// previously resolved issue starts at the rule's initial level; an unresolved
// one advances one level, capped at the rule's maximum.
func (e *Escalator) HandleIssue(ctx context.Context, issue DetectedIssue) (*store.EscalationState, error) {
	return e.handle(ctx, issue, nil)
}

// handle runs HandleIssue. due is set for timer re-evaluations and must match
// the issue's scheduled evaluation, otherwise the evaluation was superseded.
func (e *Escalator) handle(ctx context.Context, issue DetectedIssue, due *time.Time) (*store.EscalationState, error) {
	if issue.ID == "" || issue.Type == "" {
		return nil, fmt.Errorf("%w: id and type are required", ErrInvalidIssue)
	}
	rule := matchRule(e.rules, issue.Type, issue.Severity)
	now := e.opts.Now()

	e.mu.Lock()
	st, existing := e.states[issue.ID]
	if due != nil && (!existing || st.Resolved || st.NextEvaluationAt == nil || !st.NextEvaluationAt.Equal(*due)) {
		e.mu.Unlock()
		e.logger.Debug("re-evaluation superseded", "issue_id", issue.ID)
		return nil, nil
	}
	e.timers.Cancel(issue.ID)
	if existing && st.Resolved {
		existing = false
	}
	if !existing {
		st = &store.EscalationState{
			IssueID:   issue.ID,
			CreatedAt: now,
		}
		e.states[issue.ID] = st
	}
	st.IssueType = issue.Type
	st.Severity = issue.Severity
	if issue.Description != "" {
		st.Description = issue.Description
	}
	if issue.AgentID != "" {
		st.AgentID = issue.AgentID
	}
	if issue.AgentType != "" {
		st.AgentType = issue.AgentType
	}
	level := nextLevel(rule, Level(st.Level), existing)
	st.Level = int(level)
	st.LastActionAt = now
	st.NextEvaluationAt = nil
	target := copyEscalation(st)
	e.mu.Unlock()

	e.logger.Info("executing response",
		"issue_id", issue.ID,
		"issue_type", issue.Type,
		"severity", issue.Severity,
		"level", level,
		"max_level", rule.MaxLevel,
	)
	action := e.execute(ctx, target, level, issue.Evidence)

	e.mu.Lock()
	if st.Resolved || e.states[issue.ID] != st {
		// resolved while the action ran; keep the record but do not re-arm
		st.Actions = append(st.Actions, action)
		snapshot := copyEscalation(st)
		e.mu.Unlock()
		e.persist(ctx, issue.ID)
		return snapshot, nil
	}
	st.Actions = append(st.Actions, action)
	e.indexLocked(issue.ID, action)
	rearm := level < rule.MaxLevel && rule.EscalationDelay > 0
	var at time.Time
	if rearm {
		at = now.Add(rule.EscalationDelay)
		st.NextEvaluationAt = &at
	}
	snapshot := copyEscalation(st)
	e.mu.Unlock()

	if rearm {
		e.arm(issue.ID, rule.EscalationDelay, at)
	}
	e.persist(ctx, issue.ID)

	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:       events.ResponseExecuted,
			AgentID:    snapshot.AgentID,
			IssueID:    snapshot.IssueID,
			QuestionID: action.QuestionID,
			Data: map[string]any{
				"level":           action.LevelName,
				"detail":          action.Detail,
				"notification_id": action.NotificationID,
				"halted":          action.Halted,
				"error":           action.Error,
			},
		})
	}
	return snapshot, nil
}

// arm schedules the re-evaluation due at due. The callback re-checks that the
// issue is still unresolved and that due is still its scheduled evaluation.
func (e *Escalator) arm(issueID string, delay time.Duration, due time.Time) {
	e.timers.Schedule(issueID, delay, func() {
		e.mu.Lock()
		st, ok := e.states[issueID]
		if !ok || st.Resolved {
			e.mu.Unlock()
			return
		}
		issue := DetectedIssue{
			ID:          st.IssueID,
			Type:        st.IssueType,
			Severity:    st.Severity,
			Description: st.Description,
			AgentID:     st.AgentID,
			AgentType:   st.AgentType,
		}
		e.mu.Unlock()

		e.logger.Warn("issue still unresolved, escalating", "issue_id", issueID)
		if _, err := e.handle(context.Background(), issue, &due); err != nil {
			e.logger.Error("re-evaluating issue", "issue_id", issueID, "error", err)
		}
	})
}

// execute runs the action for level. Failures are recorded on the action.
func (e *Escalator) execute(ctx context.Context, st *store.EscalationState, level Level, evidence map[string]any) store.ResponseAction {
	action := store.ResponseAction{
		Level:      int(level),
		LevelName:  level.String(),
		ExecutedAt: e.opts.Now(),
	}

	e.logger.Warn("=== ISSUE "+level.String()+" ===",
		"issue_id", st.IssueID,
		"agent_id", st.AgentID,
		"description", st.Description,
	)
	if level == LevelLog {
		action.Detail = "logged"
		return action
	}

	title := fmt.Sprintf("%s issue: %s", st.IssueType, st.Description)
	payload := map[string]any{"issue_type": st.IssueType, "severity": st.Severity, "level": level.String()}
	for k, v := range evidence {
		payload["evidence."+k] = v
	}
	res := e.coord.Notify(ctx, &store.Notification{
		AgentID:   st.AgentID,
		AgentType: st.AgentType,
		IssueID:   st.IssueID,
		Category:  "escalation",
		Severity:  notificationSeverity(level),
		Title:     title,
		Message:   st.Description,
		Payload:   payload,
	})
	action.NotificationID = res.NotificationID
	action.Detail = "notified"
	if !res.Success && res.Error != "" {
		action.Error = "notify: " + res.Error
	}
	if level == LevelNotify {
		return action
	}

	if st.AgentID == "" {
		action.Detail += "; no agent, question skipped"
		return action
	}

	if level == LevelHalt {
		e.coord.HaltAgent(ctx, st.AgentID, st.AgentType, "escalation: "+st.IssueType, st.Description)
		action.Halted = true
		action.Detail += "; agent halted"
	}

	q := questionFor(st, level)
	dr := e.coord.AskQuestion(ctx, q)
	action.QuestionID = dr.QuestionID
	if dr.Success {
		action.Detail += fmt.Sprintf("; %s question asked", q.Type)
	} else {
		action.Detail += fmt.Sprintf("; %s question failed", q.Type)
		action.Error = joinErr(action.Error, "question: "+dr.Error)
	}
	return action
}

func questionFor(st *store.EscalationState, level Level) *store.Question {
	q := &store.Question{
		AgentID:   st.AgentID,
		AgentType: st.AgentType,
		IssueID:   st.IssueID,
	}
	switch level {
	case LevelAlert:
		q.Type = store.QuestionAlert
		q.Priority = "normal"
		q.Content = fmt.Sprintf("Agent %s reported %s: %s", st.AgentID, st.IssueType, st.Description)
		q.Options = []store.QuestionOption{
			{Label: "Acknowledge", Action: "acknowledge"},
			{Label: "Investigate", Action: "investigate"},
			{Label: "Dismiss", Action: "dismiss"},
		}
	case LevelEscalate:
		q.Type = store.QuestionEscalation
		q.Blocking = true
		q.Priority = "high"
		q.Content = fmt.Sprintf("Agent %s is blocked on %s: %s. How should it proceed?", st.AgentID, st.IssueType, st.Description)
		q.Options = []store.QuestionOption{
			{Label: "Fix and continue", Action: "fix"},
			{Label: "Retry", Action: "retry"},
			{Label: "Skip", Action: "skip"},
			{Label: "Halt agent", Action: coordinator.ActionHalt},
		}
	default:
		q.Type = store.QuestionApproval
		q.Blocking = true
		q.Priority = "critical"
		q.Content = fmt.Sprintf("Agent %s was halted after %s: %s. Approve resuming?", st.AgentID, st.IssueType, st.Description)
		q.Options = []store.QuestionOption{
			{Label: "Resume", Action: coordinator.ActionResume},
			{Label: "Resume with fix", Action: coordinator.ActionResumeWithFix},
			{Label: "Terminate", Action: coordinator.ActionTerminate},
			{Label: "Investigate", Action: coordinator.ActionInvestigate},
		}
	}
	return q
}

func notificationSeverity(level Level) store.Severity {
	switch level {
	case LevelHalt:
		return store.SeverityCritical
	case LevelEscalate:
		return store.SeverityUrgent
	default:
		return store.SeverityWarning
	}
}

// ResolveIssue marks the issue resolved and cancels its re-evaluation.
// Executed actions are not undone. Returns false if it was already resolved.
func (e *Escalator) ResolveIssue(ctx context.Context, issueID, resolvedBy string) (bool, error) {
	e.mu.Lock()
	st, ok := e.states[issueID]
	if !ok {
		e.mu.Unlock()
		return false, ErrIssueNotFound
	}
	if st.Resolved {
		e.mu.Unlock()
		return false, nil
	}
	now := e.opts.Now()
	st.Resolved = true
	st.ResolvedBy = resolvedBy
	st.ResolvedAt = &now
	st.NextEvaluationAt = nil
	for _, qid := range st.QuestionIDs() {
		delete(e.questions, qid)
	}
	var notifications []string
	for _, a := range st.Actions {
		if a.NotificationID != "" {
			notifications = append(notifications, a.NotificationID)
		}
	}
	agentID := st.AgentID
	e.mu.Unlock()

	e.timers.Cancel(issueID)
	for _, id := range notifications {
		e.coord.CancelNotificationEscalation(id)
	}
	e.persist(ctx, issueID)

	e.logger.Info("issue resolved", "issue_id", issueID, "resolved_by", resolvedBy)
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:    events.IssueResolved,
			AgentID: agentID,
			IssueID: issueID,
			Data:    map[string]any{"resolved_by": resolvedBy},
		})
	}
	return true, nil
}

// HandleAnswer resolves the issue behind a question when a human answers it.
func (e *Escalator) HandleAnswer(evt events.Event) {
	if !e.opts.ResolveOnAnswer {
		return
	}
	kind, _ := evt.Data["kind"].(string)
	if !store.AnswerKind(kind).Human() {
		return
	}

	e.mu.Lock()
	issueID, ok := e.questions[evt.QuestionID]
	e.mu.Unlock()
	if !ok {
		return
	}

	by, _ := evt.Data["responded_by"].(string)
	if _, err := e.ResolveIssue(context.Background(), issueID, "answer:"+by); err != nil {
		e.logger.Warn("resolving answered issue", "issue_id", issueID, "error", err)
	}
}

// Register subscribes the escalator's handlers on bus.
func (e *Escalator) Register(bus *events.Bus) {
	bus.Handle(events.AnswerReceived, e.HandleAnswer)
}

// State returns a copy of the issue's escalation state.
func (e *Escalator) State(issueID string) (*store.EscalationState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[issueID]
	if !ok {
		return nil, false
	}
	return copyEscalation(st), true
}

// Unresolved returns copies of every unresolved state, oldest first.
func (e *Escalator) Unresolved() []*store.EscalationState {
	e.mu.Lock()
	var out []*store.EscalationState
	for _, st := range e.states {
		if !st.Resolved {
			out = append(out, copyEscalation(st))
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Restore reloads unresolved escalations and re-arms their timers with the
// remaining delay.
func (e *Escalator) Restore(ctx context.Context) error {
	states, err := e.store.ListUnresolvedEscalations(ctx)
	if err != nil {
		return fmt.Errorf("listing unresolved escalations: %w", err)
	}
	now := e.opts.Now()

	type rearm struct {
		id    string
		delay time.Duration
		due   time.Time
	}
	var pending []rearm

	e.mu.Lock()
	for _, st := range states {
		e.states[st.IssueID] = st
		for _, qid := range st.QuestionIDs() {
			e.questions[qid] = st.IssueID
		}
		if st.NextEvaluationAt != nil {
			delay := st.NextEvaluationAt.Sub(now)
			if delay < 0 {
				delay = 0
			}
			pending = append(pending, rearm{id: st.IssueID, delay: delay, due: *st.NextEvaluationAt})
		}
	}
	e.mu.Unlock()

	for _, r := range pending {
		e.arm(r.id, r.delay, r.due)
	}
	e.logger.Info("restored escalations", "unresolved", len(states), "timers", len(pending))
	return nil
}

// Close cancels every re-evaluation timer.
func (e *Escalator) Close() {
	e.timers.Stop()
}

// indexLocked records the question raised by action. Must be called with mu held.
func (e *Escalator) indexLocked(issueID string, action store.ResponseAction) {
	if action.QuestionID != "" {
		e.questions[action.QuestionID] = issueID
	}
}

func (e *Escalator) persist(ctx context.Context, issueID string) {
	if e.store == nil {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	snapshot, ok := e.State(issueID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.WriteTimeout)
	defer cancel()
	if err := e.store.SaveEscalation(ctx, snapshot); err != nil {
		e.logger.Error("failed to persist escalation", "issue_id", issueID, "error", err)
	}
}

func copyEscalation(st *store.EscalationState) *store.EscalationState {
	c := *st
	c.Actions = append([]store.ResponseAction(nil), st.Actions...)
	return &c
}

func joinErr(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
