// ABOUTME: Execution gate deciding whether an agent may proceed
// ABOUTME: Per-agent halt/error/block facets, a global halt flag and the block-timeout sweep

package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-gatekeeper/internal/events"
	"github.com/2389/coven-gatekeeper/internal/store"
	"github.com/2389/coven-gatekeeper/internal/timers"
)

// ErrNoBlockingQuestions is returned when blocking an agent without question ids.
var ErrNoBlockingQuestions = errors.New("no blocking questions")

// ReasonBlockTimeout is the halt reason used when a block outlives MaxBlockDuration.
const ReasonBlockTimeout = "block timeout"

// GateCheck is the answer to "may this agent proceed?".
type GateCheck struct {
	CanProceed bool             `json:"can_proceed"`
	Status     store.GateStatus `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	WaitingFor []string         `json:"waiting_for,omitempty"`
}

// Options configures a Gate.
type Options struct {
	SweepInterval     time.Duration
	MaxBlockDuration  time.Duration
	AutoHaltOnTimeout bool
	WriteTimeout      time.Duration
	Now               func() time.Time
}

func (o *Options) applyDefaults() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Second
	}
	if o.MaxBlockDuration <= 0 {
		o.MaxBlockDuration = 24 * time.Hour
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Gate owns every agent's gate state. Absent state means open.
type Gate struct {
	mu           sync.Mutex
	persistMu    sync.Mutex
	states       map[string]*store.GateState
	globalHalt   bool
	globalReason string

	store  store.GateStore
	bus    *events.Bus
	opts   Options
	logger *slog.Logger
}

// New creates a gate.
func New(st store.GateStore, bus *events.Bus, opts Options, logger *slog.Logger) *Gate {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		states: make(map[string]*store.GateState),
		store:  st,
		bus:    bus,
		opts:   opts,
		logger: logger.With("component", "gate"),
	}
}

// CheckGate reports whether the agent may proceed. A global halt dominates
// every per-agent state.
func (g *Gate) CheckGate(agentID string) GateCheck {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.states[agentID]
	var waiting []string
	if st != nil && len(st.BlockingQuestions) > 0 {
		waiting = append([]string(nil), st.BlockingQuestions...)
	}

	if g.globalHalt {
		return GateCheck{
			Status:     store.GateHalted,
			Reason:     "global halt: " + g.globalReason,
			WaitingFor: waiting,
		}
	}
	if st == nil {
		return GateCheck{CanProceed: true, Status: store.GateOpen}
	}

	status := st.Status()
	return GateCheck{
		CanProceed: status == store.GateOpen,
		Status:     status,
		Reason:     st.Reason(),
		WaitingFor: waiting,
	}
}

// BlockAgent blocks the agent on questionIDs, replacing any previous block
// reason and question set.
func (g *Gate) BlockAgent(ctx context.Context, agentID, agentType, reason string, questionIDs []string) error {
	ids := uniq(questionIDs)
	if len(ids) == 0 {
		return ErrNoBlockingQuestions
	}

	g.mu.Lock()
	st := g.stateLocked(agentID, agentType)
	now := g.opts.Now()
	if len(st.BlockingQuestions) == 0 {
		st.BlockedSince = &now
		st.BlockTimedOut = false
	}
	st.BlockReason = reason
	st.BlockingQuestions = ids
	st.UpdatedAt = now
	g.mu.Unlock()

	g.persist(ctx, agentID)
	g.logger.Info("agent blocked", "agent_id", agentID, "reason", reason, "question_ids", ids)
	g.publish(events.AgentBlocked, agentID, map[string]any{
		"reason":       reason,
		"question_ids": ids,
	})
	return nil
}

// UnblockAgent clears the block facet. It is a no-op unless the agent is blocked.
func (g *Gate) UnblockAgent(ctx context.Context, agentID string) bool {
	g.mu.Lock()
	st, ok := g.states[agentID]
	if !ok || len(st.BlockingQuestions) == 0 {
		g.mu.Unlock()
		g.logger.Debug("unblock ignored, agent not blocked", "agent_id", agentID)
		return false
	}
	g.clearBlockLocked(st)
	g.mu.Unlock()

	g.persist(ctx, agentID)
	g.logger.Info("agent unblocked", "agent_id", agentID)
	g.publish(events.GateOpened, agentID, nil)
	return true
}

// AddBlockingQuestions merges questionIDs into the agent's block set, blocking
// the agent if it was not blocked yet.
func (g *Gate) AddBlockingQuestions(ctx context.Context, agentID, agentType, reason string, questionIDs []string) error {
	ids := uniq(questionIDs)
	if len(ids) == 0 {
		return ErrNoBlockingQuestions
	}

	g.mu.Lock()
	st := g.stateLocked(agentID, agentType)
	now := g.opts.Now()
	if len(st.BlockingQuestions) == 0 {
		st.BlockedSince = &now
		st.BlockTimedOut = false
		st.BlockReason = reason
	}
	st.BlockingQuestions = uniq(append(st.BlockingQuestions, ids...))
	st.UpdatedAt = now
	merged := append([]string(nil), st.BlockingQuestions...)
	g.mu.Unlock()

	g.persist(ctx, agentID)
	g.logger.Info("agent blocked", "agent_id", agentID, "reason", reason, "question_ids", merged)
	g.publish(events.AgentBlocked, agentID, map[string]any{
		"reason":       reason,
		"question_ids": merged,
	})
	return nil
}

// HandleAgentUnblocked removes the answered question from the agent's block set.
func (g *Gate) HandleAgentUnblocked(evt events.Event) {
	g.RemoveBlockingQuestion(context.Background(), evt.AgentID, evt.QuestionID)
}

// HandleQuestionCancelled removes a cancelled question from the agent's block set.
func (g *Gate) HandleQuestionCancelled(evt events.Event) {
	g.RemoveBlockingQuestion(context.Background(), evt.AgentID, evt.QuestionID)
}

// RemoveBlockingQuestion shrinks the block set; the gate opens only once it is
// empty. Returns false if the question was not blocking the agent.
func (g *Gate) RemoveBlockingQuestion(ctx context.Context, agentID, questionID string) bool {
	if agentID == "" || questionID == "" {
		return false
	}

	g.mu.Lock()
	st, ok := g.states[agentID]
	if !ok {
		g.mu.Unlock()
		return false
	}
	remaining := make([]string, 0, len(st.BlockingQuestions))
	found := false
	for _, id := range st.BlockingQuestions {
		if id == questionID {
			found = true
			continue
		}
		remaining = append(remaining, id)
	}
	if !found {
		g.mu.Unlock()
		return false
	}

	opened := len(remaining) == 0
	if opened {
		g.clearBlockLocked(st)
	} else {
		st.BlockingQuestions = remaining
		st.UpdatedAt = g.opts.Now()
	}
	g.mu.Unlock()

	g.persist(ctx, agentID)

	if !opened {
		g.logger.Info("blocking question resolved, still waiting",
			"agent_id", agentID,
			"question_id", questionID,
			"remaining", remaining,
		)
		return true
	}
	g.logger.Info("last blocking question resolved", "agent_id", agentID, "question_id", questionID)
	if g.bus != nil {
		g.bus.Publish(events.Event{Type: events.GateOpened, AgentID: agentID, QuestionID: questionID})
	}
	return true
}

// clearBlockLocked drops the block facet and forgets the state if nothing else is set.
func (g *Gate) clearBlockLocked(st *store.GateState) {
	st.BlockingQuestions = nil
	st.BlockReason = ""
	st.BlockedSince = nil
	st.BlockTimedOut = false
	st.UpdatedAt = g.opts.Now()
	g.dropIfEmptyLocked(st)
}

func (g *Gate) dropIfEmptyLocked(st *store.GateState) {
	if st.Empty() {
		delete(g.states, st.AgentID)
	}
}

// HaltAgent halts the agent. The block set, if any, is preserved.
func (g *Gate) HaltAgent(ctx context.Context, agentID, agentType, reason, detail string) {
	g.mu.Lock()
	st := g.stateLocked(agentID, agentType)
	now := g.opts.Now()
	if !st.Halted {
		st.HaltedAt = &now
	}
	st.Halted = true
	st.HaltReason = reason
	st.HaltDetail = detail
	st.UpdatedAt = now
	g.mu.Unlock()

	g.persist(ctx, agentID)
	g.logger.Warn("=== AGENT HALTED ===", "agent_id", agentID, "reason", reason, "detail", detail)
	g.publish(events.AgentHalted, agentID, map[string]any{"reason": reason, "detail": detail})
}

// ResumeAgent clears a halt. Returns false if the agent was not halted.
func (g *Gate) ResumeAgent(ctx context.Context, agentID, resumedBy string) bool {
	g.mu.Lock()
	st, ok := g.states[agentID]
	if !ok || !st.Halted {
		g.mu.Unlock()
		g.logger.Warn("resume ignored, agent not halted", "agent_id", agentID)
		return false
	}
	st.Halted = false
	st.HaltReason = ""
	st.HaltDetail = ""
	st.HaltedAt = nil
	st.UpdatedAt = g.opts.Now()
	g.dropIfEmptyLocked(st)
	g.mu.Unlock()

	g.persist(ctx, agentID)
	g.logger.Info("=== AGENT RESUMED ===", "agent_id", agentID, "resumed_by", resumedBy)
	g.publish(events.AgentResumed, agentID, map[string]any{"resumed_by": resumedBy})
	return true
}

// SetAgentError marks the agent as failed unexpectedly.
func (g *Gate) SetAgentError(ctx context.Context, agentID, agentType, reason string) {
	g.mu.Lock()
	st := g.stateLocked(agentID, agentType)
	now := g.opts.Now()
	st.Errored = true
	st.ErrorReason = reason
	st.ErrorAt = &now
	st.UpdatedAt = now
	g.mu.Unlock()

	g.persist(ctx, agentID)
	g.logger.Error("agent error", "agent_id", agentID, "reason", reason)
	g.publish(events.AgentError, agentID, map[string]any{"reason": reason})
}

// ClearAgentError clears the error facet. Returns false if none was set.
func (g *Gate) ClearAgentError(ctx context.Context, agentID string) bool {
	g.mu.Lock()
	st, ok := g.states[agentID]
	if !ok || !st.Errored {
		g.mu.Unlock()
		return false
	}
	st.Errored = false
	st.ErrorReason = ""
	st.ErrorAt = nil
	st.UpdatedAt = g.opts.Now()
	g.dropIfEmptyLocked(st)
	g.mu.Unlock()

	g.persist(ctx, agentID)
	g.logger.Info("agent error cleared", "agent_id", agentID)
	g.publish(events.AgentErrorCleared, agentID, nil)
	return true
}

// GlobalHaltAll halts every agent without touching per-agent state.
func (g *Gate) GlobalHaltAll(ctx context.Context, reason string) error {
	g.mu.Lock()
	g.globalHalt = true
	g.globalReason = reason
	g.mu.Unlock()

	g.logger.Warn("=== GLOBAL HALT ===", "reason", reason)
	g.publish(events.GlobalHalt, "", map[string]any{"reason": reason})
	return g.persistGlobal(ctx)
}

// GlobalResume clears the global halt; per-agent states apply again unchanged.
func (g *Gate) GlobalResume(ctx context.Context) error {
	g.mu.Lock()
	g.globalHalt = false
	g.globalReason = ""
	g.mu.Unlock()

	g.logger.Info("=== GLOBAL RESUME ===")
	g.publish(events.GlobalResume, "", nil)
	return g.persistGlobal(ctx)
}

// GlobalHalt reports the global halt flag and its reason.
func (g *Gate) GlobalHalt() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.globalHalt, g.globalReason
}

// Sweep reports blocks older than MaxBlockDuration, once per block episode,
// halting the agent when configured to. Returns the number of timed-out blocks.
func (g *Gate) Sweep(ctx context.Context) int {
	type timedOut struct {
		agentID    string
		blockedFor time.Duration
		questions  []string
		halted     bool
	}

	now := g.opts.Now()
	var expired []timedOut

	g.mu.Lock()
	for id, st := range g.states {
		if len(st.BlockingQuestions) == 0 || st.BlockedSince == nil || st.BlockTimedOut {
			continue
		}
		blockedFor := now.Sub(*st.BlockedSince)
		if blockedFor < g.opts.MaxBlockDuration {
			continue
		}
		st.BlockTimedOut = true
		st.UpdatedAt = now
		t := timedOut{agentID: id, blockedFor: blockedFor, questions: append([]string(nil), st.BlockingQuestions...)}
		if g.opts.AutoHaltOnTimeout && !st.Halted {
			st.Halted = true
			st.HaltReason = ReasonBlockTimeout
			st.HaltDetail = fmt.Sprintf("blocked for %s waiting on %v", blockedFor.Round(time.Second), t.questions)
			st.HaltedAt = &now
			t.halted = true
		}
		expired = append(expired, t)
	}
	g.mu.Unlock()

	for _, t := range expired {
		g.persist(ctx, t.agentID)
		g.logger.Warn("block timeout",
			"agent_id", t.agentID,
			"blocked_for", t.blockedFor.Round(time.Second),
			"question_ids", t.questions,
			"auto_halted", t.halted,
		)
		g.publish(events.BlockTimeout, t.agentID, map[string]any{
			"blocked_for":  t.blockedFor.String(),
			"question_ids": t.questions,
			"auto_halted":  t.halted,
		})
		if t.halted {
			g.publish(events.AgentHalted, t.agentID, map[string]any{"reason": ReasonBlockTimeout})
		}
	}
	return len(expired)
}

// Run sweeps for block timeouts until ctx is done.
func (g *Gate) Run(ctx context.Context) {
	timers.Every(ctx, g.opts.SweepInterval, func(ctx context.Context) { g.Sweep(ctx) })
}

// State returns a copy of the agent's gate state.
func (g *Gate) State(agentID string) (*store.GateState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[agentID]
	if !ok {
		return nil, false
	}
	return copyState(st), true
}

// States returns copies of every non-open gate state ordered by agent id.
func (g *Gate) States() []*store.GateState {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*store.GateState, 0, len(g.states))
	for _, st := range g.states {
		out = append(out, copyState(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Restore reloads gate states and the global halt flag.
func (g *Gate) Restore(ctx context.Context) error {
	states, err := g.store.ListGateStates(ctx)
	if err != nil {
		return fmt.Errorf("listing gate states: %w", err)
	}
	halted, reason, err := g.store.GetGlobalHalt(ctx)
	if err != nil {
		return fmt.Errorf("loading global halt: %w", err)
	}

	g.mu.Lock()
	for _, st := range states {
		if st.Empty() {
			continue
		}
		g.states[st.AgentID] = st
	}
	g.globalHalt = halted
	g.globalReason = reason
	count := len(g.states)
	g.mu.Unlock()

	g.logger.Info("restored gate states", "agents", count, "global_halt", halted)
	return nil
}

// stateLocked returns the agent's state, creating it lazily. Must be called with mu held.
func (g *Gate) stateLocked(agentID, agentType string) *store.GateState {
	st, ok := g.states[agentID]
	if !ok {
		st = &store.GateState{AgentID: agentID, AgentType: agentType}
		g.states[agentID] = st
	}
	if agentType != "" {
		st.AgentType = agentType
	}
	return st
}

// persist writes the agent's latest state, or deletes it once the gate is open.
func (g *Gate) persist(ctx context.Context, agentID string) {
	if g.store == nil {
		return
	}
	g.persistMu.Lock()
	defer g.persistMu.Unlock()

	g.mu.Lock()
	var snapshot *store.GateState
	if st, ok := g.states[agentID]; ok {
		snapshot = copyState(st)
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.WriteTimeout)
	defer cancel()

	var err error
	if snapshot == nil {
		err = g.store.DeleteGateState(ctx, agentID)
	} else {
		err = g.store.SaveGateState(ctx, snapshot)
	}
	if err != nil {
		g.logger.Error("failed to persist gate state", "agent_id", agentID, "error", err)
	}
}

func (g *Gate) persistGlobal(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	g.persistMu.Lock()
	defer g.persistMu.Unlock()

	halted, reason := g.GlobalHalt()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.WriteTimeout)
	defer cancel()
	if err := g.store.SetGlobalHalt(ctx, halted, reason); err != nil {
		g.logger.Error("failed to persist global halt", "halted", halted, "error", err)
		return fmt.Errorf("persisting global halt: %w", err)
	}
	return nil
}

func (g *Gate) publish(t events.Type, agentID string, data map[string]any) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(events.Event{Type: t, AgentID: agentID, Data: data})
}

func copyState(st *store.GateState) *store.GateState {
	c := *st
	c.BlockingQuestions = append([]string(nil), st.BlockingQuestions...)
	return &c
}

func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
