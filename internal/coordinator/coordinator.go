// ABOUTME: Coordinator facade over the gate, answer processor, dispatcher and handshake
// ABOUTME: Asks questions end to end and turns approval answers into gate transitions

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-gatekeeper/internal/answers"
	"github.com/2389/coven-gatekeeper/internal/events"
	"github.com/2389/coven-gatekeeper/internal/gate"
	"github.com/2389/coven-gatekeeper/internal/handshake"
	"github.com/2389/coven-gatekeeper/internal/notify"
	"github.com/2389/coven-gatekeeper/internal/store"
)

// ErrAgentHalted is reported when a blocking question is asked of a halted agent.
var ErrAgentHalted = errors.New("agent is halted")

// Cancellation reason for questions that could not be delivered.
const ReasonDeliveryFailed = "delivery failed"

// Approval and escalation answer actions with gate side effects.
const (
	ActionResume        = "resume"
	ActionResumeWithFix = "resume_with_fix"
	ActionTerminate     = "terminate"
	ActionInvestigate   = "investigate"
	ActionHalt          = "halt"
)

// Delivery is where a question was delivered.
type Delivery struct {
	ChatID    string
	MessageID string
}

// QuestionDeliveryPort hands a question to a human-facing transport.
type QuestionDeliveryPort interface {
	DeliverQuestion(ctx context.Context, q *store.Question) (Delivery, error)
}

// DeliveryResult reports the outcome of AskQuestion.
type DeliveryResult struct {
	Success          bool   `json:"success"`
	QuestionID       string `json:"question_id,omitempty"`
	ChatID           string `json:"chat_id,omitempty"`
	ChannelMessageID string `json:"channel_message_id,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Facade is the surface the escalator drives.
type Facade interface {
	Notify(ctx context.Context, n *store.Notification) notify.Result
	AskQuestion(ctx context.Context, q *store.Question) DeliveryResult
	HaltAgent(ctx context.Context, agentID, agentType, reason, detail string)
	ResumeAgent(ctx context.Context, agentID, resumedBy string) bool
	CancelNotificationEscalation(notificationID string) bool
}

// Options configures a Coordinator.
type Options struct {
	DeliveryTimeout time.Duration
}

// Coordinator wires the leaf components together. It holds no state of its own.
type Coordinator struct {
	gate      *gate.Gate
	answers   *answers.Processor
	notifier  *notify.Dispatcher
	handshake *handshake.Manager
	delivery  QuestionDeliveryPort

	opts   Options
	logger *slog.Logger
}

var _ Facade = (*Coordinator)(nil)

// New creates a coordinator. handshake and delivery may be nil; without a
// delivery port questions are only answerable through the API.
func New(g *gate.Gate, a *answers.Processor, n *notify.Dispatcher, h *handshake.Manager, delivery QuestionDeliveryPort, opts Options, logger *slog.Logger) *Coordinator {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		gate:      g,
		answers:   a,
		notifier:  n,
		handshake: h,
		delivery:  delivery,
		opts:      opts,
		logger:    logger.With("component", "coordinator"),
	}
}

// SetDelivery replaces the question delivery port.
func (c *Coordinator) SetDelivery(d QuestionDeliveryPort) {
	c.delivery = d
}

// Notify dispatches a notification.
func (c *Coordinator) Notify(ctx context.Context, n *store.Notification) notify.Result {
	return c.notifier.Dispatch(ctx, n)
}

// AskQuestion registers q, delivers it and, for blocking questions, adds it to
// the agent's block set. Blocking questions are refused for halted agents
// except APPROVAL questions, which leave the gate untouched.
func (c *Coordinator) AskQuestion(ctx context.Context, q *store.Question) DeliveryResult {
	halted := c.gate.CheckGate(q.AgentID).Status == store.GateHalted
	approval := q.Type == store.QuestionApproval
	if q.Blocking && halted && !approval {
		c.logger.Warn("refusing blocking question for halted agent", "agent_id", q.AgentID, "type", q.Type)
		return DeliveryResult{Error: ErrAgentHalted.Error()}
	}
	if c.handshake != nil && !c.handshake.IsReady(q.AgentID) {
		c.logger.Warn("asking question of agent without a ready session", "agent_id", q.AgentID)
	}

	registered, err := c.answers.RegisterQuestion(ctx, q)
	if registered == nil {
		return DeliveryResult{Error: err.Error()}
	}
	if err != nil {
		c.logger.Error("question registered but not persisted", "question_id", registered.ID, "error", err)
	}

	res := DeliveryResult{QuestionID: registered.ID}
	if c.delivery != nil {
		dctx, cancel := context.WithTimeout(ctx, c.opts.DeliveryTimeout)
		d, err := c.delivery.DeliverQuestion(dctx, registered)
		cancel()
		if err != nil {
			c.logger.Error("question delivery failed", "question_id", registered.ID, "agent_id", registered.AgentID, "error", err)
			c.answers.CancelQuestion(ctx, registered.ID, ReasonDeliveryFailed)
			res.Error = fmt.Sprintf("%s: %v", ReasonDeliveryFailed, err)
			return res
		}
		c.answers.AttachChat(ctx, registered.ID, d.ChatID, d.MessageID)
		res.ChatID = d.ChatID
		res.ChannelMessageID = d.MessageID
	}
	res.Success = true

	if !registered.Blocking || (approval && halted) {
		return res
	}

	reason := fmt.Sprintf("waiting on %s question %s", registered.Type, registered.ID)
	if err := c.gate.AddBlockingQuestions(ctx, registered.AgentID, registered.AgentType, reason, []string{registered.ID}); err != nil {
		c.logger.Error("blocking agent failed", "agent_id", registered.AgentID, "question_id", registered.ID, "error", err)
		return res
	}
	// answered or cancelled while we were blocking
	if _, pending := c.answers.Pending(registered.ID); !pending {
		c.gate.RemoveBlockingQuestion(ctx, registered.AgentID, registered.ID)
	}
	return res
}

// CancelNotificationEscalation stops a critical notification from self-escalating.
func (c *Coordinator) CancelNotificationEscalation(notificationID string) bool {
	return c.notifier.CancelEscalation(notificationID)
}

// HaltAgent halts the agent.
func (c *Coordinator) HaltAgent(ctx context.Context, agentID, agentType, reason, detail string) {
	c.gate.HaltAgent(ctx, agentID, agentType, reason, detail)
}

// ResumeAgent resumes a halted agent.
func (c *Coordinator) ResumeAgent(ctx context.Context, agentID, resumedBy string) bool {
	return c.gate.ResumeAgent(ctx, agentID, resumedBy)
}

// HandleAnswer applies the gate side effects of approval and escalation answers.
func (c *Coordinator) HandleAnswer(evt events.Event) {
	qType, _ := evt.Data["question_type"].(string)
	value, _ := evt.Data["value"].(string)
	by, _ := evt.Data["responded_by"].(string)
	if by == "" {
		by, _ = evt.Data["kind"].(string)
	}
	ctx := context.Background()

	switch store.QuestionType(qType) {
	case store.QuestionApproval:
		switch value {
		case ActionResume, ActionResumeWithFix:
			c.ResumeAgent(ctx, evt.AgentID, by)
		case ActionTerminate:
			c.gate.SetAgentError(ctx, evt.AgentID, "", "terminated by operator")
		case ActionInvestigate:
			c.logger.Info("operator investigating halted agent", "agent_id", evt.AgentID, "question_id", evt.QuestionID)
		}
	case store.QuestionEscalation:
		if value == ActionHalt {
			c.HaltAgent(ctx, evt.AgentID, "", "operator requested halt", "answer to question "+evt.QuestionID)
		}
	}
}

// Register subscribes the coordinator's handlers on bus.
func (c *Coordinator) Register(bus *events.Bus) {
	bus.Handle(events.AnswerReceived, c.HandleAnswer)
}
