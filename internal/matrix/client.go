// ABOUTME: Matrix transport for notifications and operator questions
// ABOUTME: Renders markdown with goldmark and posts to the configured room through mautrix

package matrix

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-gatekeeper/internal/config"
	"github.com/2389/coven-gatekeeper/internal/coordinator"
	"github.com/2389/coven-gatekeeper/internal/notify"
	"github.com/2389/coven-gatekeeper/internal/store"
)

// AnswerCommand is the chat command operators use to answer a question.
const AnswerCommand = "!answer"

// ChannelName is the notification channel name of the Matrix transport.
const ChannelName = "matrix"

// eventSender is the part of mautrix.Client used to post messages.
type eventSender interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
}

// Client posts notifications and questions to one Matrix room.
type Client struct {
	matrix *mautrix.Client
	sender eventSender
	roomID id.RoomID
	userID id.UserID
	logger *slog.Logger
}

var (
	_ notify.Channel                   = (*Client)(nil)
	_ coordinator.QuestionDeliveryPort = (*Client)(nil)
)

// NewClient creates a Matrix client from configuration.
func NewClient(cfg config.MatrixConfig, logger *slog.Logger) (*Client, error) {
	cli, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		matrix: cli,
		sender: cli,
		roomID: id.RoomID(cfg.RoomID),
		userID: id.UserID(cfg.UserID),
		logger: logger.With("component", "matrix"),
	}, nil
}

// Name implements notify.Channel.
func (c *Client) Name() string { return ChannelName }

// Send implements notify.Channel.
func (c *Client) Send(ctx context.Context, msg notify.Message) error {
	_, err := c.post(ctx, renderNotification(msg), msg.Severity != store.SeverityCritical)
	return err
}

// DeliverQuestion implements coordinator.QuestionDeliveryPort. The room is
// the chat id free-text answers are matched by.
func (c *Client) DeliverQuestion(ctx context.Context, q *store.Question) (coordinator.Delivery, error) {
	eventID, err := c.post(ctx, renderQuestion(q), false)
	if err != nil {
		return coordinator.Delivery{}, err
	}
	c.logger.Info("question delivered", "question_id", q.ID, "room", c.roomID.String(), "event_id", eventID.String())
	return coordinator.Delivery{ChatID: c.roomID.String(), MessageID: eventID.String()}, nil
}

// Reply posts plain markdown to the room.
func (c *Client) Reply(ctx context.Context, markdown string) error {
	_, err := c.post(ctx, markdown, true)
	return err
}

func (c *Client) post(ctx context.Context, markdown string, notice bool) (id.EventID, error) {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    markdown,
	}
	if html := toHTML(markdown); html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	if notice {
		content.MsgType = event.MsgNotice
	}
	resp, err := c.sender.SendMessageEvent(ctx, c.roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("sending to %s: %w", c.roomID, err)
	}
	return resp.EventID, nil
}

func renderNotification(msg notify.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s **%s**", severityMarker(msg.Severity), msg.Title)
	if msg.Body != "" && msg.Body != msg.Title {
		fmt.Fprintf(&b, "\n\n%s", msg.Body)
	}
	if msg.AgentID != "" {
		fmt.Fprintf(&b, "\n\nAgent: `%s`", msg.AgentID)
	}
	if msg.IssueID != "" {
		fmt.Fprintf(&b, " · Issue: `%s`", msg.IssueID)
	}
	return b.String()
}

func renderQuestion(q *store.Question) string {
	var b strings.Builder
	label := "Question"
	if q.Blocking {
		label = "Blocking question"
	}
	fmt.Fprintf(&b, "**%s** (%s) from `%s`\n\n%s\n", label, q.Type, q.AgentID, q.Content)
	if len(q.Options) > 0 {
		b.WriteString("\n")
		for _, o := range q.Options {
			fmt.Fprintf(&b, "- `%s` %s\n", o.Action, o.Label)
		}
	}
	fmt.Fprintf(&b, "\nReply with `%s %s <option>`", AnswerCommand, q.ID)
	if q.DefaultAnswer != "" {
		fmt.Fprintf(&b, " (default `%s` on %s)", q.DefaultAnswer, q.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	return b.String()
}

func severityMarker(s store.Severity) string {
	switch s {
	case store.SeverityCritical:
		return "🚨"
	case store.SeverityUrgent:
		return "❗"
	case store.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func toHTML(markdown string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}
