// ABOUTME: Notification channel port and the built-in log channel
// ABOUTME: A channel delivers one rendered message over a single named transport

package notify

import (
	"context"
	"log/slog"

	"github.com/2389/coven-gatekeeper/internal/store"
)

// Message is the rendered content handed to a channel.
type Message struct {
	NotificationID string
	AgentID        string
	IssueID        string
	Category       string
	Severity       store.Severity
	Title          string
	Body           string
	Payload        map[string]any
}

// Channel delivers messages over one named transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// LogChannel writes notifications to the structured log. It never fails.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates the "log" channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger.With("channel", "log")}
}

// Name implements Channel.
func (c *LogChannel) Name() string { return "log" }

// Send implements Channel.
func (c *LogChannel) Send(ctx context.Context, msg Message) error {
	level := slog.LevelInfo
	switch msg.Severity {
	case store.SeverityWarning, store.SeverityUrgent:
		level = slog.LevelWarn
	case store.SeverityCritical:
		level = slog.LevelError
	}
	c.logger.Log(ctx, level, msg.Title,
		"notification_id", msg.NotificationID,
		"agent_id", msg.AgentID,
		"category", msg.Category,
		"severity", msg.Severity,
		"message", msg.Body,
	)
	return nil
}
