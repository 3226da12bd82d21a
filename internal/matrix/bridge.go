// ABOUTME: Inbound Matrix bridge turning room messages into answers
// ABOUTME: "!answer <question-id> <option>" answers by button, other text is offered as a free-text reply

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-gatekeeper/internal/answers"
	"github.com/2389/coven-gatekeeper/internal/store"
)

// replyTimeout bounds confirmation messages sent back to the room.
const replyTimeout = 10 * time.Second

// Answerer receives answers parsed from chat messages.
type Answerer interface {
	ProcessButtonAnswer(ctx context.Context, questionID, action, userID string) (*store.Answer, error)
	ProcessTextAnswer(ctx context.Context, chatID, text, userID string) (*store.Answer, error)
}

// Bridge syncs the room and routes operator messages to the answer processor.
type Bridge struct {
	client   *Client
	answerer Answerer
	allowed  map[string]bool
	logger   *slog.Logger
}

// NewBridge creates a bridge. An empty allowedUsers list accepts everyone in the room.
func NewBridge(client *Client, answerer Answerer, allowedUsers []string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(allowedUsers))
	for _, u := range allowedUsers {
		allowed[u] = true
	}
	return &Bridge{
		client:   client,
		answerer: answerer,
		allowed:  allowed,
		logger:   logger.With("component", "matrix-bridge"),
	}
}

// Run syncs with the homeserver until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	if b.client.matrix == nil {
		return errors.New("matrix bridge has no client")
	}
	syncer, ok := b.client.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleEvent)

	b.logger.Info("matrix bridge running", "room", b.client.roomID.String())

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.client.matrix.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

func (b *Bridge) handleEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.client.userID || evt.RoomID != b.client.roomID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}
	b.HandleMessage(ctx, evt.RoomID, evt.Sender, content.Body)
}

// HandleMessage routes one message from the room.
func (b *Bridge) HandleMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	if len(b.allowed) > 0 && !b.allowed[sender.String()] {
		b.logger.Debug("ignoring message from user not on the allow list", "sender", sender.String())
		return
	}

	if questionID, action, ok := parseAnswerCommand(body); ok {
		_, err := b.answerer.ProcessButtonAnswer(ctx, questionID, action, sender.String())
		switch {
		case err == nil && action == answers.ActionCustomText:
			b.reply(fmt.Sprintf("Waiting for your reply to `%s`. Send it as a normal message.", questionID))
		case err == nil:
			b.reply(fmt.Sprintf("Recorded `%s` for `%s`.", action, questionID))
		case errors.Is(err, answers.ErrQuestionNotFound):
			b.reply(fmt.Sprintf("Question `%s` is not pending.", questionID))
		default:
			b.logger.Error("processing answer", "question_id", questionID, "error", err)
			b.reply(fmt.Sprintf("Could not record answer for `%s`: %v", questionID, err))
		}
		return
	}
	if strings.HasPrefix(body, AnswerCommand) {
		b.reply(fmt.Sprintf("Usage: `%s <question-id> <option>`", AnswerCommand))
		return
	}

	ans, err := b.answerer.ProcessTextAnswer(ctx, roomID.String(), body, sender.String())
	if errors.Is(err, answers.ErrUnsolicited) {
		return
	}
	if err != nil {
		b.logger.Error("processing text answer", "room", roomID.String(), "error", err)
		return
	}
	b.reply(fmt.Sprintf("Recorded your reply to `%s`.", ans.QuestionID))
}

func (b *Bridge) reply(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	if err := b.client.Reply(ctx, text); err != nil {
		b.logger.Warn("failed to reply in room", "error", err)
	}
}

// parseAnswerCommand parses "!answer <question-id> <option>".
func parseAnswerCommand(body string) (questionID, action string, ok bool) {
	fields := strings.Fields(body)
	if len(fields) != 3 || fields[0] != AnswerCommand {
		return "", "", false
	}
	return fields[1], fields[2], true
}
