// ABOUTME: Tests for the Matrix client rendering and posting
// ABOUTME: Uses a fake event sender in place of the homeserver

package matrix

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-gatekeeper/internal/notify"
	"github.com/2389/coven-gatekeeper/internal/store"
)

const testRoom = id.RoomID("!ops:example.org")

type sentEvent struct {
	roomID  id.RoomID
	content *event.MessageEventContent
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentEvent
	err  error
}

func (f *fakeSender) SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	content, _ := contentJSON.(*event.MessageEventContent)
	f.sent = append(f.sent, sentEvent{roomID: roomID, content: content})
	return &mautrix.RespSendEvent{EventID: id.EventID("$evt" + string(rune('0'+len(f.sent))))}, nil
}

func (f *fakeSender) last() sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestClient(sender eventSender) *Client {
	return &Client{
		sender: sender,
		roomID: testRoom,
		userID: id.UserID("@gatekeeper:example.org"),
		logger: slog.Default(),
	}
}

func TestClient_SendNotification(t *testing.T) {
	sender := &fakeSender{}
	c := newTestClient(sender)

	err := c.Send(context.Background(), notify.Message{
		AgentID:  "a1",
		IssueID:  "iss-1",
		Severity: store.SeverityWarning,
		Title:    "Disk filling up",
		Body:     "92% used",
	})
	require.NoError(t, err)

	got := sender.last()
	assert.Equal(t, testRoom, got.roomID)
	assert.Equal(t, event.MsgNotice, got.content.MsgType)
	assert.Contains(t, got.content.Body, "**Disk filling up**")
	assert.Contains(t, got.content.Body, "92% used")
	assert.Contains(t, got.content.Body, "Agent: `a1`")
	assert.Contains(t, got.content.Body, "Issue: `iss-1`")
	assert.Equal(t, event.FormatHTML, got.content.Format)
	assert.Contains(t, got.content.FormattedBody, "<strong>Disk filling up</strong>")
}

func TestClient_CriticalIsNotANotice(t *testing.T) {
	sender := &fakeSender{}
	c := newTestClient(sender)

	require.NoError(t, c.Send(context.Background(), notify.Message{Severity: store.SeverityCritical, Title: "down"}))
	assert.Equal(t, event.MsgText, sender.last().content.MsgType)
}

func TestClient_SendError(t *testing.T) {
	c := newTestClient(&fakeSender{err: errors.New("M_FORBIDDEN")})

	err := c.Send(context.Background(), notify.Message{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "M_FORBIDDEN")
}

func TestClient_DeliverQuestion(t *testing.T) {
	sender := &fakeSender{}
	c := newTestClient(sender)

	q := &store.Question{
		ID:       "q-1",
		AgentID:  "a1",
		Type:     store.QuestionApproval,
		Content:  "Resume after fix?",
		Blocking: true,
		Options: []store.QuestionOption{
			{Action: "resume", Label: "Resume"},
			{Action: "terminate", Label: "Terminate"},
		},
		DefaultAnswer: "terminate",
		ExpiresAt:     time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
	}
	d, err := c.DeliverQuestion(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, testRoom.String(), d.ChatID)
	assert.Equal(t, "$evt1", d.MessageID)

	body := sender.last().content.Body
	assert.Contains(t, body, "**Blocking question**")
	assert.Contains(t, body, "- `resume` Resume")
	assert.Contains(t, body, "- `terminate` Terminate")
	assert.Contains(t, body, "Reply with `!answer q-1 <option>`")
	assert.Contains(t, body, "default `terminate` on 2026-01-02 03:04 UTC")
	assert.Equal(t, event.MsgText, sender.last().content.MsgType)
}

func TestClient_DeliverQuestionError(t *testing.T) {
	c := newTestClient(&fakeSender{err: errors.New("unreachable")})

	_, err := c.DeliverQuestion(context.Background(), &store.Question{ID: "q-1", AgentID: "a1"})
	assert.Error(t, err)
}

func TestSeverityMarker(t *testing.T) {
	assert.Equal(t, "🚨", severityMarker(store.SeverityCritical))
	assert.Equal(t, "❗", severityMarker(store.SeverityUrgent))
	assert.Equal(t, "⚠️", severityMarker(store.SeverityWarning))
	assert.Equal(t, "ℹ️", severityMarker(store.SeverityInfo))
}

func TestToHTML(t *testing.T) {
	assert.Equal(t, "<p><code>q-1</code> is <em>pending</em></p>", toHTML("`q-1` is *pending*"))
}
