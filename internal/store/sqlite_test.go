// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Round-trips every record type and checks the restart queries

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gatekeeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr(t time.Time) *time.Time { return &t }

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "gatekeeper.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SetGlobalHalt(ctx, true, "maintenance"))
	halted, reason, err := s.GetGlobalHalt(ctx)
	require.NoError(t, err)
	assert.True(t, halted)
	assert.Equal(t, "maintenance", reason)
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestNewSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gatekeeper.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(ctx, &AgentSession{
		AgentID: "build-7", AgentType: "builder", State: SessionReady,
		RegisteredAt: ts("2026-03-01T10:00:00Z"),
	}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.GetSession(ctx, "build-7")
	require.NoError(t, err)
	assert.Equal(t, SessionReady, sess.State)
}

func TestSQLiteStore_Sessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &AgentSession{
		AgentID:          "build-7",
		AgentType:        "builder",
		State:            SessionHelloSent,
		Capabilities:     []string{"go", "docker"},
		AckData:          map[string]any{"version": "1.2.0"},
		MissedHeartbeats: 1,
		RegisteredAt:     ts("2026-03-01T10:00:00Z"),
		HelloSentAt:      ptr(ts("2026-03-01T10:00:01Z")),
	}
	require.NoError(t, s.SaveSession(ctx, sess))

	got, err := s.GetSession(ctx, "build-7")
	require.NoError(t, err)
	assert.Equal(t, SessionHelloSent, got.State)
	assert.Equal(t, []string{"go", "docker"}, got.Capabilities)
	assert.Equal(t, "1.2.0", got.AckData["version"])
	assert.Equal(t, 1, got.MissedHeartbeats)
	require.NotNil(t, got.HelloSentAt)
	assert.True(t, got.HelloSentAt.Equal(ts("2026-03-01T10:00:01Z")))
	assert.Nil(t, got.ReadyAt)

	sess.State = SessionFailed
	sess.FailureReason = "ACK timeout"
	sess.FailedAt = ptr(ts("2026-03-01T10:00:31Z"))
	require.NoError(t, s.SaveSession(ctx, sess))

	all, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, SessionFailed, all[0].State)
	assert.Equal(t, "ACK timeout", all[0].FailureReason)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_GateStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := &GateState{
		AgentID:           "spec-3",
		AgentType:         "spec",
		BlockReason:       "waiting on operator",
		BlockingQuestions: []string{"q1", "q2"},
		BlockedSince:      ptr(ts("2026-03-01T09:00:00Z")),
		Halted:            true,
		HaltReason:        "manual",
		UpdatedAt:         ts("2026-03-01T09:05:00Z"),
	}
	require.NoError(t, s.SaveGateState(ctx, g))

	states, err := s.ListGateStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	got := states[0]
	assert.Equal(t, GateHalted, got.Status())
	assert.Equal(t, []string{"q1", "q2"}, got.BlockingQuestions)
	assert.Equal(t, "manual", got.Reason())
	assert.False(t, got.BlockTimedOut)

	require.NoError(t, s.DeleteGateState(ctx, "spec-3"))
	require.NoError(t, s.DeleteGateState(ctx, "spec-3"))
	states, err = s.ListGateStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestSQLiteStore_GlobalHaltDefaultsOff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	halted, _, err := s.GetGlobalHalt(ctx)
	require.NoError(t, err)
	assert.False(t, halted)

	require.NoError(t, s.SetGlobalHalt(ctx, true, "incident"))
	require.NoError(t, s.SetGlobalHalt(ctx, false, ""))
	halted, reason, err := s.GetGlobalHalt(ctx)
	require.NoError(t, err)
	assert.False(t, halted)
	assert.Empty(t, reason)
}

func TestSQLiteStore_QuestionsAndAnswers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	q := &Question{
		ID:        "q1",
		AgentID:   "spec-3",
		IssueID:   "issue-9",
		Type:      QuestionEscalation,
		Content:   "Build keeps failing. What now?",
		Options:   []QuestionOption{{Label: "Retry", Action: "retry"}, {Label: "Halt", Action: "halt"}},
		Blocking:  true,
		Priority:  "high",
		CreatedAt: ts("2026-03-01T10:00:00Z"),
		ExpiresAt: ts("2026-03-02T10:00:00Z"),
	}
	require.NoError(t, s.SaveQuestion(ctx, q))
	require.NoError(t, s.SaveQuestion(ctx, &Question{
		ID: "q2", AgentID: "spec-3", Type: QuestionAlert, Content: "fyi",
		CreatedAt: ts("2026-03-01T11:00:00Z"), ExpiresAt: ts("2026-03-02T11:00:00Z"),
	}))

	got, err := s.GetQuestion(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, QuestionPending, got.Status)
	assert.Equal(t, "issue-9", got.IssueID)
	assert.True(t, got.Blocking)
	assert.True(t, got.HasOption("halt"))
	assert.False(t, got.HasOption("dismiss"))

	pending, err := s.ListPendingQuestions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "q1", pending[0].ID, "oldest first")

	got.Status = QuestionAnswered
	require.NoError(t, s.SaveQuestion(ctx, got))
	pending, err = s.ListPendingQuestions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "q2", pending[0].ID)

	require.NoError(t, s.SaveAnswer(ctx, &Answer{
		ID: "a1", QuestionID: "q1", AgentID: "spec-3", IssueID: "issue-9",
		QuestionType: QuestionEscalation, Value: "retry", Kind: AnswerButton,
		RespondedBy: "@ops:example.org", WasBlocking: true,
		ProcessedAt: ts("2026-03-01T10:10:00Z"),
	}))
	answers, err := s.ListAnswers(ctx, "q1")
	require.NoError(t, err)
	require.Len(t, answers, 1)
	assert.Equal(t, AnswerButton, answers[0].Kind)
	assert.True(t, answers[0].WasBlocking)
	assert.Equal(t, QuestionEscalation, answers[0].QuestionType)

	// answer history is append-only
	assert.Error(t, s.SaveAnswer(ctx, &Answer{
		ID: "a1", QuestionID: "q1", AgentID: "spec-3", Value: "halt", Kind: AnswerButton,
		ProcessedAt: ts("2026-03-01T10:11:00Z"),
	}))
}

func TestSQLiteStore_DueNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, n := range []*Notification{
		{ID: "n-due", Severity: SeverityInfo, Title: "due", Status: DeliveryQueued,
			DeliverAt: ptr(ts("2026-03-02T06:00:00Z")), CreatedAt: ts("2026-03-02T02:00:00Z")},
		{ID: "n-later", Severity: SeverityInfo, Title: "later", Status: DeliveryQueued,
			DeliverAt: ptr(ts("2026-03-03T06:00:00Z")), CreatedAt: ts("2026-03-02T02:00:00Z")},
		{ID: "n-sent", Severity: SeverityCritical, Title: "sent", Status: DeliverySent,
			Channels: []string{"matrix"}, Payload: map[string]any{"count": float64(3)},
			CreatedAt: ts("2026-03-02T02:00:00Z"), SentAt: ptr(ts("2026-03-02T02:00:01Z"))},
	} {
		require.NoError(t, s.SaveNotification(ctx, n))
	}

	due, err := s.ListDueNotifications(ctx, ts("2026-03-02T06:00:00Z"))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "n-due", due[0].ID)

	sent, err := s.GetNotification(ctx, "n-sent")
	require.NoError(t, err)
	assert.Equal(t, []string{"matrix"}, sent.Channels)
	assert.Equal(t, float64(3), sent.Payload["count"])
	require.NotNil(t, sent.SentAt)

	_, err = s.GetNotification(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_Escalations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &EscalationState{
		IssueID:   "issue-9",
		IssueType: "error",
		Severity:  "critical",
		AgentID:   "build-7",
		Level:     4,
		Actions: []ResponseAction{
			{Level: 4, LevelName: "HALT", Detail: "halted build-7", QuestionID: "q-approve", Halted: true,
				ExecutedAt: ts("2026-03-01T10:00:00Z")},
		},
		CreatedAt:    ts("2026-03-01T10:00:00Z"),
		LastActionAt: ts("2026-03-01T10:00:00Z"),
	}
	require.NoError(t, s.SaveEscalation(ctx, e))
	require.NoError(t, s.SaveEscalation(ctx, &EscalationState{
		IssueID: "issue-old", IssueType: "stuck", Severity: "low", Resolved: true,
		ResolvedBy: "ops", ResolvedAt: ptr(ts("2026-03-01T08:00:00Z")),
		CreatedAt: ts("2026-03-01T07:00:00Z"), LastActionAt: ts("2026-03-01T07:00:00Z"),
	}))

	open, err := s.ListUnresolvedEscalations(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	got := open[0]
	assert.Equal(t, "issue-9", got.IssueID)
	require.Len(t, got.Actions, 1)
	assert.True(t, got.Actions[0].Halted)
	assert.Equal(t, []string{"q-approve"}, got.QuestionIDs())

	old, err := s.GetEscalation(ctx, "issue-old")
	require.NoError(t, err)
	assert.True(t, old.Resolved)
	assert.Equal(t, "ops", old.ResolvedBy)
}
