// ABOUTME: SQLite implementation of the Store interfaces
// ABOUTME: Schema creation, migrations and row mapping for every coordination record

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// DefaultDriver is the pure-Go modernc.org/sqlite driver.
const DefaultDriver = "sqlite"

// timeFormat is fixed-width so stored timestamps compare lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens a store at path with the default driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(DefaultDriver, path)
}

// Open opens a store using the named database/sql driver ("sqlite" or "sqlite3").
// The schema is created if it doesn't exist and parent directories are created if needed.
func Open(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DefaultDriver
	}
	if driver != "sqlite" && driver != "sqlite3" {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if inMemory {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_sessions (
			agent_id          TEXT PRIMARY KEY,
			agent_type        TEXT NOT NULL,
			state             TEXT NOT NULL,
			capabilities_json TEXT,
			ack_data_json     TEXT,
			failure_reason    TEXT,
			missed_heartbeats INTEGER NOT NULL DEFAULT 0,
			registered_at     TEXT NOT NULL,
			hello_sent_at     TEXT,
			ack_received_at   TEXT,
			ready_at          TEXT,
			failed_at         TEXT,
			disconnected_at   TEXT,
			last_heartbeat    TEXT
		);

		CREATE TABLE IF NOT EXISTS gate_states (
			agent_id                TEXT PRIMARY KEY,
			agent_type              TEXT NOT NULL,
			halted                  INTEGER NOT NULL DEFAULT 0,
			halt_reason             TEXT,
			halt_detail             TEXT,
			halted_at               TEXT,
			errored                 INTEGER NOT NULL DEFAULT 0,
			error_reason            TEXT,
			error_at                TEXT,
			block_reason            TEXT,
			blocking_questions_json TEXT,
			blocked_since           TEXT,
			block_timed_out         INTEGER NOT NULL DEFAULT 0,
			updated_at              TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS gate_flags (
			name       TEXT PRIMARY KEY,
			enabled    INTEGER NOT NULL,
			reason     TEXT,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS questions (
			id                 TEXT PRIMARY KEY,
			agent_id           TEXT NOT NULL,
			agent_type         TEXT,
			type               TEXT NOT NULL,
			content            TEXT NOT NULL,
			options_json       TEXT,
			blocking           INTEGER NOT NULL DEFAULT 0,
			priority           TEXT,
			default_answer     TEXT,
			chat_id            TEXT,
			channel_message_id TEXT,
			status             TEXT NOT NULL,
			status_reason      TEXT,
			created_at         TEXT NOT NULL,
			expires_at         TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_questions_status ON questions(status);
		CREATE INDEX IF NOT EXISTS idx_questions_agent ON questions(agent_id);

		CREATE TABLE IF NOT EXISTS answers (
			id            TEXT PRIMARY KEY,
			question_id   TEXT NOT NULL,
			agent_id      TEXT NOT NULL,
			issue_id      TEXT,
			question_type TEXT,
			value         TEXT NOT NULL,
			kind          TEXT NOT NULL,
			responded_by  TEXT,
			was_blocking  INTEGER NOT NULL DEFAULT 0,
			processed_at  TEXT NOT NULL,

			CHECK (kind IN ('button', 'text', 'timeout', 'default'))
		);

		CREATE INDEX IF NOT EXISTS idx_answers_question ON answers(question_id);

		CREATE TABLE IF NOT EXISTS notifications (
			id            TEXT PRIMARY KEY,
			agent_id      TEXT,
			agent_type    TEXT,
			issue_id      TEXT,
			category      TEXT,
			severity      TEXT NOT NULL,
			title         TEXT NOT NULL,
			message       TEXT,
			payload_json  TEXT,
			channel       TEXT,
			dedup_key     TEXT,
			expires_at    TEXT,
			status        TEXT NOT NULL,
			channels_json TEXT,
			error         TEXT,
			deliver_at    TEXT,
			created_at    TEXT NOT NULL,
			sent_at       TEXT,

			CHECK (status IN ('sent', 'failed', 'queued', 'skipped'))
		);

		CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications(status, deliver_at);

		CREATE TABLE IF NOT EXISTS escalations (
			issue_id           TEXT PRIMARY KEY,
			issue_type         TEXT NOT NULL,
			severity           TEXT NOT NULL,
			description        TEXT,
			agent_id           TEXT,
			agent_type         TEXT,
			level              INTEGER NOT NULL,
			actions_json       TEXT,
			resolved           INTEGER NOT NULL DEFAULT 0,
			resolved_by        TEXT,
			resolved_at        TEXT,
			next_evaluation_at TEXT,
			created_at         TEXT NOT NULL,
			last_action_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_escalations_resolved ON escalations(resolved);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies column additions for databases created by older builds.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "questions",
			column: "issue_id",
			apply:  `ALTER TABLE questions ADD COLUMN issue_id TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveSession upserts a handshake session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *AgentSession) error {
	query := `
		INSERT OR REPLACE INTO agent_sessions (
			agent_id, agent_type, state, capabilities_json, ack_data_json, failure_reason,
			missed_heartbeats, registered_at, hello_sent_at, ack_received_at, ready_at,
			failed_at, disconnected_at, last_heartbeat
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	caps, err := toJSON(sess.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	ack, err := toJSON(sess.AckData)
	if err != nil {
		return fmt.Errorf("encoding ack data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		sess.AgentID,
		sess.AgentType,
		string(sess.State),
		caps,
		ack,
		nullString(sess.FailureReason),
		sess.MissedHeartbeats,
		formatTime(sess.RegisteredAt),
		nullTime(sess.HelloSentAt),
		nullTime(sess.AckReceivedAt),
		nullTime(sess.ReadyAt),
		nullTime(sess.FailedAt),
		nullTime(sess.DisconnectedAt),
		nullTime(sess.LastHeartbeat),
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	s.logger.Debug("saved session", "agent_id", sess.AgentID, "state", sess.State)
	return nil
}

const sessionColumns = `
	agent_id, agent_type, state, capabilities_json, ack_data_json, failure_reason,
	missed_heartbeats, registered_at, hello_sent_at, ack_received_at, ready_at,
	failed_at, disconnected_at, last_heartbeat
`

// GetSession returns the session for agentID or ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, agentID string) (*AgentSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE agent_id = ?`, agentID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// ListSessions returns every stored session ordered by registration time.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*AgentSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions ORDER BY registered_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*AgentSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*AgentSession, error) {
	var sess AgentSession
	var state, registeredAt string
	var caps, ack, reason sql.NullString
	var helloSent, ackReceived, ready, failed, disconnected, heartbeat sql.NullString

	if err := r.Scan(
		&sess.AgentID, &sess.AgentType, &state, &caps, &ack, &reason,
		&sess.MissedHeartbeats, &registeredAt, &helloSent, &ackReceived, &ready,
		&failed, &disconnected, &heartbeat,
	); err != nil {
		return nil, err
	}

	sess.State = SessionState(state)
	sess.FailureReason = reason.String

	var err error
	if sess.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}
	if err := fromJSON(caps, &sess.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	if err := fromJSON(ack, &sess.AckData); err != nil {
		return nil, fmt.Errorf("decoding ack data: %w", err)
	}

	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{helloSent, &sess.HelloSentAt},
		{ackReceived, &sess.AckReceivedAt},
		{ready, &sess.ReadyAt},
		{failed, &sess.FailedAt},
		{disconnected, &sess.DisconnectedAt},
		{heartbeat, &sess.LastHeartbeat},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return nil, err
		}
	}
	return &sess, nil
}

// SaveGateState upserts an agent's gate state.
func (s *SQLiteStore) SaveGateState(ctx context.Context, g *GateState) error {
	query := `
		INSERT OR REPLACE INTO gate_states (
			agent_id, agent_type, halted, halt_reason, halt_detail, halted_at,
			errored, error_reason, error_at, block_reason, blocking_questions_json,
			blocked_since, block_timed_out, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	blocking, err := toJSON(g.BlockingQuestions)
	if err != nil {
		return fmt.Errorf("encoding blocking questions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		g.AgentID,
		g.AgentType,
		boolInt(g.Halted),
		nullString(g.HaltReason),
		nullString(g.HaltDetail),
		nullTime(g.HaltedAt),
		boolInt(g.Errored),
		nullString(g.ErrorReason),
		nullTime(g.ErrorAt),
		nullString(g.BlockReason),
		blocking,
		nullTime(g.BlockedSince),
		boolInt(g.BlockTimedOut),
		formatTime(g.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving gate state: %w", err)
	}

	s.logger.Debug("saved gate state", "agent_id", g.AgentID, "status", g.Status())
	return nil
}

// DeleteGateState removes an agent's gate state. Deleting a missing state is not an error.
func (s *SQLiteStore) DeleteGateState(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gate_states WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("deleting gate state: %w", err)
	}
	return nil
}

// ListGateStates returns every stored gate state.
func (s *SQLiteStore) ListGateStates(ctx context.Context) ([]*GateState, error) {
	query := `
		SELECT agent_id, agent_type, halted, halt_reason, halt_detail, halted_at,
			errored, error_reason, error_at, block_reason, blocking_questions_json,
			blocked_since, block_timed_out, updated_at
		FROM gate_states
		ORDER BY agent_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying gate states: %w", err)
	}
	defer rows.Close()

	var states []*GateState
	for rows.Next() {
		var g GateState
		var halted, errored, timedOut int
		var haltReason, haltDetail, haltedAt, errorReason, errorAt sql.NullString
		var blockReason, blocking, blockedSince sql.NullString
		var updatedAt string

		if err := rows.Scan(
			&g.AgentID, &g.AgentType, &halted, &haltReason, &haltDetail, &haltedAt,
			&errored, &errorReason, &errorAt, &blockReason, &blocking,
			&blockedSince, &timedOut, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning gate state row: %w", err)
		}

		g.Halted = halted != 0
		g.Errored = errored != 0
		g.BlockTimedOut = timedOut != 0
		g.HaltReason = haltReason.String
		g.HaltDetail = haltDetail.String
		g.ErrorReason = errorReason.String
		g.BlockReason = blockReason.String

		if err := fromJSON(blocking, &g.BlockingQuestions); err != nil {
			return nil, fmt.Errorf("decoding blocking questions: %w", err)
		}
		if g.HaltedAt, err = parseNullTime(haltedAt); err != nil {
			return nil, err
		}
		if g.ErrorAt, err = parseNullTime(errorAt); err != nil {
			return nil, err
		}
		if g.BlockedSince, err = parseNullTime(blockedSince); err != nil {
			return nil, err
		}
		if g.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		states = append(states, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating gate state rows: %w", err)
	}
	return states, nil
}

const globalHaltFlag = "global_halt"

// SetGlobalHalt records the fleet-wide halt flag.
func (s *SQLiteStore) SetGlobalHalt(ctx context.Context, halted bool, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO gate_flags (name, enabled, reason, updated_at)
		VALUES (?, ?, ?, ?)
	`, globalHaltFlag, boolInt(halted), nullString(reason), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving global halt: %w", err)
	}
	return nil
}

// GetGlobalHalt returns the fleet-wide halt flag. An unset flag is not halted.
func (s *SQLiteStore) GetGlobalHalt(ctx context.Context) (bool, string, error) {
	var enabled int
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, reason FROM gate_flags WHERE name = ?`, globalHaltFlag,
	).Scan(&enabled, &reason)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("querying global halt: %w", err)
	}
	return enabled != 0, reason.String, nil
}

// SaveQuestion upserts a question.
func (s *SQLiteStore) SaveQuestion(ctx context.Context, q *Question) error {
	query := `
		INSERT OR REPLACE INTO questions (
			id, agent_id, agent_type, issue_id, type, content, options_json, blocking,
			priority, default_answer, chat_id, channel_message_id, status, status_reason,
			created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	opts, err := toJSON(q.Options)
	if err != nil {
		return fmt.Errorf("encoding options: %w", err)
	}
	status := q.Status
	if status == "" {
		status = QuestionPending
	}

	_, err = s.db.ExecContext(ctx, query,
		q.ID,
		q.AgentID,
		nullString(q.AgentType),
		nullString(q.IssueID),
		string(q.Type),
		q.Content,
		opts,
		boolInt(q.Blocking),
		nullString(q.Priority),
		nullString(q.DefaultAnswer),
		nullString(q.ChatID),
		nullString(q.ChannelMessageID),
		string(status),
		nullString(q.StatusReason),
		formatTime(q.CreatedAt),
		formatTime(q.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("saving question: %w", err)
	}

	s.logger.Debug("saved question", "id", q.ID, "status", status)
	return nil
}

const questionColumns = `
	id, agent_id, agent_type, issue_id, type, content, options_json, blocking,
	priority, default_answer, chat_id, channel_message_id, status, status_reason,
	created_at, expires_at
`

// GetQuestion returns a question by id or ErrNotFound.
func (s *SQLiteStore) GetQuestion(ctx context.Context, id string) (*Question, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = ?`, id)
	q, err := scanQuestion(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying question: %w", err)
	}
	return q, nil
}

// ListPendingQuestions returns questions still awaiting an answer, oldest first.
func (s *SQLiteStore) ListPendingQuestions(ctx context.Context) ([]*Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE status = ? ORDER BY created_at ASC`,
		string(QuestionPending),
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending questions: %w", err)
	}
	defer rows.Close()

	var questions []*Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning question row: %w", err)
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating question rows: %w", err)
	}
	return questions, nil
}

func scanQuestion(r rowScanner) (*Question, error) {
	var q Question
	var qType, status, createdAt, expiresAt string
	var agentType, issueID, opts, priority, defaultAnswer, chatID, messageID, reason sql.NullString
	var blocking int

	if err := r.Scan(
		&q.ID, &q.AgentID, &agentType, &issueID, &qType, &q.Content, &opts, &blocking,
		&priority, &defaultAnswer, &chatID, &messageID, &status, &reason,
		&createdAt, &expiresAt,
	); err != nil {
		return nil, err
	}

	q.AgentType = agentType.String
	q.IssueID = issueID.String
	q.Type = QuestionType(qType)
	q.Blocking = blocking != 0
	q.Priority = priority.String
	q.DefaultAnswer = defaultAnswer.String
	q.ChatID = chatID.String
	q.ChannelMessageID = messageID.String
	q.Status = QuestionStatus(status)
	q.StatusReason = reason.String

	if err := fromJSON(opts, &q.Options); err != nil {
		return nil, fmt.Errorf("decoding options: %w", err)
	}
	var err error
	if q.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if q.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	return &q, nil
}

// SaveAnswer appends an answer to the history. Answers are never updated.
func (s *SQLiteStore) SaveAnswer(ctx context.Context, a *Answer) error {
	query := `
		INSERT INTO answers (
			id, question_id, agent_id, issue_id, question_type, value, kind,
			responded_by, was_blocking, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.QuestionID,
		a.AgentID,
		nullString(a.IssueID),
		nullString(string(a.QuestionType)),
		a.Value,
		string(a.Kind),
		nullString(a.RespondedBy),
		boolInt(a.WasBlocking),
		formatTime(a.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting answer: %w", err)
	}
	return nil
}

// ListAnswers returns the answer history for a question in processing order.
func (s *SQLiteStore) ListAnswers(ctx context.Context, questionID string) ([]*Answer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question_id, agent_id, issue_id, question_type, value, kind,
			responded_by, was_blocking, processed_at
		FROM answers
		WHERE question_id = ?
		ORDER BY processed_at ASC
	`, questionID)
	if err != nil {
		return nil, fmt.Errorf("querying answers: %w", err)
	}
	defer rows.Close()

	var answers []*Answer
	for rows.Next() {
		var a Answer
		var issueID, qType, respondedBy sql.NullString
		var kind, processedAt string
		var wasBlocking int

		if err := rows.Scan(
			&a.ID, &a.QuestionID, &a.AgentID, &issueID, &qType, &a.Value, &kind,
			&respondedBy, &wasBlocking, &processedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning answer row: %w", err)
		}
		a.IssueID = issueID.String
		a.QuestionType = QuestionType(qType.String)
		a.Kind = AnswerKind(kind)
		a.RespondedBy = respondedBy.String
		a.WasBlocking = wasBlocking != 0
		if a.ProcessedAt, err = parseTime(processedAt); err != nil {
			return nil, fmt.Errorf("parsing processed_at: %w", err)
		}
		answers = append(answers, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating answer rows: %w", err)
	}
	return answers, nil
}

// SaveNotification upserts a notification and its delivery status.
func (s *SQLiteStore) SaveNotification(ctx context.Context, n *Notification) error {
	query := `
		INSERT OR REPLACE INTO notifications (
			id, agent_id, agent_type, issue_id, category, severity, title, message,
			payload_json, channel, dedup_key, expires_at, status, channels_json, error,
			deliver_at, created_at, sent_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	payload, err := toJSON(n.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	channels, err := toJSON(n.Channels)
	if err != nil {
		return fmt.Errorf("encoding channels: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		n.ID,
		nullString(n.AgentID),
		nullString(n.AgentType),
		nullString(n.IssueID),
		nullString(n.Category),
		string(n.Severity),
		n.Title,
		nullString(n.Message),
		payload,
		nullString(n.Channel),
		nullString(n.DedupKey),
		nullTime(n.ExpiresAt),
		string(n.Status),
		channels,
		nullString(n.Error),
		nullTime(n.DeliverAt),
		formatTime(n.CreatedAt),
		nullTime(n.SentAt),
	)
	if err != nil {
		return fmt.Errorf("saving notification: %w", err)
	}

	s.logger.Debug("saved notification", "id", n.ID, "status", n.Status)
	return nil
}

const notificationColumns = `
	id, agent_id, agent_type, issue_id, category, severity, title, message,
	payload_json, channel, dedup_key, expires_at, status, channels_json, error,
	deliver_at, created_at, sent_at
`

// GetNotification returns a notification by id or ErrNotFound.
func (s *SQLiteStore) GetNotification(ctx context.Context, id string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying notification: %w", err)
	}
	return n, nil
}

// ListDueNotifications returns queued notifications whose delivery time is at or before now.
func (s *SQLiteStore) ListDueNotifications(ctx context.Context, now time.Time) ([]*Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		WHERE status = ? AND deliver_at IS NOT NULL AND deliver_at <= ?
		ORDER BY deliver_at ASC`,
		string(DeliveryQueued), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("querying due notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notification rows: %w", err)
	}
	return out, nil
}

func scanNotification(r rowScanner) (*Notification, error) {
	var n Notification
	var agentID, agentType, issueID, category, message, payload, channel, dedupKey sql.NullString
	var expiresAt, channels, errStr, deliverAt, sentAt sql.NullString
	var severity, status, createdAt string

	if err := r.Scan(
		&n.ID, &agentID, &agentType, &issueID, &category, &severity, &n.Title, &message,
		&payload, &channel, &dedupKey, &expiresAt, &status, &channels, &errStr,
		&deliverAt, &createdAt, &sentAt,
	); err != nil {
		return nil, err
	}

	n.AgentID = agentID.String
	n.AgentType = agentType.String
	n.IssueID = issueID.String
	n.Category = category.String
	n.Severity = Severity(severity)
	n.Message = message.String
	n.Channel = channel.String
	n.DedupKey = dedupKey.String
	n.Status = DeliveryStatus(status)
	n.Error = errStr.String

	if err := fromJSON(payload, &n.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if err := fromJSON(channels, &n.Channels); err != nil {
		return nil, fmt.Errorf("decoding channels: %w", err)
	}
	var err error
	if n.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if n.DeliverAt, err = parseNullTime(deliverAt); err != nil {
		return nil, err
	}
	if n.SentAt, err = parseNullTime(sentAt); err != nil {
		return nil, err
	}
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &n, nil
}

// SaveEscalation upserts an issue's escalation state.
func (s *SQLiteStore) SaveEscalation(ctx context.Context, e *EscalationState) error {
	query := `
		INSERT OR REPLACE INTO escalations (
			issue_id, issue_type, severity, description, agent_id, agent_type, level,
			actions_json, resolved, resolved_by, resolved_at, next_evaluation_at,
			created_at, last_action_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	actions, err := toJSON(e.Actions)
	if err != nil {
		return fmt.Errorf("encoding actions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		e.IssueID,
		e.IssueType,
		e.Severity,
		nullString(e.Description),
		nullString(e.AgentID),
		nullString(e.AgentType),
		e.Level,
		actions,
		boolInt(e.Resolved),
		nullString(e.ResolvedBy),
		nullTime(e.ResolvedAt),
		nullTime(e.NextEvaluationAt),
		formatTime(e.CreatedAt),
		formatTime(e.LastActionAt),
	)
	if err != nil {
		return fmt.Errorf("saving escalation: %w", err)
	}

	s.logger.Debug("saved escalation", "issue_id", e.IssueID, "level", e.Level, "resolved", e.Resolved)
	return nil
}

const escalationColumns = `
	issue_id, issue_type, severity, description, agent_id, agent_type, level,
	actions_json, resolved, resolved_by, resolved_at, next_evaluation_at,
	created_at, last_action_at
`

// GetEscalation returns an issue's escalation state or ErrNotFound.
func (s *SQLiteStore) GetEscalation(ctx context.Context, issueID string) (*EscalationState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE issue_id = ?`, issueID)
	e, err := scanEscalation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying escalation: %w", err)
	}
	return e, nil
}

// ListUnresolvedEscalations returns every escalation that has not been resolved.
func (s *SQLiteStore) ListUnresolvedEscalations(ctx context.Context) ([]*EscalationState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE resolved = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying escalations: %w", err)
	}
	defer rows.Close()

	var out []*EscalationState
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning escalation row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating escalation rows: %w", err)
	}
	return out, nil
}

func scanEscalation(r rowScanner) (*EscalationState, error) {
	var e EscalationState
	var description, agentID, agentType, actions, resolvedBy, resolvedAt, nextEval sql.NullString
	var createdAt, lastActionAt string
	var resolved int

	if err := r.Scan(
		&e.IssueID, &e.IssueType, &e.Severity, &description, &agentID, &agentType, &e.Level,
		&actions, &resolved, &resolvedBy, &resolvedAt, &nextEval,
		&createdAt, &lastActionAt,
	); err != nil {
		return nil, err
	}

	e.Description = description.String
	e.AgentID = agentID.String
	e.AgentType = agentType.String
	e.Resolved = resolved != 0
	e.ResolvedBy = resolvedBy.String

	if err := fromJSON(actions, &e.Actions); err != nil {
		return nil, fmt.Errorf("decoding actions: %w", err)
	}
	var err error
	if e.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, err
	}
	if e.NextEvaluationAt, err = parseNullTime(nextEval); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.LastActionAt, err = parseTime(lastActionAt); err != nil {
		return nil, fmt.Errorf("parsing last_action_at: %w", err)
	}
	return &e, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp %q: %w", s.String, err)
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// toJSON encodes v for a JSON text column; nil slices and maps become NULL.
func toJSON(v any) (any, error) {
	switch x := v.(type) {
	case []string:
		if x == nil {
			return nil, nil
		}
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	case []QuestionOption:
		if x == nil {
			return nil, nil
		}
	case []ResponseAction:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func fromJSON(s sql.NullString, dst any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}
