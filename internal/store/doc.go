// Package store persists the authoritative state of the coordination components.
//
// # Architecture
//
// Each component talks to a narrow interface:
//
//   - SessionStore: handshake sessions
//   - GateStore: per-agent gate states and the global halt flag
//   - QuestionStore: pending questions and the immutable answer history
//   - NotificationStore: notifications with their delivery status
//   - EscalationStore: escalation ladder state per issue
//
// SQLiteStore implements all of them in a single struct; Store is the union.
//
// # SQLite Configuration
//
// The default driver is modernc.org/sqlite (pure Go, driver name "sqlite").
// The cgo driver github.com/mattn/go-sqlite3 is registered as "sqlite3" and can
// be selected with Open. Both run with:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Slices and maps are stored as JSON text columns; timestamps as RFC3339Nano.
//
// # Restart
//
// The List* methods return exactly what each component needs to rebuild its
// in-memory state after a restart: every session, every non-empty gate state,
// pending questions, due or queued notifications and unresolved escalations.
//
// # Testing
//
// Use NewMockStore() for unit tests. It can be told to fail writes:
//
//	s := store.NewMockStore()
//	s.FailWrites(errors.New("disk full"))
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
package store
