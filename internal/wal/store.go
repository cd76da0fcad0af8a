// Package wal implements the durable per-session append-only event log and
// its retention-policy compaction.
package wal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/inercia/acpd/internal/logging"
)

var (
	// ErrSessionNotFound is returned for operations on unregistered sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("store is closed")
)

// Kind labels the typed WAL events.
type Kind string

const (
	KindUserMessage       Kind = "user_message"
	KindAgentMessageChunk Kind = "agent_message_chunk"
	KindAgentThoughtChunk Kind = "agent_thought_chunk"
	KindToolCall          Kind = "tool_call"
	KindToolCallUpdate    Kind = "tool_call_update"
	KindSessionInfoUpdate Kind = "session_info_update"
	KindUsageUpdate       Kind = "usage_update"
	KindUnknownUpdate     Kind = "unknown_update"
	KindTurnEnd           Kind = "turn_end"
)

// Event is one appended log entry. For a fixed (SessionID, Revision), Seq is
// strictly increasing with no gaps visible to callers.
type Event struct {
	SessionID string          `json:"session_id"`
	Revision  int64           `json:"revision"`
	Seq       int64           `json:"seq"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Session is the persisted mirror of a session's identity and current
// revision.
type Session struct {
	SessionID string    `json:"session_id"`
	BackendID string    `json:"backend_id"`
	Cwd       string    `json:"cwd"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists sessions and events in one SQLite database.
//
// Appends are serialized per session: seq assignment and the insert happen
// under a per-session lock, which the compactor shares, so compaction never
// races an in-flight append into the window it prunes.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	closed bool
}

// Open opens (creating if needed) the database at path and applies pending
// migrations, strictly in order, forward-only.
func Open(path string) (*Store, error) {
	log := logging.WAL()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create wal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal database: %w", err)
	}
	// modernc.org/sqlite allows one writer; a single connection sidesteps
	// SQLITE_BUSY entirely at daemon scale.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		// Synchronous appends: an event reported to a caller survives a
		// crash.
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s failed: %w", pragma, err)
		}
	}

	s := &Store{
		db:     db,
		logger: log,
		locks:  make(map[string]*sync.Mutex),
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug("wal store opened", "path", path)
	return s, nil
}

// Close closes the database. In-flight operations fail afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Debug("wal store closed")
	return s.db.Close()
}

// sessionLock returns the per-session append/compaction lock.
func (s *Store) sessionLock(sessionID string) (*sync.Mutex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l, nil
}

// EnsureSession upserts session metadata and returns the current revision.
// Idempotent: an existing row keeps its revision and created_at.
func (s *Store) EnsureSession(sessionID, backendID, cwd string) (int64, error) {
	l, err := s.sessionLock(sessionID)
	if err != nil {
		return 0, err
	}
	l.Lock()
	defer l.Unlock()

	now := time.Now().UnixNano()
	_, err = s.db.Exec(`
		INSERT INTO sessions (session_id, backend_id, cwd, revision, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			backend_id = excluded.backend_id,
			cwd = excluded.cwd,
			updated_at = excluded.updated_at`,
		sessionID, backendID, cwd, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert session: %w", err)
	}

	var revision int64
	if err := s.db.QueryRow(
		`SELECT revision FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&revision); err != nil {
		return 0, fmt.Errorf("failed to read session revision: %w", err)
	}

	s.logger.Debug("session ensured",
		"session_id", sessionID,
		"backend_id", backendID,
		"revision", revision)
	return revision, nil
}

// GetSession returns the persisted session row.
func (s *Store) GetSession(sessionID string) (Session, error) {
	var (
		sess               Session
		createdN, updatedN int64
	)
	err := s.db.QueryRow(`
		SELECT session_id, backend_id, cwd, revision, created_at, updated_at
		FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&sess.SessionID, &sess.BackendID, &sess.Cwd, &sess.Revision, &createdN, &updatedN)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to read session: %w", err)
	}
	sess.CreatedAt = time.Unix(0, createdN)
	sess.UpdatedAt = time.Unix(0, updatedN)
	return sess, nil
}

// CurrentRevision returns the session's revision counter.
func (s *Store) CurrentRevision(sessionID string) (int64, error) {
	var revision int64
	err := s.db.QueryRow(
		`SELECT revision FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read session revision: %w", err)
	}
	return revision, nil
}

// AppendParams names the append inputs.
type AppendParams struct {
	SessionID string
	Revision  int64
	Kind      Kind
	Payload   json.RawMessage
}

// AppendEvent assigns the next seq for (sessionID, revision), persists the
// event synchronously, and returns it. The event is durable before this
// returns: a crash can lose a fan-out notification, never a log entry.
func (s *Store) AppendEvent(p AppendParams) (Event, error) {
	l, err := s.sessionLock(p.SessionID)
	if err != nil {
		return Event{}, err
	}
	l.Lock()
	defer l.Unlock()

	var exists int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE session_id = ?`, p.SessionID,
	).Scan(&exists); err != nil {
		return Event{}, fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return Event{}, ErrSessionNotFound
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Event{}, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRow(`
		SELECT COALESCE(MAX(seq), 0) + 1 FROM events
		WHERE session_id = ? AND revision = ?`,
		p.SessionID, p.Revision,
	).Scan(&seq); err != nil {
		return Event{}, fmt.Errorf("failed to assign seq: %w", err)
	}

	ev := Event{
		SessionID: p.SessionID,
		Revision:  p.Revision,
		Seq:       seq,
		Kind:      p.Kind,
		Payload:   p.Payload,
		Timestamp: time.Now(),
	}

	if _, err := tx.Exec(`
		INSERT INTO events (session_id, revision, seq, kind, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Revision, ev.Seq, string(ev.Kind), []byte(ev.Payload), ev.Timestamp.UnixNano(),
	); err != nil {
		return Event{}, fmt.Errorf("failed to insert event: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE sessions SET updated_at = ? WHERE session_id = ?`,
		ev.Timestamp.UnixNano(), p.SessionID,
	); err != nil {
		return Event{}, fmt.Errorf("failed to touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("failed to commit append: %w", err)
	}

	s.logger.Debug("event appended",
		"session_id", ev.SessionID,
		"revision", ev.Revision,
		"seq", ev.Seq,
		"kind", string(ev.Kind))
	return ev, nil
}

// QueryParams selects events for one (session, revision) epoch.
type QueryParams struct {
	SessionID string
	Revision  int64
	AfterSeq  int64
	// Limit caps the result; 0 means unlimited.
	Limit int
}

// QueryResult carries the page plus a truncation marker.
type QueryResult struct {
	Events  []Event
	HasMore bool
}

// QueryEvents returns events with seq > AfterSeq for the exact revision,
// ordered by seq ascending. Revision matching is the caller's concern; this
// reads exactly the epoch asked for.
func (s *Store) QueryEvents(p QueryParams) (QueryResult, error) {
	query := `
		SELECT session_id, revision, seq, kind, payload, timestamp
		FROM events
		WHERE session_id = ? AND revision = ? AND seq > ?
		ORDER BY seq ASC`
	args := []any{p.SessionID, p.Revision, p.AfterSeq}
	if p.Limit > 0 {
		// Fetch one extra row to detect truncation.
		query += ` LIMIT ?`
		args = append(args, p.Limit+1)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var res QueryResult
	for rows.Next() {
		var (
			ev      Event
			kind    string
			payload []byte
			tsNano  int64
		)
		if err := rows.Scan(&ev.SessionID, &ev.Revision, &ev.Seq, &kind, &payload, &tsNano); err != nil {
			return QueryResult{}, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = Kind(kind)
		ev.Payload = json.RawMessage(payload)
		ev.Timestamp = time.Unix(0, tsNano)
		res.Events = append(res.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("failed to read events: %w", err)
	}

	if p.Limit > 0 && len(res.Events) > p.Limit {
		res.Events = res.Events[:p.Limit]
		res.HasMore = true
	}
	return res, nil
}

// ResetForRevision advances the session's revision, opening a new
// append-only epoch. Prior epochs are retained: stale readers degrade via
// the revision-mismatch contract instead of erroring.
func (s *Store) ResetForRevision(sessionID string) (int64, error) {
	l, err := s.sessionLock(sessionID)
	if err != nil {
		return 0, err
	}
	l.Lock()
	defer l.Unlock()

	res, err := s.db.Exec(`
		UPDATE sessions SET revision = revision + 1, updated_at = ?
		WHERE session_id = ?`,
		time.Now().UnixNano(), sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to advance revision: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrSessionNotFound
	}

	var revision int64
	if err := s.db.QueryRow(
		`SELECT revision FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&revision); err != nil {
		return 0, fmt.Errorf("failed to read session revision: %w", err)
	}

	s.logger.Info("session revision advanced",
		"session_id", sessionID,
		"revision", revision)
	return revision, nil
}

// ListSessions returns all persisted sessions.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT session_id, backend_id, cwd, revision, created_at, updated_at
		FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess               Session
			createdN, updatedN int64
		)
		if err := rows.Scan(&sess.SessionID, &sess.BackendID, &sess.Cwd, &sess.Revision, &createdN, &updatedN); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.CreatedAt = time.Unix(0, createdN)
		sess.UpdatedAt = time.Unix(0, updatedN)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CountEvents returns the number of events stored for a session across all
// revisions. Used by the health snapshot and tests.
func (s *Store) CountEvents(sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
