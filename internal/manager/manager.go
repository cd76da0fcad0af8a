// Package manager coordinates agent connections, session state, and the
// durable event log.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/inercia/acpd/internal/agent"
	"github.com/inercia/acpd/internal/config"
	"github.com/inercia/acpd/internal/logging"
	"github.com/inercia/acpd/internal/protocol"
	"github.com/inercia/acpd/internal/wal"
)

var (
	// ErrInvalidBackend is returned when a session references an unknown
	// backend id.
	ErrInvalidBackend = errors.New("unknown backend")
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotAttached is returned when an operation needs a live agent
	// attachment the session does not have.
	ErrNotAttached = errors.New("session not attached to an agent")
)

// SessionRecord is the manager's view of one session.
type SessionRecord struct {
	SessionID string    `json:"session_id"`
	BackendID string    `json:"backend_id"`
	Cwd       string    `json:"cwd"`
	Revision  int64     `json:"revision"`
	Attached  bool      `json:"attached"`
	ModeID    string    `json:"mode_id,omitempty"`
	ModelID   string    `json:"model_id,omitempty"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// session is the mutable in-memory record plus its update unsubscriber and
// the logger carrying the session's identity.
type session struct {
	rec         SessionRecord
	logger      *slog.Logger
	unsubscribe func()
}

// Stats is a point-in-time health snapshot.
type Stats struct {
	Sessions         int               `json:"sessions"`
	AttachedSessions int               `json:"attached_sessions"`
	Connections      int               `json:"connections"`
	ConnectionStates map[string]string `json:"connection_states"`
}

// EventsPage is one page of a session's event stream. Revision is always the
// session's authoritative revision: when the caller asked for a stale one,
// Events is empty and Revision tells them where to restart.
type EventsPage struct {
	Events   []wal.Event `json:"events"`
	Revision int64       `json:"revision"`
	HasMore  bool        `json:"has_more"`
}

// Manager owns the session table, one lazy agent connection per backend, and
// the append-then-fan-out pipeline into the WAL.
type Manager struct {
	store  *wal.Store
	logger *slog.Logger

	cfgMu sync.RWMutex
	cfg   *config.Config

	mu       sync.Mutex
	conns    map[string]*agent.Connection
	sessions map[string]*session

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObsID int
}

// New builds a manager over an open store and restores persisted sessions as
// detached records.
func New(cfg *config.Config, store *wal.Store) (*Manager, error) {
	m := &Manager{
		store:     store,
		logger:    logging.Manager(),
		cfg:       cfg,
		conns:     make(map[string]*agent.Connection),
		sessions:  make(map[string]*session),
		observers: make(map[int]Observer),
	}

	persisted, err := store.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("failed to restore sessions: %w", err)
	}
	for _, s := range persisted {
		m.sessions[s.SessionID] = &session{
			rec: SessionRecord{
				SessionID: s.SessionID,
				BackendID: s.BackendID,
				Cwd:       s.Cwd,
				Revision:  s.Revision,
				Attached:  false,
				CreatedAt: s.CreatedAt,
				UpdatedAt: s.UpdatedAt,
			},
			logger: logging.WithSessionContext(m.logger, s.SessionID, s.BackendID, s.Cwd),
		}
	}
	if len(persisted) > 0 {
		m.logger.Info("restored persisted sessions", "count", len(persisted))
	}
	return m, nil
}

// UpdateConfig swaps the configuration, picking up backend changes for
// future connections. Existing connections keep running with the backend
// definition they were spawned with.
func (m *Manager) UpdateConfig(cfg *config.Config) {
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
	m.logger.Info("configuration updated", "backends", len(cfg.Backends))
}

func (m *Manager) backend(id string) *config.Backend {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg.Backend(id)
}

// connection returns the backend's connection, creating and wiring it on
// first use. Caller must hold m.mu.
func (m *Manager) connectionLocked(b *config.Backend) *agent.Connection {
	if conn, ok := m.conns[b.ID]; ok {
		return conn
	}

	conn := agent.NewConnection(*b)
	backendID := b.ID

	conn.OnStatusChange(func(state agent.State, err *agent.Error) {
		if state != agent.StateError || err == nil {
			return
		}
		m.handleBackendError(backendID, err)
	})
	conn.SetPermissionHandler(func(requestID string, req protocol.PermissionRequest) {
		m.eachObserver(func(o Observer) {
			o.OnPermissionRequest(req.SessionID, requestID, req)
		})
	})
	conn.SetTerminalOutput(func(sessionID, terminalID, chunk string) {
		m.eachObserver(func(o Observer) {
			o.OnTerminalOutput(sessionID, terminalID, chunk)
		})
	})

	m.conns[b.ID] = conn
	return conn
}

// handleBackendError detaches every session riding the failed backend and
// reports the error per session.
func (m *Manager) handleBackendError(backendID string, err *agent.Error) {
	m.mu.Lock()
	var affected []SessionRecord
	for _, s := range m.sessions {
		if s.rec.BackendID == backendID && s.rec.Attached {
			s.rec.Attached = false
			s.rec.UpdatedAt = time.Now()
			if s.unsubscribe != nil {
				s.unsubscribe()
				s.unsubscribe = nil
			}
			affected = append(affected, s.rec)
		}
	}
	m.mu.Unlock()

	if len(affected) == 0 {
		return
	}
	m.logger.Warn("backend connection failed, sessions detached",
		"backend_id", backendID,
		"kind", string(err.Kind),
		"sessions", len(affected))

	for _, rec := range affected {
		sessionID := rec.SessionID
		m.eachObserver(func(o Observer) { o.OnSessionError(sessionID, err) })
	}
	m.eachObserver(func(o Observer) {
		o.OnSessionsChanged(SessionChange{Updated: affected})
	})
}

// CreateSession spawns (if needed) the backend's agent, creates a fresh
// session in it, and registers the session for durable event capture.
func (m *Manager) CreateSession(ctx context.Context, backendID, cwd string) (SessionRecord, error) {
	b := m.backend(backendID)
	if b == nil {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrInvalidBackend, backendID)
	}

	m.mu.Lock()
	conn := m.connectionLocked(b)
	m.mu.Unlock()

	res, err := conn.CreateSession(ctx, cwd)
	if err != nil {
		return SessionRecord{}, err
	}

	revision, err := m.store.EnsureSession(res.SessionID, backendID, cwd)
	if err != nil {
		return SessionRecord{}, err
	}

	now := time.Now()
	rec := SessionRecord{
		SessionID: res.SessionID,
		BackendID: backendID,
		Cwd:       cwd,
		Revision:  revision,
		Attached:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if res.Modes != nil {
		rec.ModeID = res.Modes.CurrentModeID
	}
	if res.Models != nil {
		rec.ModelID = res.Models.CurrentModelID
	}

	s := &session{
		rec:         rec,
		logger:      logging.WithSessionContext(m.logger, rec.SessionID, backendID, cwd),
		unsubscribe: nil,
	}
	m.mu.Lock()
	s.unsubscribe = conn.OnSessionUpdate(res.SessionID, m.handleUpdate)
	m.sessions[res.SessionID] = s
	m.mu.Unlock()

	s.logger.Info("session created")
	m.eachObserver(func(o Observer) {
		o.OnSessionsChanged(SessionChange{Added: []SessionRecord{rec}})
	})
	return rec, nil
}

// handleUpdate is the append-then-fan-out pipeline for one session update.
// It runs on the protocol read loop, so updates for a session are persisted
// and delivered in transport order. The append completes before any observer
// sees the event.
func (m *Manager) handleUpdate(n protocol.SessionNotification) {
	m.mu.Lock()
	s, ok := m.sessions[n.SessionID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("update for unknown session dropped", "session_id", n.SessionID)
		return
	}
	revision := s.rec.Revision
	if n.Update.Kind == protocol.UpdateCurrentMode && n.Update.ModeID != "" {
		s.rec.ModeID = n.Update.ModeID
	}
	if n.Update.Kind == protocol.UpdateSessionInfo && n.Update.Title != "" {
		s.rec.Title = n.Update.Title
	}
	s.rec.UpdatedAt = time.Now()
	logger := s.logger
	m.mu.Unlock()

	ev, err := m.store.AppendEvent(wal.AppendParams{
		SessionID: n.SessionID,
		Revision:  revision,
		Kind:      eventKindForUpdate(n.Update.Kind),
		Payload:   n.Update.Raw,
	})
	if err != nil {
		logger.Error("failed to persist session update",
			"kind", n.Update.Kind,
			"error", err)
		return
	}

	m.eachObserver(func(o Observer) { o.OnSessionEvent(ev) })
}

// Prompt sends user content into a session and blocks until the agent
// finishes the turn. The user message and the turn end marker are both
// persisted; streamed agent output lands through handleUpdate in between.
func (m *Manager) Prompt(ctx context.Context, sessionID, text string) (protocol.PromptResult, error) {
	conn, _, err := m.attachedConn(sessionID)
	if err != nil {
		return protocol.PromptResult{}, err
	}

	res, err := conn.Prompt(ctx, sessionID, []protocol.ContentBlock{protocol.TextBlock(text)})
	if err != nil {
		return res, err
	}

	m.RecordTurnEnd(sessionID, res.StopReason)
	return res, nil
}

// RecordTurnEnd appends the turn end marker for a session. Unknown sessions
// are a silent no-op: the turn end may race a close and losing the marker is
// harmless.
func (m *Manager) RecordTurnEnd(sessionID, stopReason string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	revision := s.rec.Revision
	s.rec.UpdatedAt = time.Now()
	rec := s.rec
	logger := s.logger
	m.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"stopReason": stopReason})
	ev, err := m.store.AppendEvent(wal.AppendParams{
		SessionID: sessionID,
		Revision:  revision,
		Kind:      wal.KindTurnEnd,
		Payload:   payload,
	})
	if err != nil {
		logger.Error("failed to persist turn end", "error", err)
		return
	}
	m.eachObserver(func(o Observer) { o.OnSessionEvent(ev) })
	m.eachObserver(func(o Observer) {
		o.OnSessionsChanged(SessionChange{Updated: []SessionRecord{rec}})
	})
}

// CancelSession asks the agent to cancel the session's in-flight turn.
func (m *Manager) CancelSession(ctx context.Context, sessionID string) error {
	conn, _, err := m.attachedConn(sessionID)
	if err != nil {
		return err
	}
	return conn.Cancel(ctx, sessionID)
}

// SetSessionMode switches the session's mode on the agent and in the record.
func (m *Manager) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	conn, _, err := m.attachedConn(sessionID)
	if err != nil {
		return err
	}
	if err := conn.SetSessionMode(ctx, sessionID, modeID); err != nil {
		return err
	}

	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		s.rec.ModeID = modeID
		s.rec.UpdatedAt = time.Now()
	}
	m.mu.Unlock()
	return nil
}

// SetSessionModel switches the session's model on the agent and in the
// record.
func (m *Manager) SetSessionModel(ctx context.Context, sessionID, modelID string) error {
	conn, _, err := m.attachedConn(sessionID)
	if err != nil {
		return err
	}
	if err := conn.SetSessionModel(ctx, sessionID, modelID); err != nil {
		return err
	}

	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		s.rec.ModelID = modelID
		s.rec.UpdatedAt = time.Now()
	}
	m.mu.Unlock()
	return nil
}

// DiscoveryResult carries discovered sessions plus the capabilities the
// backend reported, so callers can tell "none" from "cannot list".
type DiscoveryResult struct {
	Sessions     []SessionRecord            `json:"sessions"`
	Capabilities protocol.AgentCapabilities `json:"capabilities"`
}

// DiscoverSessions asks a backend for sessions it knows about and registers
// the unknown ones as detached records. Backends without the list capability
// degrade to an empty result, never an error.
func (m *Manager) DiscoverSessions(ctx context.Context, backendID string) (DiscoveryResult, error) {
	b := m.backend(backendID)
	if b == nil {
		return DiscoveryResult{}, fmt.Errorf("%w: %s", ErrInvalidBackend, backendID)
	}

	m.mu.Lock()
	conn := m.connectionLocked(b)
	m.mu.Unlock()

	if err := conn.EnsureReady(ctx); err != nil {
		return DiscoveryResult{}, err
	}
	caps := conn.Capabilities()
	if !caps.List {
		m.logger.Debug("backend does not support session listing", "backend_id", backendID)
		return DiscoveryResult{Capabilities: caps}, nil
	}

	res, err := conn.ListSessions(ctx)
	if err != nil {
		return DiscoveryResult{Capabilities: caps}, err
	}

	var added []SessionRecord
	var discovered []SessionRecord
	for _, sum := range res.Sessions {
		revision, err := m.store.EnsureSession(sum.SessionID, backendID, sum.Cwd)
		if err != nil {
			m.logger.Warn("failed to persist discovered session",
				"session_id", sum.SessionID,
				"error", err)
			continue
		}

		m.mu.Lock()
		s, known := m.sessions[sum.SessionID]
		if !known {
			now := time.Now()
			s = &session{
				rec: SessionRecord{
					SessionID: sum.SessionID,
					BackendID: backendID,
					Cwd:       sum.Cwd,
					Revision:  revision,
					Title:     sum.Title,
					CreatedAt: now,
					UpdatedAt: now,
				},
				logger: logging.WithSessionContext(m.logger, sum.SessionID, backendID, sum.Cwd),
			}
			m.sessions[sum.SessionID] = s
			added = append(added, s.rec)
		}
		discovered = append(discovered, s.rec)
		m.mu.Unlock()
	}

	if len(added) > 0 {
		m.logger.Info("discovered sessions",
			"backend_id", backendID,
			"added", len(added))
		m.eachObserver(func(o Observer) {
			o.OnSessionsChanged(SessionChange{Added: added})
		})
	}
	return DiscoveryResult{Sessions: discovered, Capabilities: caps}, nil
}

// LoadSession attaches a known session to its backend agent, keeping the
// current revision epoch; readers paging the existing stream stay valid.
// Re-entrant: loading an already attached session re-runs the attach and
// re-emits the attached event.
func (m *Manager) LoadSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	return m.attachSession(ctx, sessionID, false)
}

// ResumeSession re-attaches a session whose agent attachment was lost, for
// example after a backend crash. Sessions that are still attached are left
// alone and return their current record. The revision epoch is preserved.
func (m *Manager) ResumeSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok && s.rec.Attached {
		rec := s.rec
		m.mu.Unlock()
		return rec, nil
	}
	m.mu.Unlock()
	return m.attachSession(ctx, sessionID, false)
}

// ReloadSession forces a full reload: the agent replays the session from the
// start, so a fresh revision epoch is opened and readers of the prior epoch
// degrade via the revision contract.
func (m *Manager) ReloadSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	return m.attachSession(ctx, sessionID, true)
}

func (m *Manager) attachSession(ctx context.Context, sessionID string, resetRevision bool) (SessionRecord, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	backendID := s.rec.BackendID
	cwd := s.rec.Cwd
	m.mu.Unlock()

	b := m.backend(backendID)
	if b == nil {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrInvalidBackend, backendID)
	}

	m.mu.Lock()
	conn := m.connectionLocked(b)
	m.mu.Unlock()

	if err := conn.EnsureReady(ctx); err != nil {
		return SessionRecord{}, err
	}
	if !conn.Capabilities().Load {
		return SessionRecord{}, fmt.Errorf("backend %s cannot load sessions: %w", backendID, ErrNotAttached)
	}

	// Subscribe before session/load so replayed updates are captured.
	// Re-subscribing replaces any prior registration for this session, so
	// the old unsubscriber must not run afterwards.
	unsub := conn.OnSessionUpdate(sessionID, m.handleUpdate)

	var (
		revision int64
		err      error
	)
	if resetRevision {
		revision, err = m.store.ResetForRevision(sessionID)
	} else {
		revision, err = m.store.CurrentRevision(sessionID)
	}
	if err != nil {
		unsub()
		return SessionRecord{}, err
	}

	m.mu.Lock()
	s.unsubscribe = unsub
	s.rec.Revision = revision
	s.rec.Attached = true
	s.rec.UpdatedAt = time.Now()
	m.mu.Unlock()

	res, err := conn.LoadSession(ctx, sessionID, cwd)
	if err != nil {
		m.mu.Lock()
		s.rec.Attached = false
		if s.unsubscribe != nil {
			s.unsubscribe()
			s.unsubscribe = nil
		}
		m.mu.Unlock()
		return SessionRecord{}, err
	}

	m.mu.Lock()
	if res.Modes != nil {
		s.rec.ModeID = res.Modes.CurrentModeID
	}
	if res.Models != nil {
		s.rec.ModelID = res.Models.CurrentModelID
	}
	rec := s.rec
	logger := s.logger
	m.mu.Unlock()

	logger.Info("session attached",
		"revision", revision,
		"new_epoch", resetRevision)
	m.eachObserver(func(o Observer) { o.OnSessionAttached(sessionID, revision) })
	m.eachObserver(func(o Observer) {
		o.OnSessionsChanged(SessionChange{Updated: []SessionRecord{rec}})
	})
	return rec, nil
}

// GetSessionEvents pages through a session's event stream for one revision.
// A stale revision yields an empty page carrying the authoritative revision.
func (m *Manager) GetSessionEvents(sessionID string, revision, afterSeq int64, limit int) (EventsPage, error) {
	current, err := m.store.CurrentRevision(sessionID)
	if errors.Is(err, wal.ErrSessionNotFound) {
		return EventsPage{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return EventsPage{}, err
	}

	if revision != current {
		return EventsPage{Revision: current}, nil
	}

	res, err := m.store.QueryEvents(wal.QueryParams{
		SessionID: sessionID,
		Revision:  revision,
		AfterSeq:  afterSeq,
		Limit:     limit,
	})
	if err != nil {
		return EventsPage{}, err
	}
	return EventsPage{Events: res.Events, Revision: current, HasMore: res.HasMore}, nil
}

// CloseSession detaches a session and removes it from the active set. Its
// WAL history is retained; compaction owns its eventual fate. Returns false
// for unknown sessions.
func (m *Manager) CloseSession(sessionID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	delete(m.sessions, sessionID)
	logger := s.logger
	m.mu.Unlock()

	logger.Info("session closed")
	m.eachObserver(func(o Observer) {
		o.OnSessionsChanged(SessionChange{Removed: []string{sessionID}})
	})
	return true
}

// ResolvePermissionRequest routes a permission decision back to the pending
// request on the session's backend. The request lives in the connection's
// pending table, so a request cancelled by teardown or a lost connection
// leaves nothing behind here. Returns false for unknown sessions, unknown
// requests, and requests already resolved.
func (m *Manager) ResolvePermissionRequest(sessionID, requestID string, outcome protocol.PermissionOutcome) bool {
	m.mu.Lock()
	var conn *agent.Connection
	if s, ok := m.sessions[sessionID]; ok {
		conn = m.conns[s.rec.BackendID]
	}
	m.mu.Unlock()

	if conn == nil || !conn.ResolvePermission(requestID, outcome) {
		return false
	}
	m.eachObserver(func(o Observer) {
		o.OnPermissionResult(sessionID, requestID, outcome)
	})
	return true
}

// ListSessions returns all session records, oldest first.
func (m *Manager) ListSessions() []SessionRecord {
	m.mu.Lock()
	recs := make([]SessionRecord, 0, len(m.sessions))
	for _, s := range m.sessions {
		recs = append(recs, s.rec)
	}
	m.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].SessionID < recs[j].SessionID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs
}

// GetSession returns one session record.
func (m *Manager) GetSession(sessionID string) (SessionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return SessionRecord{}, false
	}
	return s.rec, true
}

// Stats returns a health snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Sessions:         len(m.sessions),
		Connections:      len(m.conns),
		ConnectionStates: make(map[string]string, len(m.conns)),
	}
	for _, s := range m.sessions {
		if s.rec.Attached {
			st.AttachedSessions++
		}
	}
	for id, c := range m.conns {
		st.ConnectionStates[id] = string(c.State())
	}
	return st
}

// attachedConn resolves the connection behind an attached session.
func (m *Manager) attachedConn(sessionID string) (*agent.Connection, SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !s.rec.Attached {
		return nil, SessionRecord{}, fmt.Errorf("%w: %s", ErrNotAttached, sessionID)
	}
	conn, ok := m.conns[s.rec.BackendID]
	if !ok {
		return nil, SessionRecord{}, fmt.Errorf("%w: %s", ErrNotAttached, sessionID)
	}
	return conn, s.rec, nil
}

// CloseAll closes every session and then disconnects the backends. Unlike
// Shutdown, the sessions are removed from the active set (their durable
// history remains).
func (m *Manager) CloseAll() {
	for _, rec := range m.ListSessions() {
		m.CloseSession(rec.SessionID)
	}
	m.Shutdown()
}

// Shutdown disconnects every backend. Sessions stay persisted for the next
// run.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*agent.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*agent.Connection)
	for _, s := range m.sessions {
		if s.unsubscribe != nil {
			s.unsubscribe()
			s.unsubscribe = nil
		}
		s.rec.Attached = false
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
	m.logger.Info("manager shut down", "connections_closed", len(conns))
}
