package manager

import (
	"github.com/inercia/acpd/internal/agent"
	"github.com/inercia/acpd/internal/protocol"
	"github.com/inercia/acpd/internal/wal"
)

// SessionChange describes a delta in the active session set. Added and
// Updated carry full records so consumers need no follow-up lookup; removed
// sessions have no record left and are identified by id.
type SessionChange struct {
	Added   []SessionRecord `json:"added,omitempty"`
	Updated []SessionRecord `json:"updated,omitempty"`
	Removed []string        `json:"removed,omitempty"`
}

// Observer receives manager events. Callbacks for one session are invoked in
// order and only after the corresponding WAL append has been made durable;
// blocking inside a callback stalls delivery for that session's stream.
type Observer interface {
	// OnSessionEvent delivers one persisted WAL event.
	OnSessionEvent(ev wal.Event)
	// OnSessionError reports a backend connection failure affecting the
	// session.
	OnSessionError(sessionID string, err *agent.Error)
	// OnSessionAttached fires whenever a session becomes (or re-becomes)
	// attached to a live agent, including re-entrant loads.
	OnSessionAttached(sessionID string, revision int64)
	// OnSessionsChanged reports additions, updates, and removals in the
	// session set.
	OnSessionsChanged(change SessionChange)
	// OnPermissionRequest surfaces a pending agent permission request.
	OnPermissionRequest(sessionID, requestID string, req protocol.PermissionRequest)
	// OnPermissionResult reports the decision routed back to the agent.
	OnPermissionResult(sessionID, requestID string, outcome protocol.PermissionOutcome)
	// OnTerminalOutput streams raw terminal output chunks.
	OnTerminalOutput(sessionID, terminalID, chunk string)
}

// NopObserver implements Observer with no-ops. Embed it to observe a subset
// of events.
type NopObserver struct{}

func (NopObserver) OnSessionEvent(wal.Event)                                       {}
func (NopObserver) OnSessionError(string, *agent.Error)                            {}
func (NopObserver) OnSessionAttached(string, int64)                                {}
func (NopObserver) OnSessionsChanged(SessionChange)                                {}
func (NopObserver) OnPermissionRequest(string, string, protocol.PermissionRequest) {}
func (NopObserver) OnPermissionResult(string, string, protocol.PermissionOutcome)  {}
func (NopObserver) OnTerminalOutput(string, string, string)                        {}

var _ Observer = NopObserver{}

// Subscribe registers an observer and returns its unsubscribe func.
func (m *Manager) Subscribe(obs Observer) func() {
	m.obsMu.Lock()
	id := m.nextObsID
	m.nextObsID++
	m.observers[id] = obs
	m.obsMu.Unlock()

	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

// eachObserver snapshots the registry and invokes fn on every entry.
func (m *Manager) eachObserver(fn func(Observer)) {
	m.obsMu.RLock()
	obs := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		obs = append(obs, o)
	}
	m.obsMu.RUnlock()

	for _, o := range obs {
		fn(o)
	}
}
