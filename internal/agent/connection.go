package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/inercia/acpd/internal/config"
	"github.com/inercia/acpd/internal/logging"
	"github.com/inercia/acpd/internal/protocol"
)

// State is the connection lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateError      State = "error"
	StateStopped    State = "stopped"
)

// UpdateFunc receives session/update notifications for one agent session,
// in transport delivery order.
type UpdateFunc func(n protocol.SessionNotification)

// StatusFunc receives connection state transitions. err is nil except for
// transitions into StateError.
type StatusFunc func(state State, err *Error)

// PermissionRequestFunc surfaces a pending permission request. The decision
// comes back through ResolvePermission keyed by requestID.
type PermissionRequestFunc func(requestID string, req protocol.PermissionRequest)

// Connection manages one backend agent process and the protocol session
// with it. A connection is created lazily, reconnects on demand after
// retryable failures, and is torn down by Disconnect.
type Connection struct {
	backend config.Backend
	logger  *slog.Logger

	// mu guards the lifecycle fields below. It is held across connect,
	// serializing concurrent EnsureReady callers.
	mu       sync.Mutex
	state    State
	gen      int
	proc     *process
	client   *protocol.Client
	caps     protocol.AgentCapabilities
	fatalErr *Error

	// reconnect throttles automatic reconnect attempts so a crash-looping
	// backend does not spin the daemon.
	reconnect *rate.Limiter

	permMu       sync.Mutex
	permHandler  PermissionRequestFunc
	pendingPerms map[string]chan protocol.PermissionOutcome

	subsMu     sync.RWMutex
	updateSubs map[string]UpdateFunc
	statusSubs map[int]StatusFunc
	nextSubID  int

	// statusCh decouples status fan-out from the lifecycle mutex so
	// subscribers may call back into the connection. statusQuit stops the
	// dispatcher after the first Disconnect.
	statusCh   chan statusEvent
	statusQuit chan struct{}
	quitOnce   sync.Once

	terminals *terminalManager
}

// exitReapGrace is how long the transport watcher waits for the child to be
// reapable before classifying the closure as a bare transport loss.
const exitReapGrace = 200 * time.Millisecond

type statusEvent struct {
	state State
	err   *Error
}

// NewConnection creates a connection for the backend in the idle state.
// No process is spawned until Connect or EnsureReady.
func NewConnection(backend config.Backend) *Connection {
	logger := logging.Agent().With("backend_id", backend.ID)
	c := &Connection{
		backend:      backend,
		logger:       logger,
		state:        StateIdle,
		reconnect:    rate.NewLimiter(rate.Every(time.Second), 3),
		pendingPerms: make(map[string]chan protocol.PermissionOutcome),
		updateSubs:   make(map[string]UpdateFunc),
		statusSubs:   make(map[int]StatusFunc),
		statusCh:     make(chan statusEvent, 16),
		statusQuit:   make(chan struct{}),
		terminals:    newTerminalManager(logger),
	}
	go c.dispatchStatus()
	return c
}

// dispatchStatus fans out status transitions in order, outside the
// lifecycle mutex. On quit it drains what is already queued, so subscribers
// still see the terminal StateStopped transition, then exits.
func (c *Connection) dispatchStatus() {
	for {
		select {
		case ev := <-c.statusCh:
			c.fanOutStatus(ev)
		case <-c.statusQuit:
			for {
				select {
				case ev := <-c.statusCh:
					c.fanOutStatus(ev)
				default:
					return
				}
			}
		}
	}
}

func (c *Connection) fanOutStatus(ev statusEvent) {
	c.subsMu.RLock()
	subs := make([]StatusFunc, 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		subs = append(subs, fn)
	}
	c.subsMu.RUnlock()

	for _, fn := range subs {
		fn(ev.state, ev.err)
	}
}

// BackendID returns the backend this connection serves.
func (c *Connection) BackendID() string {
	return c.backend.ID
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Capabilities returns the capabilities negotiated in the last handshake.
func (c *Connection) Capabilities() protocol.AgentCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Connect spawns the backend process and performs the version handshake.
// A version mismatch is fatal: the connection refuses all further connect
// attempts. Any other failure is retryable.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Connection) connectLocked(ctx context.Context) error {
	if c.state == StateReady {
		return nil
	}
	if c.fatalErr != nil {
		return c.fatalErr
	}

	c.setStateLocked(StateConnecting, nil)

	argv, err := c.backend.CommandLine()
	if err != nil {
		cerr := connErr(KindConnectFailed, err)
		c.setStateLocked(StateError, cerr)
		return cerr
	}

	proc, err := startProcess(argv, c.backend.Environ(), "")
	if err != nil {
		cerr := connErr(KindConnectFailed, err)
		c.setStateLocked(StateError, cerr)
		return cerr
	}

	filtered := protocol.NewJSONLineFilterReader(proc.stdout, c.logger)
	transport := protocol.NewStdioTransport(proc.stdin, filtered)
	protoLogger := logging.Protocol().With("backend_id", c.backend.ID)
	client := protocol.NewClient(transport, &connHandler{c: c}, logging.DowngradeInfoToDebug(protoLogger))

	var res protocol.InitializeResult
	err = client.Call(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.Version,
		ClientInfo:      protocol.ClientInfo{Name: "acpd", Version: "dev"},
	}, &res)
	if err != nil {
		client.Close()
		proc.stop(c.logger)
		cerr := connErr(KindConnectFailed, fmt.Errorf("handshake failed: %w", err))
		c.setStateLocked(StateError, cerr)
		return cerr
	}

	if res.ProtocolVersion != protocol.Version {
		client.Close()
		proc.stop(c.logger)
		cerr := connErr(KindProtocolMismatch,
			fmt.Errorf("agent speaks protocol v%d, daemon requires v%d", res.ProtocolVersion, protocol.Version))
		c.fatalErr = cerr
		c.setStateLocked(StateError, cerr)
		return cerr
	}

	c.gen++
	c.proc = proc
	c.client = client
	c.caps = res.AgentCapabilities
	c.setStateLocked(StateReady, nil)

	c.logger.Info("agent connected",
		"protocol_version", res.ProtocolVersion,
		"cap_list", res.AgentCapabilities.List,
		"cap_load", res.AgentCapabilities.Load)

	go c.watchDone(c.gen, client, proc)
	return nil
}

// watchDone observes transport closure for one connection generation and
// moves the state machine to error unless a newer generation or an explicit
// Disconnect superseded it.
func (c *Connection) watchDone(gen int, client *protocol.Client, proc *process) {
	<-client.Done()

	// The transport reader has drained, so reaping is safe now. A child
	// that exited reaps promptly; one that merely closed its stdout keeps
	// the reap blocked past the grace window.
	reaped := make(chan struct{})
	go func() {
		proc.reap()
		close(reaped)
	}()
	kind := KindProcessExited
	select {
	case <-reaped:
	case <-time.After(exitReapGrace):
		kind = KindConnectionClosed
	}

	c.mu.Lock()
	if c.gen != gen || c.state == StateStopped {
		c.mu.Unlock()
		return
	}

	cerr := connErr(kind, errors.New("agent transport closed"))
	c.setStateLocked(StateError, cerr)
	c.mu.Unlock()

	// Terminate and reap the child if it is still around.
	proc.stop(c.logger)
}

// EnsureReady returns once the connection is ready, reconnecting on demand.
// Reconnects are rate limited; a fatal handshake mismatch short-circuits.
func (c *Connection) EnsureReady(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	if c.fatalErr != nil {
		err := c.fatalErr
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if err := c.reconnect.Wait(ctx); err != nil {
		return connErr(KindInternal, err)
	}
	return c.Connect(ctx)
}

// Disconnect tears the connection down: the child gets SIGTERM with a
// bounded wait and a SIGKILL escalation, and all terminals die with it.
// Idempotent; StateStopped is terminal until a new Connect.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.gen++ // invalidate the done watcher for the current client
	client := c.client
	proc := c.proc
	c.client = nil
	c.proc = nil
	c.setStateLocked(StateStopped, nil)
	c.mu.Unlock()

	if proc != nil {
		proc.signal(syscall.SIGTERM)
	}
	if client != nil {
		client.Close()
		if proc != nil {
			// Give the transport reader a bounded window to drain before
			// stop reaps the child; Wait closes the pipes under it.
			select {
			case <-client.Done():
			case <-time.After(gracefulStopTimeout):
			}
		}
	}
	if proc != nil {
		result := proc.stop(c.logger)
		c.logger.Info("agent process stopped", "result", string(result))
	}
	c.terminals.closeAll()
	c.cancelPendingPermissions()
	c.quitOnce.Do(func() { close(c.statusQuit) })
}

// setStateLocked records a transition and queues subscriber notification.
// Caller holds mu.
func (c *Connection) setStateLocked(state State, err *Error) {
	if c.state == state && err == nil {
		return
	}
	c.state = state

	select {
	case c.statusCh <- statusEvent{state: state, err: err}:
	default:
		// A full queue means nobody is consuming transitions; drop
		// rather than deadlock the state machine.
		c.logger.Warn("status queue full, dropping transition", "state", string(state))
	}
}

// --- Requests ---

// call forwards one request, translating transport closure into the
// connection error taxonomy.
func (c *Connection) call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return connErr(KindConnectionClosed, errors.New("not connected"))
	}

	err := client.Call(ctx, method, params, result)
	if errors.Is(err, protocol.ErrConnectionClosed) {
		return connErr(KindConnectionClosed, err)
	}
	return err
}

// CreateSession asks the agent for a fresh session rooted at cwd.
func (c *Connection) CreateSession(ctx context.Context, cwd string) (protocol.NewSessionResult, error) {
	var res protocol.NewSessionResult
	if err := c.EnsureReady(ctx); err != nil {
		return res, err
	}
	err := c.call(ctx, protocol.MethodSessionNew, protocol.NewSessionParams{Cwd: cwd}, &res)
	return res, err
}

// Prompt sends user content into a session and blocks until the turn ends.
// Session updates stream to the registered UpdateFunc while this call is in
// flight.
func (c *Connection) Prompt(ctx context.Context, sessionID string, content []protocol.ContentBlock) (protocol.PromptResult, error) {
	var res protocol.PromptResult
	if err := c.EnsureReady(ctx); err != nil {
		return res, err
	}
	err := c.call(ctx, protocol.MethodSessionPrompt, protocol.PromptParams{
		SessionID: sessionID,
		Prompt:    content,
	}, &res)
	return res, err
}

// Cancel requests cancellation of the session's in-flight turn and waits for
// the agent's acknowledgement. The in-flight Prompt call is not aborted
// locally; the agent resolves it with a stop reason.
func (c *Connection) Cancel(ctx context.Context, sessionID string) error {
	if err := c.EnsureReady(ctx); err != nil {
		return err
	}
	return c.call(ctx, protocol.MethodSessionCancel, protocol.CancelParams{SessionID: sessionID}, nil)
}

// SetSessionMode switches the agent session's mode.
func (c *Connection) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	if err := c.EnsureReady(ctx); err != nil {
		return err
	}
	return c.call(ctx, protocol.MethodSessionSetMode, protocol.SetModeParams{
		SessionID: sessionID,
		ModeID:    modeID,
	}, nil)
}

// SetSessionModel switches the agent session's model.
func (c *Connection) SetSessionModel(ctx context.Context, sessionID, modelID string) error {
	if err := c.EnsureReady(ctx); err != nil {
		return err
	}
	return c.call(ctx, protocol.MethodSessionSetModel, protocol.SetModelParams{
		SessionID: sessionID,
		ModelID:   modelID,
	}, nil)
}

// ListSessions asks the agent for its known sessions. Callers gate on the
// list capability; agents without it never see this request.
func (c *Connection) ListSessions(ctx context.Context) (protocol.ListSessionsResult, error) {
	var res protocol.ListSessionsResult
	if err := c.EnsureReady(ctx); err != nil {
		return res, err
	}
	err := c.call(ctx, protocol.MethodSessionList, struct{}{}, &res)
	return res, err
}

// LoadSession re-attaches to an existing agent session.
func (c *Connection) LoadSession(ctx context.Context, sessionID, cwd string) (protocol.LoadSessionResult, error) {
	var res protocol.LoadSessionResult
	if err := c.EnsureReady(ctx); err != nil {
		return res, err
	}
	err := c.call(ctx, protocol.MethodSessionLoad, protocol.LoadSessionParams{
		SessionID: sessionID,
		Cwd:       cwd,
	}, &res)
	return res, err
}

// --- Subscriptions ---

// OnSessionUpdate registers the update callback for one agent session and
// returns an unsubscribe func. One callback per session; a second
// registration replaces the first.
func (c *Connection) OnSessionUpdate(sessionID string, fn UpdateFunc) func() {
	c.subsMu.Lock()
	c.updateSubs[sessionID] = fn
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		delete(c.updateSubs, sessionID)
		c.subsMu.Unlock()
	}
}

// OnStatusChange registers a state transition callback and returns an
// unsubscribe func.
func (c *Connection) OnStatusChange(fn StatusFunc) func() {
	c.subsMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.statusSubs[id] = fn
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		delete(c.statusSubs, id)
		c.subsMu.Unlock()
	}
}

// SetTerminalOutput registers the callback receiving terminal output chunks.
func (c *Connection) SetTerminalOutput(fn TerminalOutputFunc) {
	c.terminals.setOnOutput(fn)
}

// --- Permissions ---

// SetPermissionHandler injects the handler surfacing permission requests.
// Without a handler, requests resolve to a cancelled outcome immediately.
func (c *Connection) SetPermissionHandler(fn PermissionRequestFunc) {
	c.permMu.Lock()
	c.permHandler = fn
	c.permMu.Unlock()
}

// ResolvePermission routes a decision back into the pending request.
// Returns false when the request is unknown or already resolved.
func (c *Connection) ResolvePermission(requestID string, outcome protocol.PermissionOutcome) bool {
	c.permMu.Lock()
	ch, ok := c.pendingPerms[requestID]
	if ok {
		delete(c.pendingPerms, requestID)
	}
	c.permMu.Unlock()

	if !ok {
		return false
	}
	ch <- outcome
	return true
}

// handlePermission bridges one reverse permission request to the injected
// handler and blocks until a decision or cancellation.
func (c *Connection) handlePermission(ctx context.Context, req protocol.PermissionRequest) protocol.PermissionResponse {
	c.permMu.Lock()
	handler := c.permHandler
	if handler == nil {
		c.permMu.Unlock()
		// Never block the agent forever waiting for a decision nobody
		// can make.
		return protocol.CancelledPermission()
	}

	requestID := uuid.NewString()
	ch := make(chan protocol.PermissionOutcome, 1)
	c.pendingPerms[requestID] = ch
	c.permMu.Unlock()

	handler(requestID, req)

	select {
	case <-ctx.Done():
		c.permMu.Lock()
		delete(c.pendingPerms, requestID)
		c.permMu.Unlock()
		return protocol.CancelledPermission()
	case outcome := <-ch:
		return protocol.PermissionResponse{Outcome: outcome}
	}
}

// cancelPendingPermissions resolves all outstanding requests as cancelled.
func (c *Connection) cancelPendingPermissions() {
	c.permMu.Lock()
	pending := c.pendingPerms
	c.pendingPerms = make(map[string]chan protocol.PermissionOutcome)
	c.permMu.Unlock()

	for _, ch := range pending {
		ch <- protocol.PermissionOutcome{Outcome: protocol.OutcomeCancelled}
	}
}

// --- Inbound dispatch ---

// connHandler adapts the connection to the protocol.Handler interface.
type connHandler struct {
	c *Connection
}

func (h *connHandler) HandleNotification(method string, params json.RawMessage) {
	if method != protocol.MethodSessionUpdate {
		h.c.logger.Debug("ignoring unknown notification", "method", method)
		return
	}

	var n protocol.SessionNotification
	if err := json.Unmarshal(params, &n); err != nil {
		h.c.logger.Warn("failed to decode session update", "error", err)
		return
	}

	h.c.subsMu.RLock()
	fn := h.c.updateSubs[n.SessionID]
	h.c.subsMu.RUnlock()

	if fn == nil {
		h.c.logger.Debug("update for unknown session", "session_id", n.SessionID)
		return
	}
	fn(n)
}

func (h *connHandler) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodRequestPermission:
		var req protocol.PermissionRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return h.c.handlePermission(ctx, req), nil

	case protocol.MethodTerminalCreate:
		var req protocol.CreateTerminalParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return h.c.terminals.create(req)

	case protocol.MethodTerminalOutput:
		var id protocol.TerminalID
		if err := json.Unmarshal(params, &id); err != nil {
			return nil, err
		}
		return h.c.terminals.output(id), nil

	case protocol.MethodTerminalWaitForExit:
		var id protocol.TerminalID
		if err := json.Unmarshal(params, &id); err != nil {
			return nil, err
		}
		return h.c.terminals.waitForExit(ctx, id)

	case protocol.MethodTerminalKill:
		var id protocol.TerminalID
		if err := json.Unmarshal(params, &id); err != nil {
			return nil, err
		}
		h.c.terminals.kill(id)
		return struct{}{}, nil

	case protocol.MethodTerminalRelease:
		var id protocol.TerminalID
		if err := json.Unmarshal(params, &id); err != nil {
			return nil, err
		}
		h.c.terminals.release(id)
		return struct{}{}, nil

	default:
		return nil, &protocol.RPCError{Code: -32601, Message: "method not found: " + method}
	}
}
