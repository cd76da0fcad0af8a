package agent

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/inercia/acpd/internal/protocol"
)

// DefaultTerminalOutputLimit bounds a terminal's retained output in bytes.
const DefaultTerminalOutputLimit = 1024 * 1024

// TerminalOutputFunc receives raw output chunks as they arrive.
type TerminalOutputFunc func(sessionID, terminalID, chunk string)

// terminalManager owns the OS subprocesses an agent spawns through the
// terminal/* reverse requests. Terminals are independent of the agent
// process itself and are torn down with the connection.
type terminalManager struct {
	logger *slog.Logger

	// mu guards the terminal registry and the output callback; the
	// collectors read the callback concurrently with SetTerminalOutput.
	mu        sync.Mutex
	terminals map[string]*terminal
	onOutput  TerminalOutputFunc
}

func newTerminalManager(logger *slog.Logger) *terminalManager {
	return &terminalManager{
		logger:    logger,
		terminals: make(map[string]*terminal),
	}
}

// terminal is one supervised subprocess with a bounded output buffer.
type terminal struct {
	sessionID string
	id        string
	cmd       *exec.Cmd

	mu        sync.Mutex
	buf       []byte
	limit     int64
	truncated bool
	exit      *protocol.TerminalExitStatus

	// exitCh is closed exactly once, after exit is populated.
	exitCh chan struct{}
}

// create spawns the requested subprocess and starts collecting its output.
func (tm *terminalManager) create(params protocol.CreateTerminalParams) (protocol.CreateTerminalResult, error) {
	limit := params.OutputByteLimit
	if limit <= 0 {
		limit = DefaultTerminalOutputLimit
	}

	cmd := exec.Command(params.Command, params.Args...)
	if params.Cwd != "" {
		cmd.Dir = params.Cwd
	}
	env := os.Environ()
	for _, e := range params.Env {
		env = append(env, e.Name+"="+e.Value)
	}
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return protocol.CreateTerminalResult{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return protocol.CreateTerminalResult{}, err
	}

	if err := cmd.Start(); err != nil {
		return protocol.CreateTerminalResult{}, err
	}

	t := &terminal{
		sessionID: params.SessionID,
		id:        uuid.NewString(),
		cmd:       cmd,
		limit:     limit,
		exitCh:    make(chan struct{}),
	}

	tm.mu.Lock()
	tm.terminals[t.id] = t
	tm.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go tm.collect(t, stdout, &readers)
	go tm.collect(t, stderr, &readers)

	go func() {
		// Drain both pipes before Wait so no output is lost to the reap.
		readers.Wait()
		err := cmd.Wait()
		t.recordExit(err)
	}()

	if tm.logger != nil {
		tm.logger.Debug("terminal created",
			"session_id", t.sessionID,
			"terminal_id", t.id,
			"command", params.Command,
			"output_limit", limit)
	}
	return protocol.CreateTerminalResult{TerminalID: t.id}, nil
}

// setOnOutput registers the callback receiving output chunks.
func (tm *terminalManager) setOnOutput(fn TerminalOutputFunc) {
	tm.mu.Lock()
	tm.onOutput = fn
	tm.mu.Unlock()
}

// collect pumps one pipe into the terminal buffer.
func (tm *terminalManager) collect(t *terminal, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			t.append(buf[:n])
			tm.mu.Lock()
			fn := tm.onOutput
			tm.mu.Unlock()
			if fn != nil {
				fn(t.sessionID, t.id, string(buf[:n]))
			}
		}
		if err != nil {
			return
		}
	}
}

// append adds a chunk to the output buffer, truncating from the head when
// the byte limit is exceeded. Leading UTF-8 continuation bytes left by the
// cut are discarded so the exposed text always decodes validly.
func (t *terminal) append(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, chunk...)
	if int64(len(t.buf)) > t.limit {
		t.buf = t.buf[int64(len(t.buf))-t.limit:]
		for len(t.buf) > 0 && t.buf[0]&0xC0 == 0x80 {
			t.buf = t.buf[1:]
		}
		t.truncated = true
	}
}

// recordExit captures the exit status and resolves waiters exactly once.
func (t *terminal) recordExit(err error) {
	status := &protocol.TerminalExitStatus{}
	if ps := t.cmd.ProcessState; ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig := ws.Signal().String()
			status.Signal = &sig
		} else {
			code := ps.ExitCode()
			status.ExitCode = &code
		}
	} else if err != nil {
		code := -1
		status.ExitCode = &code
	}

	t.mu.Lock()
	t.exit = status
	t.mu.Unlock()
	close(t.exitCh)
}

// lookup finds a terminal only when both keys match. Mismatches return nil:
// this read path races harmlessly against session churn and must not error.
func (tm *terminalManager) lookup(sessionID, terminalID string) *terminal {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	t := tm.terminals[terminalID]
	if t == nil || t.sessionID != sessionID {
		return nil
	}
	return t
}

// output returns the current buffered output, or a neutral empty response
// for unknown ids.
func (tm *terminalManager) output(id protocol.TerminalID) protocol.TerminalOutputResult {
	t := tm.lookup(id.SessionID, id.TerminalID)
	if t == nil {
		return protocol.TerminalOutputResult{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return protocol.TerminalOutputResult{
		Output:     string(t.buf),
		Truncated:  t.truncated,
		ExitStatus: t.exit,
	}
}

// waitForExit blocks until the subprocess exits or ctx is cancelled.
// Unknown ids resolve immediately with an empty status.
func (tm *terminalManager) waitForExit(ctx context.Context, id protocol.TerminalID) (protocol.WaitForExitResult, error) {
	t := tm.lookup(id.SessionID, id.TerminalID)
	if t == nil {
		return protocol.WaitForExitResult{}, nil
	}

	select {
	case <-ctx.Done():
		return protocol.WaitForExitResult{}, ctx.Err()
	case <-t.exitCh:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return protocol.WaitForExitResult{ExitCode: t.exit.ExitCode, Signal: t.exit.Signal}, nil
}

// kill force-terminates the subprocess but keeps its record and output.
func (tm *terminalManager) kill(id protocol.TerminalID) {
	t := tm.lookup(id.SessionID, id.TerminalID)
	if t == nil {
		return
	}
	t.killProcess()
}

// release kills the subprocess and drops its record.
func (tm *terminalManager) release(id protocol.TerminalID) {
	t := tm.lookup(id.SessionID, id.TerminalID)
	if t == nil {
		return
	}
	t.killProcess()

	tm.mu.Lock()
	delete(tm.terminals, id.TerminalID)
	tm.mu.Unlock()

	if tm.logger != nil {
		tm.logger.Debug("terminal released",
			"session_id", id.SessionID,
			"terminal_id", id.TerminalID)
	}
}

func (t *terminal) killProcess() {
	select {
	case <-t.exitCh:
		return
	default:
	}
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
}

// closeAll kills every terminal; called on connection teardown.
func (tm *terminalManager) closeAll() {
	tm.mu.Lock()
	terminals := make([]*terminal, 0, len(tm.terminals))
	for _, t := range tm.terminals {
		terminals = append(terminals, t)
	}
	tm.terminals = make(map[string]*terminal)
	tm.mu.Unlock()

	for _, t := range terminals {
		t.killProcess()
	}
}
