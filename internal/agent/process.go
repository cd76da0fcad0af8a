package agent

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// gracefulStopTimeout bounds how long a SIGTERM'd process gets before the
// daemon escalates to SIGKILL.
const gracefulStopTimeout = 5 * time.Second

// StopResult reports how a supervised process came down.
type StopResult string

const (
	// StopExited means the process left on its own after SIGTERM.
	StopExited StopResult = "exited"
	// StopKilled means the deadline passed and SIGKILL was sent.
	StopKilled StopResult = "killed"
)

// process supervises one spawned child with piped stdio.
// Its shutdown follows a two-phase machine:
// Running -> Terminating(deadline) -> Exited | Killed.
//
// The child is not reaped eagerly: os/exec's Wait closes the parent's ends of
// the stdio pipes, so running it while the transport reader is still draining
// stdout can lose trailing messages. Callers invoke reap only once reads are
// done.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	waitOnce sync.Once
	// waitDone is closed once Wait has reaped the child.
	waitDone chan struct{}
	waitErr  error
}

// startProcess spawns argv with the given environment and working directory,
// wiring stdin/stdout pipes. Stderr passes through to the daemon's stderr.
func startProcess(argv []string, env []string, cwd string) (*process, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Dir = cwd
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe error: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe error: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	return &process{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		waitDone: make(chan struct{}),
	}, nil
}

// reap calls Wait exactly once and blocks until the child is gone. Safe for
// concurrent callers; must not run before the stdout reader has finished.
func (p *process) reap() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.waitDone)
	})
	<-p.waitDone
	return p.waitErr
}

// signal forwards sig to the child unless it has already been reaped.
func (p *process) signal(sig os.Signal) {
	if !p.reaped() {
		p.cmd.Process.Signal(sig)
	}
}

// reaped reports whether the child has been reaped.
func (p *process) reaped() bool {
	select {
	case <-p.waitDone:
		return true
	default:
		return false
	}
}

// stop terminates the child: SIGTERM, a bounded wait, then SIGKILL.
// Safe to call after the child is gone and concurrently with a pending reap.
func (p *process) stop(logger *slog.Logger) StopResult {
	if p.reaped() {
		return StopExited
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Signal fails when the process is already gone; reap confirms.
		p.reap()
		return StopExited
	}

	go p.reap()

	select {
	case <-p.waitDone:
		return StopExited
	case <-time.After(gracefulStopTimeout):
	}

	if logger != nil {
		logger.Warn("process did not exit after SIGTERM, killing",
			"pid", p.cmd.Process.Pid)
	}
	p.cmd.Process.Kill()
	<-p.waitDone
	return StopKilled
}
