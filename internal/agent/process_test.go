package agent

import (
	"bufio"
	"os"
	"testing"
	"time"
)

func TestProcessStopGraceful(t *testing.T) {
	p, err := startProcess([]string{"sleep", "60"}, os.Environ(), "")
	if err != nil {
		t.Fatalf("startProcess: %v", err)
	}

	// sleep dies on SIGTERM, so the graceful phase is enough.
	if result := p.stop(nil); result != StopExited {
		t.Errorf("stop = %v, want %v", result, StopExited)
	}
	if !p.reaped() {
		t.Error("process not reaped after stop")
	}
}

func TestProcessStopAfterExit(t *testing.T) {
	p, err := startProcess([]string{"true"}, os.Environ(), "")
	if err != nil {
		t.Fatalf("startProcess: %v", err)
	}

	// Give the child a moment to exit; stop must still report a clean exit.
	time.Sleep(50 * time.Millisecond)
	if result := p.stop(nil); result != StopExited {
		t.Errorf("stop on exited process = %v, want %v", result, StopExited)
	}
	if !p.reaped() {
		t.Error("process not reaped after stop")
	}
}

func TestProcessWaitDeferredUntilReap(t *testing.T) {
	// The child writes its output and exits immediately. Because the reap
	// only happens on demand, every line must still be readable from the
	// pipe afterwards.
	p, err := startProcess([]string{"sh", "-c", "printf 'one\\ntwo\\n'"}, os.Environ(), "")
	if err != nil {
		t.Fatalf("startProcess: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if p.reaped() {
		t.Fatal("child reaped before anyone asked")
	}

	sc := bufio.NewScanner(p.stdout)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("unexpected output: %q", lines)
	}

	if err := p.reap(); err != nil {
		t.Errorf("reap: %v", err)
	}
	if !p.reaped() {
		t.Error("process not reaped after reap")
	}
}
