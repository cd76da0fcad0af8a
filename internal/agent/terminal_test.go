package agent

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/inercia/acpd/internal/protocol"
)

func TestTerminalAppendTruncatesFromHead(t *testing.T) {
	term := &terminal{limit: 10, exitCh: make(chan struct{})}

	term.append([]byte("0123456789"))
	if term.truncated {
		t.Fatal("buffer at limit must not be marked truncated")
	}

	term.append([]byte("abc"))
	if !term.truncated {
		t.Fatal("expected truncated after exceeding the limit")
	}
	if got := string(term.buf); got != "3456789abc" {
		t.Errorf("buf = %q, want %q", got, "3456789abc")
	}

	// Truncated stays set even if the buffer later fits again.
	if !term.truncated {
		t.Error("truncated flag must be sticky")
	}
}

func TestTerminalAppendKeepsValidUTF8(t *testing.T) {
	term := &terminal{limit: 8, exitCh: make(chan struct{})}

	// Each snowman is 3 bytes; exceeding the limit cuts mid-rune and the
	// leftover continuation bytes must be dropped.
	term.append([]byte(strings.Repeat("☃", 4)))

	if !term.truncated {
		t.Fatal("expected truncated")
	}
	if !utf8.Valid(term.buf) {
		t.Fatalf("buffer is not valid UTF-8: %q", term.buf)
	}
	if len(term.buf) > 8 {
		t.Errorf("buffer exceeds limit: %d bytes", len(term.buf))
	}
}

func TestTerminalLookupRequiresBothKeys(t *testing.T) {
	tm := newTerminalManager(nil)
	term := &terminal{sessionID: "sess-1", id: "term-1", exitCh: make(chan struct{})}
	tm.terminals[term.id] = term

	tests := []struct {
		name       string
		sessionID  string
		terminalID string
		found      bool
	}{
		{"both match", "sess-1", "term-1", true},
		{"wrong session", "sess-2", "term-1", false},
		{"wrong terminal", "sess-1", "term-2", false},
		{"both wrong", "sess-2", "term-2", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tm.lookup(tt.sessionID, tt.terminalID)
			if (got != nil) != tt.found {
				t.Errorf("lookup(%q, %q) found = %v, want %v",
					tt.sessionID, tt.terminalID, got != nil, tt.found)
			}
		})
	}
}

func TestTerminalOutputUnknownIDIsNeutral(t *testing.T) {
	tm := newTerminalManager(nil)

	out := tm.output(protocol.TerminalID{SessionID: "nope", TerminalID: "nothing"})
	if out.Output != "" || out.Truncated || out.ExitStatus != nil {
		t.Errorf("expected neutral empty result, got %+v", out)
	}

	res, err := tm.waitForExit(context.Background(), protocol.TerminalID{SessionID: "nope", TerminalID: "nothing"})
	if err != nil {
		t.Fatalf("waitForExit on unknown id: %v", err)
	}
	if res.ExitCode != nil || res.Signal != nil {
		t.Errorf("expected empty exit status, got %+v", res)
	}
}

func TestTerminalOutputCallbackRegisteredMidStream(t *testing.T) {
	tm := newTerminalManager(nil)

	created, err := tm.create(protocol.CreateTerminalParams{
		SessionID: "sess-1",
		Command:   "sh",
		Args:      []string{"-c", "sleep 0.2; echo late"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := protocol.TerminalID{SessionID: "sess-1", TerminalID: created.TerminalID}

	// The collectors are already running; registering the callback now must
	// still route the output produced afterwards.
	chunks := make(chan string, 16)
	tm.setOnOutput(func(sessionID, terminalID, chunk string) {
		chunks <- chunk
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := tm.waitForExit(ctx, id); err != nil {
		t.Fatalf("waitForExit: %v", err)
	}

	select {
	case chunk := <-chunks:
		if !strings.Contains(chunk, "late") {
			t.Errorf("chunk = %q, want it to contain %q", chunk, "late")
		}
	case <-time.After(time.Second):
		t.Fatal("no chunk delivered to the late-registered callback")
	}
}

func TestTerminalLifecycle(t *testing.T) {
	tm := newTerminalManager(nil)

	created, err := tm.create(protocol.CreateTerminalParams{
		SessionID: "sess-1",
		Command:   "sh",
		Args:      []string{"-c", "echo hello"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := protocol.TerminalID{SessionID: "sess-1", TerminalID: created.TerminalID}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := tm.waitForExit(ctx, id)
	if err != nil {
		t.Fatalf("waitForExit: %v", err)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", res.ExitCode)
	}

	out := tm.output(id)
	if !strings.Contains(out.Output, "hello") {
		t.Errorf("output = %q, want it to contain %q", out.Output, "hello")
	}

	tm.release(id)
	if tm.lookup("sess-1", created.TerminalID) != nil {
		t.Error("terminal still registered after release")
	}
}
