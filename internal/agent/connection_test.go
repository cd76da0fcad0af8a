package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inercia/acpd/internal/config"
	"github.com/inercia/acpd/internal/protocol"
)

// scriptBackend wraps a shell script as an agent backend. The script reads
// the initialize request on stdin and answers on stdout, which is all the
// handshake needs.
func scriptBackend(script string) config.Backend {
	return config.Backend{
		ID:      "mock",
		Command: "sh",
		Args:    []string{"-c", script},
	}
}

const handshakeOK = `read line
printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":1,"agentCapabilities":{"list":true,"load":true}}}'
sleep 60`

const handshakeWrongVersion = `read line
printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":99,"agentCapabilities":{}}}'
sleep 60`

const handshakeThenExit = `read line
printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":1,"agentCapabilities":{}}}'`

const handshakeThenCancelReply = `read line
printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":1,"agentCapabilities":{"list":true,"load":true}}}'
read line
printf '%s\n' '{"jsonrpc":"2.0","id":2,"result":{}}'
sleep 60`

const handshakeNotifyThenExit = `read line
printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":1,"agentCapabilities":{}}}'
printf '%s\n' '{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"sess-1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"bye"}}}}'`

func waitForState(t *testing.T, c *Connection, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if c.State() == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", c.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectionHandshake(t *testing.T) {
	c := NewConnection(scriptBackend(handshakeOK))
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.State(); got != StateReady {
		t.Errorf("state = %s, want %s", got, StateReady)
	}
	caps := c.Capabilities()
	if !caps.List || !caps.Load {
		t.Errorf("capabilities = %+v, want list and load", caps)
	}

	// Connect on a ready connection is a no-op.
	if err := c.Connect(context.Background()); err != nil {
		t.Errorf("second Connect: %v", err)
	}
}

func TestConnectionProtocolMismatchIsFatal(t *testing.T) {
	c := NewConnection(scriptBackend(handshakeWrongVersion))
	defer c.Disconnect()

	err := c.Connect(context.Background())
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if cerr.Kind != KindProtocolMismatch {
		t.Fatalf("kind = %s, want %s", cerr.Kind, KindProtocolMismatch)
	}
	if cerr.Retryable() {
		t.Error("protocol mismatch must not be retryable")
	}

	// EnsureReady short-circuits on the stored fatal error instead of
	// spawning the agent again.
	err2 := c.EnsureReady(context.Background())
	if !errors.As(err2, &cerr) || cerr.Kind != KindProtocolMismatch {
		t.Fatalf("EnsureReady after mismatch = %v, want protocol mismatch", err2)
	}
}

func TestConnectionSpawnFailure(t *testing.T) {
	c := NewConnection(config.Backend{ID: "bad", Command: "acpd-no-such-binary-xyz"})
	defer c.Disconnect()

	err := c.Connect(context.Background())
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if cerr.Kind != KindConnectFailed {
		t.Errorf("kind = %s, want %s", cerr.Kind, KindConnectFailed)
	}
	if !cerr.Retryable() {
		t.Error("spawn failure should be retryable")
	}
}

func TestConnectionDetectsProcessExit(t *testing.T) {
	c := NewConnection(scriptBackend(handshakeThenExit))
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// The agent exits right after the handshake; the watcher must notice.
	waitForState(t, c, StateError)
}

func TestConnectionStatusSubscribers(t *testing.T) {
	c := NewConnection(scriptBackend(handshakeOK))
	defer c.Disconnect()

	states := make(chan State, 16)
	unsub := c.OnStatusChange(func(state State, err *Error) {
		states <- state
	})
	defer unsub()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	seen := map[State]bool{}
	deadline := time.After(5 * time.Second)
	for !seen[StateConnecting] || !seen[StateReady] {
		select {
		case s := <-states:
			seen[s] = true
		case <-deadline:
			t.Fatalf("missing transitions, saw %v", seen)
		}
	}
}

func TestConnectionCancelAwaitsResponse(t *testing.T) {
	c := NewConnection(scriptBackend(handshakeThenCancelReply))
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Cancel(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestConnectionCancelBlocksUntilAck(t *testing.T) {
	// handshakeOK never answers the cancel request, so Cancel must stay
	// pending until the context gives up.
	c := NewConnection(scriptBackend(handshakeOK))
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := c.Cancel(ctx, "sess-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Cancel = %v, want deadline exceeded", err)
	}
}

func TestConnectionDeliversTrailingUpdates(t *testing.T) {
	// The agent emits one last update and exits immediately. The update must
	// reach the subscriber before the connection settles into error.
	c := NewConnection(scriptBackend(handshakeNotifyThenExit))
	defer c.Disconnect()

	got := make(chan string, 1)
	unsub := c.OnSessionUpdate("sess-1", func(n protocol.SessionNotification) {
		got <- n.Update.Kind
	})
	defer unsub()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case kind := <-got:
		if kind != protocol.UpdateAgentMessageChunk {
			t.Errorf("update kind = %s, want %s", kind, protocol.UpdateAgentMessageChunk)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("trailing update never delivered")
	}
	waitForState(t, c, StateError)
}

func TestDisconnectDeliversStoppedStatus(t *testing.T) {
	c := NewConnection(scriptBackend(handshakeOK))

	states := make(chan State, 16)
	unsub := c.OnStatusChange(func(state State, err *Error) {
		states <- state
	})
	defer unsub()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Disconnect()

	// The dispatcher drains queued transitions before it exits, so the
	// terminal state still reaches subscribers.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == StateStopped {
				return
			}
		case <-deadline:
			t.Fatal("stopped transition never delivered")
		}
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	c := NewConnection(scriptBackend(handshakeOK))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.Disconnect()
	if got := c.State(); got != StateStopped {
		t.Errorf("state = %s, want %s", got, StateStopped)
	}
	c.Disconnect() // must not panic or block
	if got := c.State(); got != StateStopped {
		t.Errorf("state after second Disconnect = %s, want %s", got, StateStopped)
	}
}

func TestCallsFailWhenNotConnected(t *testing.T) {
	c := NewConnection(config.Backend{ID: "bad", Command: "acpd-no-such-binary-xyz"})
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.CreateSession(ctx, "/work")
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
}
