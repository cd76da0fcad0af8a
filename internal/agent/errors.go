// Package agent owns the connection to one backend agent process: spawning,
// the protocol handshake, request forwarding, permission bridging, and the
// terminal subprocesses the agent asks for.
package agent

import "fmt"

// ErrorKind classifies connection-scoped failures.
type ErrorKind string

const (
	// KindConnectFailed covers spawn or pipe setup failures. Retryable.
	KindConnectFailed ErrorKind = "connect_failed"
	// KindProtocolMismatch is a handshake version mismatch. Fatal to the
	// connection; never retried.
	KindProtocolMismatch ErrorKind = "protocol_mismatch"
	// KindProcessExited means the agent process died. Retryable.
	KindProcessExited ErrorKind = "process_exited"
	// KindConnectionClosed means the transport closed without a clean
	// process exit. Retryable.
	KindConnectionClosed ErrorKind = "connection_closed"
	// KindInternal is the catch-all. Retryable; detail goes to logs only.
	KindInternal ErrorKind = "internal"
)

// Error is a connection-scoped failure with retry semantics.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether a reconnect may recover from this error.
func (e *Error) Retryable() bool {
	return e.Kind != KindProtocolMismatch
}

func connErr(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
