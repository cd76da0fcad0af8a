// Package protocol implements the line-delimited JSON-RPC protocol spoken
// between the daemon and agent backend processes.
package protocol

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

// ErrTransportClosed is returned by transport operations after Close.
var ErrTransportClosed = errors.New("transport closed")

// Transport carries one protocol message per call in each direction.
// Implementations must make WriteMessage safe for concurrent use is NOT
// required; the Client serializes writes itself.
type Transport interface {
	// WriteMessage sends one message. The payload must not contain newlines.
	WriteMessage(data []byte) error
	// ReadMessage blocks until the next message arrives. It returns io.EOF
	// when the peer has gone away.
	ReadMessage() ([]byte, error)
	// Close tears the transport down. Pending reads unblock with an error.
	Close() error
}

const (
	// readBufferInitial is the initial scanner buffer size.
	readBufferInitial = 1024 * 1024
	// readBufferMax bounds single-message size; agent messages carrying
	// large tool output stay well under this.
	readBufferMax = 10 * 1024 * 1024
)

// StdioTransport frames messages as newline-delimited JSON over a pipe pair,
// typically the stdin/stdout of a child process. Close closes the write end
// only: the read end belongs to the child and is reaped with it.
type StdioTransport struct {
	w       io.WriteCloser
	scanner *bufio.Scanner

	mu     sync.Mutex
	closed bool
}

// NewStdioTransport wraps a write pipe and a read stream as a Transport.
func NewStdioTransport(w io.WriteCloser, r io.Reader) *StdioTransport {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, readBufferInitial), readBufferMax)
	return &StdioTransport{w: w, scanner: scanner}
}

// WriteMessage writes the payload followed by a newline.
func (t *StdioTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if _, err := t.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// ReadMessage returns the next non-empty line.
func (t *StdioTransport) ReadMessage() ([]byte, error) {
	for t.scanner.Scan() {
		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Copy out: the scanner reuses its buffer on the next Scan.
		msg := make([]byte, len(line))
		copy(msg, line)
		return msg, nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close closes the write end. The child sees EOF on its stdin and the
// daemon's read side drains until the child exits.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return t.w.Close()
}
