package protocol

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
)

// JSONLineFilterReader wraps an io.Reader and filters out lines that are not
// JSON-RPC messages. Agents sometimes print terminal UI (ANSI escape
// sequences, box-drawing characters) to stdout when they crash; feeding that
// into the message scanner would poison the protocol stream.
//
// A line is considered a potential message if it starts with '{'. Other
// lines are logged at DEBUG level and discarded.
type JSONLineFilterReader struct {
	scanner      *bufio.Scanner
	logger       *slog.Logger
	pending      []byte
	pendingIndex int
}

// NewJSONLineFilterReader creates a filtering reader over r.
// If logger is nil, non-JSON lines are silently discarded.
func NewJSONLineFilterReader(r io.Reader, logger *slog.Logger) *JSONLineFilterReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, readBufferInitial), readBufferMax)

	return &JSONLineFilterReader{
		scanner: scanner,
		logger:  logger,
	}
}

// Read implements io.Reader by returning only JSON lines.
func (f *JSONLineFilterReader) Read(p []byte) (n int, err error) {
	if f.pendingIndex < len(f.pending) {
		n = copy(p, f.pending[f.pendingIndex:])
		f.pendingIndex += n
		if f.pendingIndex >= len(f.pending) {
			f.pending = nil
			f.pendingIndex = 0
		}
		return n, nil
	}

	for f.scanner.Scan() {
		line := f.scanner.Bytes()

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		if trimmed[0] == '{' {
			f.pending = make([]byte, len(line)+1)
			copy(f.pending, line)
			f.pending[len(line)] = '\n'
			f.pendingIndex = 0

			n = copy(p, f.pending)
			f.pendingIndex = n
			if f.pendingIndex >= len(f.pending) {
				f.pending = nil
				f.pendingIndex = 0
			}
			return n, nil
		}

		if f.logger != nil {
			logLine := string(line)
			if len(logLine) > 200 {
				logLine = logLine[:100] + "..." + logLine[len(logLine)-50:]
			}
			f.logger.Debug("filtered non-JSON line from agent stdout",
				"line", logLine,
				"length", len(line))
		}
	}

	if err := f.scanner.Err(); err != nil {
		return 0, err
	}
	return 0, io.EOF
}
