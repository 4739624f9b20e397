// Package wire implements the line-delimited JSON framing shared by
// all three pool dialects (component A of the specification).
package wire

import (
	"bufio"
	"bytes"
	"fmt"
)

// ReadFrame reads up to the next '\n' and returns the line with the
// trailing newline (and any stray '\r') stripped. It blocks on the
// underlying reader exactly like bufio.Reader.ReadBytes.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}

// WellFormed reports whether line looks like a JSON object frame: it
// defensively guards against partial reads by requiring the line to
// start with '{' and end with '}'. The session applies this check to
// every dialect and drops a failing line without logging it.
func WellFormed(line []byte) bool {
	trimmed := bytes.TrimSpace(line)
	return len(trimmed) >= 2 && trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}'
}

// Encode appends a trailing newline to an already-marshaled JSON
// object, ready to write to the socket.
func Encode(body []byte) []byte {
	return append(body, '\n')
}

// ErrMalformed describes a frame that failed WellFormed, in one message
// shape for every dialect. The session's read loop drops such frames
// without calling it.
func ErrMalformed(line []byte) error {
	return fmt.Errorf("malformed frame (missing {}): %q", line)
}
