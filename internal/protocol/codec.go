package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/cuemby/datallog-core/internal/corerr"
)

// maxLineSize bounds a single coordination message; step arguments are
// arbitrary JSON but practically small, so 16MiB is generous headroom.
const maxLineSize = 16 * 1024 * 1024

// Codec reads and writes newline-delimited JSON envelopes over a
// connection. Readers consume one line and parse; writers flush after
// every write so the peer never blocks behind a buffered partial frame.
type Codec struct {
	conn    net.Conn
	scanner *bufio.Scanner
	writer  *bufio.Writer
}

// NewCodec wraps conn in a Codec.
func NewCodec(conn net.Conn) *Codec {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Codec{
		conn:    conn,
		scanner: scanner,
		writer:  bufio.NewWriter(conn),
	}
}

// Decode reads one line and unmarshals it into an Envelope. It returns
// io.EOF when the peer closed the connection cleanly — not an error in
// itself; the caller exits its loop without reporting anything.
func (c *Codec) Decode() (Envelope, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return Envelope{}, fmt.Errorf("reading coordination message: %w", err)
		}
		return Envelope{}, io.EOF
	}

	var env Envelope
	if err := json.Unmarshal(c.scanner.Bytes(), &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding coordination message: %w: %w", err, corerr.ErrProtocolViolation)
	}
	if !isKnownType(env.Type) {
		return Envelope{}, fmt.Errorf("unknown message type %q: %w", env.Type, corerr.ErrProtocolViolation)
	}
	return env, nil
}

// Encode marshals env as a single JSON object followed by a line feed and
// flushes it immediately.
func (c *Codec) Encode(env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding coordination message: %w", err)
	}
	b = append(b, '\n')
	if _, err := c.writer.Write(b); err != nil {
		return fmt.Errorf("writing coordination message: %w", err)
	}
	return c.writer.Flush()
}

// Close closes the underlying connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}

func isKnownType(t MessageType) bool {
	switch t {
	case TypeGetStepExecutionProps, TypeExecutionProps, TypeGetWorkItem, TypeWorkItem,
		TypeNoMoreWorkItems, TypePublishResult, TypeWorkerError, TypeMarkAsIdle:
		return true
	default:
		return false
	}
}
