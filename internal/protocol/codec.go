package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxLineBytes caps a single protocol line. Stage payloads never cross the
// wire (they live in the artifact store), so lines stay small; the cap
// guards against a corrupted stream.
const MaxLineBytes = 1 << 20

// Encoder writes one JSON message per line to an ordered byte stream.
// Encode is safe for concurrent use; each message is a single Write call.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it as one newline-terminated line.
func (e *Encoder) Encode(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited JSON messages from an ordered byte stream.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineBytes)
	return &Decoder{sc: sc}
}

// Next returns the next non-empty line, or io.EOF when the stream ends.
func (d *Decoder) Next() ([]byte, error) {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer; callers keep the copy.
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := d.sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message line: %w", err)
	}
	return nil, io.EOF
}

// ParseBase extracts the common envelope from a message line so consumers
// can switch on Type before unmarshaling the concrete shape. Unknown types
// are the consumer's to skip.
func ParseBase(line []byte) (BaseMessage, error) {
	var base BaseMessage
	if err := json.Unmarshal(line, &base); err != nil {
		return BaseMessage{}, fmt.Errorf("invalid message line: %w", err)
	}
	if base.Type == "" {
		return BaseMessage{}, fmt.Errorf("invalid message line: missing type")
	}
	return base, nil
}
