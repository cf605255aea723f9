// Package protocol implements the newline-delimited JSON codec used on
// every Courier connection.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxPacketSize bounds the size of a single encoded envelope,
// including the trailing newline.
const DefaultMaxPacketSize = 4096

var (
	// ErrInvalidEnvelope reports an attempt to encode something that is not
	// a well-formed envelope.
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")

	// ErrMalformed reports bytes that do not decode to a JSON object.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrNoMessage is the sentinel for a cleanly empty read: the peer has
	// half-closed or gone away without sending anything. It is a condition,
	// not a protocol fault.
	ErrNoMessage = errors.New("protocol: no message")

	// ErrFrameTooLarge reports an envelope that exceeds the packet size cap.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum packet size")
)

// Encode serializes an envelope to its wire form, one JSON object followed
// by a newline.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, ErrInvalidEnvelope
	}
	if e.Action == "" && e.Response == 0 {
		return nil, fmt.Errorf("%w: neither action nor response set", ErrInvalidEnvelope)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return append(data, '\n'), nil
}

// Decode parses one wire frame back into an envelope. The frame must be a
// single JSON object; a trailing newline is tolerated.
func Decode(data []byte) (*Envelope, error) {
	data = bytes.TrimRight(data, "\r\n")
	if len(data) == 0 {
		return nil, ErrNoMessage
	}
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, ok := probe.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: not a key/value mapping", ErrMalformed)
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &e, nil
}

// Reader reads framed envelopes from a stream. It buffers at most max bytes;
// a frame that does not fit is rejected with ErrFrameTooLarge.
type Reader struct {
	br  *bufio.Reader
	max int
}

// NewReader wraps r with a framed envelope reader capped at max bytes per
// frame. A non-positive max falls back to DefaultMaxPacketSize.
func NewReader(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = DefaultMaxPacketSize
	}
	return &Reader{br: bufio.NewReaderSize(r, max), max: max}
}

// HasData reports whether at least one byte is buffered or immediately
// readable, without consuming it. A read timeout means "nothing there right
// now" and reports false with no error; EOF maps to ErrNoMessage.
func (r *Reader) HasData() (bool, error) {
	if r.br.Buffered() > 0 {
		return true, nil
	}
	_, err := r.br.Peek(1)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, io.EOF):
		return false, ErrNoMessage
	case isTimeout(err):
		return false, nil
	default:
		return false, err
	}
}

// ReadEnvelope reads exactly one frame and decodes it. An immediate EOF
// yields ErrNoMessage; EOF in the middle of a frame is an I/O fault.
func (r *Reader) ReadEnvelope() (*Envelope, error) {
	line, err := r.br.ReadSlice('\n')
	if err != nil {
		switch {
		case errors.Is(err, io.EOF) && len(line) == 0:
			return nil, ErrNoMessage
		case errors.Is(err, io.EOF):
			// Peer closed after a final unterminated frame; decode what we have.
		case errors.Is(err, bufio.ErrBufferFull):
			return nil, ErrFrameTooLarge
		default:
			return nil, err
		}
	}
	if len(line) > r.max {
		return nil, ErrFrameTooLarge
	}
	return Decode(line)
}

// WriteEnvelope encodes e and writes the full frame to w.
func WriteEnvelope(w io.Writer, e *Envelope) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return nil
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
