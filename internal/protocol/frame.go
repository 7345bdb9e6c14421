package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
)

// ErrBufferOverflow is signaled when a Decoder's reassembly buffer would
// exceed its configured bound. The buffer is cleared before this error is
// returned; no resynchronization on the overflowed bytes is attempted, by
// design (see spec §9 — admitting a resync point in attacker-controlled
// bytes risks frame smuggling).
var ErrBufferOverflow = errors.New("protocol: reassembly buffer overflow")

// Encoder renders messages as newline-delimited JSON frames.
type Encoder struct{}

func NewEncoder() *Encoder { return &Encoder{} }

// Encode returns the JSON serialization of msg followed by a single '\n'.
func (e *Encoder) Encode(msg Message) ([]byte, error) {
	body, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}

// Decoder reassembles newline-delimited JSON values out of arbitrary byte
// chunks. It is not safe for concurrent use — each peer session owns one
// Decoder for the lifetime of its connection.
type Decoder struct {
	buf     []byte
	maxSize int
}

// NewDecoder creates a Decoder bounded at maxSize bytes of unterminated
// buffered input.
func NewDecoder(maxSize int) *Decoder {
	return &Decoder{maxSize: maxSize}
}

// Write appends chunk to the internal buffer and extracts every complete,
// non-empty, syntactically valid JSON line now available. Lines that fail
// to parse as JSON are discarded silently — framing is advisory; schema
// validation is a separate stage (protocol.Validate).
//
// Write is byte-stream safe: splitting the same input across arbitrarily
// many calls produces the same sequence of returned values, as long as no
// call overflows. The bound is checked after appending chunk and before
// any line is extracted: if the still-buffered bytes plus chunk exceed
// maxSize (even when chunk itself contains newlines), the buffer is cleared
// and ErrBufferOverflow is returned for that call.
func (d *Decoder) Write(chunk []byte) ([]json.RawMessage, error) {
	d.buf = append(d.buf, chunk...)

	if len(d.buf) > d.maxSize {
		d.buf = nil
		return nil, ErrBufferOverflow
	}

	var out []json.RawMessage
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		rest := d.buf[idx+1:]

		if len(line) > 0 && json.Valid(line) {
			cp := make(json.RawMessage, len(line))
			copy(cp, line)
			out = append(out, cp)
		}

		// Copy the remainder into a fresh slice so the buffer doesn't pin an
		// ever-growing backing array across many small Write calls.
		next := make([]byte, len(rest))
		copy(next, rest)
		d.buf = next
	}
	return out, nil
}

// Reset discards any buffered, unterminated bytes.
func (d *Decoder) Reset() {
	d.buf = nil
}
