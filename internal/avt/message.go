package avt

import (
	"bytes"
	"errors"
	"fmt"
)

// Message is an immutable byte sequence carried over the VPW link.
// The payload bytes are opaque to this layer.
type Message struct {
	data []byte
}

// NewMessage copies b into a new Message. The caller keeps ownership of b.
func NewMessage(b []byte) Message {
	data := make([]byte, len(b))
	copy(data, b)
	return Message{data: data}
}

// Bytes returns a copy of the message payload.
func (m Message) Bytes() []byte {
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Len returns the payload length in bytes.
func (m Message) Len() int { return len(m.data) }

// HasPrefix reports whether the payload starts with p.
func (m Message) HasPrefix(p []byte) bool {
	return bytes.HasPrefix(m.data, p)
}

// String renders the payload as space-separated hex, matching log output.
func (m Message) String() string {
	return fmt.Sprintf("% X", m.data)
}

// Status classifies the outcome of a codec or session operation.
type Status int

const (
	StatusSuccess Status = iota
	StatusError
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ErrTimeout marks operations that saw no (or incomplete) data within their
// deadline. Callers may retry.
var ErrTimeout = errors.New("avt: timeout")

// ErrBadPacket marks a well-delimited but unusable packet, such as a frame
// whose length field leaves no payload to read.
var ErrBadPacket = errors.New("avt: bad packet")

// InvalidCommandError is returned when the interface rejects a command.
// Rejected holds the bytes the device echoed back with the rejection.
type InvalidCommandError struct {
	Rejected []byte
}

func (e *InvalidCommandError) Error() string {
	return fmt.Sprintf("avt: device rejected command: % X", e.Rejected)
}

// StatusOf maps an operation error back to the three-way status taxonomy.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	default:
		return StatusError
	}
}
