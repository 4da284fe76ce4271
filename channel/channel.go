// Package channel defines a basic communications channel for framed
// messages, distinguishing text from binary frames the way message-oriented
// transports such as websockets do, and provides implementations over
// in-memory pipes and websocket connections.
package channel

import (
	"errors"
	"strings"
)

// A Frame is one message on the wire. Binary frames are opaque to the
// protocol layer; text frames may carry protocol JSON.
type Frame struct {
	Data   []byte
	Binary bool
}

// Text returns a text frame carrying data.
func Text(data []byte) Frame { return Frame{Data: data} }

// Binary returns a binary frame carrying data.
func Binary(data []byte) Frame { return Frame{Data: data, Binary: true} }

// A Channel represents the ability to transmit and receive framed messages.
//
// A Channel is not required to be safe for concurrent use, except that Send
// and Recv may be called concurrently with each other.
type Channel interface {
	// Send transmits one frame. Each frame is delivered as a unit.
	Send(Frame) error

	// Recv returns the next received frame. It blocks until a frame is
	// available, the channel closes, or an error occurs. At the end of
	// input, Recv reports io.EOF.
	Recv() (Frame, error)

	// Close shuts down the channel, after which no further frames may be
	// sent or received.
	Close() error
}

// IsErrClosing reports whether err is an error plausibly caused by reading
// from a channel whose other endpoint has closed.
func IsErrClosing(err error) bool {
	return err != nil && (errors.Is(err, errClosed) ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "close sent"))
}

var errClosed = errors.New("channel is closed")
