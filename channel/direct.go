package channel

import (
	"io"
	"sync"
)

type direct struct {
	send chan Frame
	recv chan Frame
	halt chan struct{}
	once *sync.Once
}

func (d direct) Send(f Frame) (err error) {
	// Sending on the channel after Close panics; report it as a close.
	defer func() {
		if p := recover(); p != nil {
			err = errClosed
		}
	}()
	cp := Frame{Data: make([]byte, len(f.Data)), Binary: f.Binary}
	copy(cp.Data, f.Data)
	select {
	case d.send <- cp:
		return nil
	case <-d.halt:
		return errClosed
	}
}

func (d direct) Recv() (Frame, error) {
	select {
	case f, ok := <-d.recv:
		if ok {
			return f, nil
		}
		return Frame{}, io.EOF
	case <-d.halt:
		return Frame{}, io.EOF
	}
}

// Close shuts down both directions for this endpoint: its own blocked Send
// and Recv calls return, and the peer's Recv reports io.EOF.
func (d direct) Close() error {
	d.once.Do(func() {
		close(d.halt)
		close(d.send)
	})
	return nil
}

// Direct returns a pair of synchronous connected channels that pass frames
// directly in memory without encoding. Sends to client will be received by
// server, and vice versa.
func Direct() (client, server Channel) {
	c2s := make(chan Frame)
	s2c := make(chan Frame)
	client = direct{send: c2s, recv: s2c, halt: make(chan struct{}), once: new(sync.Once)}
	server = direct{send: s2c, recv: c2s, halt: make(chan struct{}), once: new(sync.Once)}
	return
}
