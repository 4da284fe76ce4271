package starling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// BufferOptions control the connection-state-aware send buffer. A nil
// *BufferOptions provides the defaults noted on each field.
type BufferOptions struct {
	// MaxSize bounds the number of buffered frames (default 1000).
	MaxSize int

	// FlushInterval is the batching window: frames accepted within one
	// window are flushed together, in insertion order (default 100ms).
	FlushInterval time.Duration

	// MaxAge discards frames that stay buffered longer than this, for
	// example across a long disconnect (default 5m).
	MaxAge time.Duration

	// OnFull selects the overflow policy (default OnFullBlock).
	OnFull OnFullPolicy
}

func (o *BufferOptions) maxSize() int {
	if o == nil || o.MaxSize <= 0 {
		return 1000
	}
	return o.MaxSize
}

func (o *BufferOptions) flushInterval() time.Duration {
	if o == nil || o.FlushInterval <= 0 {
		return 100 * time.Millisecond
	}
	return o.FlushInterval
}

func (o *BufferOptions) maxAge() time.Duration {
	if o == nil || o.MaxAge <= 0 {
		return 5 * time.Minute
	}
	return o.MaxAge
}

func (o *BufferOptions) onFull() OnFullPolicy {
	if o == nil {
		return OnFullBlock
	}
	return o.OnFull
}

type bufferItem struct {
	data    []byte
	addedAt time.Time
	done    func(error)
}

// A sendBuffer accepts outbound frames in arrival order and releases them
// to the transport only while the node is connected. Frames accepted while
// disconnected accumulate. Exactly one flush touches the transport at a
// time; FIFO order across Add calls is preserved. The buffer never retries:
// delivery failures are reported through the item callback and the
// message:send:failed event.
type sendBuffer struct {
	opts    *BufferOptions
	sendRaw func([]byte) error
	events  *Events
	clock   func() time.Time

	mu        sync.Mutex
	notFull   *sync.Cond
	items     []bufferItem
	connected bool
	closed    bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func newSendBuffer(opts *BufferOptions, sendRaw func([]byte) error, events *Events, clock func() time.Time) *sendBuffer {
	b := &sendBuffer{
		opts:    opts,
		sendRaw: sendRaw,
		events:  events,
		clock:   clock,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.notFull = sync.NewCond(&b.mu)
	b.wg.Add(1)
	go func() { defer b.wg.Done(); b.flushLoop() }()
	return b
}

// serializePayload renders an outbound value to bytes. Messages and other
// mappings become compact JSON; strings and byte slices pass through.
func serializePayload(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case json.RawMessage:
		return t, nil
	case string:
		return []byte(t), nil
	case *Message:
		return Encode(t)
	default:
		return json.Marshal(v)
	}
}

// Add accepts one outbound value, serializing it if needed. It reports true
// when the frame was admitted and false when the overflow policy dropped
// it. The optional callback is invoked with the delivery outcome when the
// frame is eventually flushed.
func (b *sendBuffer) Add(payload any, done func(error)) (bool, error) {
	data, err := serializePayload(payload)
	if err != nil {
		return false, fmt.Errorf("serializing payload: %w", err)
	}

	b.mu.Lock()
	for !b.closed && len(b.items) >= b.opts.maxSize() && b.opts.onFull() == OnFullBlock {
		b.notFull.Wait()
	}
	if b.closed {
		b.mu.Unlock()
		return false, ErrNodeStopped
	}
	if len(b.items) >= b.opts.maxSize() {
		policy := b.opts.onFull()
		b.mu.Unlock()
		if policy == OnFullError {
			return false, ErrBufferFull
		}
		return false, nil
	}
	b.items = append(b.items, bufferItem{data: data, addedAt: b.clock(), done: done})
	size := len(b.items)
	b.mu.Unlock()

	b.events.emit(EventBuffered, map[string]any{"size": size, "bytes": len(data)})
	b.signal()
	return true, nil
}

func (b *sendBuffer) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// SetConnected gates release of buffered frames on the connection state.
func (b *sendBuffer) SetConnected(connected bool) {
	b.mu.Lock()
	b.connected = connected
	b.mu.Unlock()
	if connected {
		b.signal()
	}
}

// flushLoop waits out the batching window after frames become releasable,
// then flushes the accumulated batch in insertion order.
func (b *sendBuffer) flushLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}
		for b.flushable() {
			select {
			case <-b.done:
				return
			case <-time.After(b.opts.flushInterval()):
			}
			b.flush()
		}
	}
}

func (b *sendBuffer) flushable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected && len(b.items) > 0
}

// flush writes the current batch to the transport. Stale frames are failed
// without touching the transport.
func (b *sendBuffer) flush() {
	b.mu.Lock()
	if !b.connected || len(b.items) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.items
	b.items = nil
	b.notFull.Broadcast()
	b.mu.Unlock()

	limit := b.clock().Add(-b.opts.maxAge())
	for _, item := range batch {
		var err error
		if item.addedAt.Before(limit) {
			err = fmt.Errorf("message expired after %v in buffer", b.opts.maxAge())
		} else {
			err = b.sendRaw(item.data)
		}
		if err != nil {
			b.events.emit(EventSendFailed, map[string]any{"error": err.Error(), "bytes": len(item.data)})
		} else {
			b.events.emit(EventSendSuccess, map[string]any{"bytes": len(item.data)})
		}
		if item.done != nil {
			item.done(err)
		}
	}
}

// Close stops the flusher. Buffered frames that were never released are
// failed through their callbacks.
func (b *sendBuffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	rest := b.items
	b.items = nil
	b.notFull.Broadcast()
	b.mu.Unlock()
	close(b.done)
	b.wg.Wait()
	for _, item := range rest {
		if item.done != nil {
			item.done(ErrNodeStopped)
		}
	}
}
