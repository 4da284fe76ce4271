package starling

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueHarness wires a requestQueue to a controllable fake transport.
type queueHarness struct {
	q      *requestQueue
	timers *timerGroup

	mu       sync.Mutex
	sent     []string // method names in delivery order
	failSend error
	onSend   func(*Request)
}

func newQueueHarness(t *testing.T, opts *QueueOptions) *queueHarness {
	t.Helper()
	h := &queueHarness{timers: newTimerGroup()}
	h.q = newRequestQueue(opts, func(req *Request, done func(error)) error {
		h.mu.Lock()
		ferr := h.failSend
		hook := h.onSend
		if ferr == nil {
			h.sent = append(h.sent, req.Method())
		}
		h.mu.Unlock()
		if ferr != nil {
			return ferr
		}
		if hook != nil {
			hook(req)
		}
		done(nil)
		return nil
	}, newEvents(), h.timers, time.Now)
	t.Cleanup(func() {
		h.q.Close()
		h.timers.Stop()
	})
	return h
}

func (h *queueHarness) sentMethods() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

func queuedRequest(method string, opts *RequestOptions) *Request {
	return newRequest(uuid.NewString(), method, nil, time.Now(), opts, 30*time.Second)
}

func TestQueueDelivers(t *testing.T) {
	h := newQueueHarness(t, nil)
	h.mu.Lock()
	h.onSend = func(req *Request) { req.resolve(nil) }
	h.mu.Unlock()
	h.q.SetConnected(true)

	req := queuedRequest("echo:say", nil)
	ok, err := h.q.Enqueue(req)
	require.NoError(t, err)
	require.True(t, ok)

	waitFor(t, "delivery", func() bool { return len(h.sentMethods()) == 1 })
	waitFor(t, "queue drained", func() bool { return h.q.Size() == 0 })
}

func TestQueueWaitsForConnection(t *testing.T) {
	h := newQueueHarness(t, nil)
	req := queuedRequest("late:run", nil)
	_, err := h.q.Enqueue(req)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sentMethods(), "request sent while disconnected")

	h.mu.Lock()
	h.onSend = func(req *Request) { req.resolve(nil) }
	h.mu.Unlock()
	h.q.SetConnected(true)
	waitFor(t, "delivery after connect", func() bool { return len(h.sentMethods()) == 1 })
}

func TestQueueOverflowDrop(t *testing.T) {
	h := newQueueHarness(t, &QueueOptions{MaxSize: 2, OnFull: OnFullDrop})
	for i := 0; i < 2; i++ {
		ok, err := h.q.Enqueue(queuedRequest("fill:up", nil))
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := h.q.Enqueue(queuedRequest("fill:up", nil))
	require.NoError(t, err)
	assert.False(t, ok, "overflow request was admitted")
	assert.Equal(t, 2, h.q.Size())
}

func TestQueueOverflowError(t *testing.T) {
	h := newQueueHarness(t, &QueueOptions{MaxSize: 1, OnFull: OnFullError})
	_, err := h.q.Enqueue(queuedRequest("fill:up", nil))
	require.NoError(t, err)
	_, err = h.q.Enqueue(queuedRequest("fill:up", nil))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestQueueRetryExceeded(t *testing.T) {
	errWireDown := errors.New("wire down")
	h := newQueueHarness(t, &QueueOptions{
		MaxRetries:  2,
		RetryDelays: []time.Duration{time.Millisecond},
	})
	h.mu.Lock()
	h.failSend = errWireDown
	h.mu.Unlock()
	h.q.SetConnected(true)

	req := queuedRequest("doomed:call", nil)
	_, err := h.q.Enqueue(req)
	require.NoError(t, err)

	waitFor(t, "request rejection", req.Settled)
	var e *Error
	require.ErrorAs(t, req.Err(), &e)
	assert.Equal(t, CodeQueueRetryExceeded, e.Code)
	assert.ErrorIs(t, req.Err(), errWireDown)
	waitFor(t, "queue drained", func() bool { return h.q.Size() == 0 })
}

func TestQueueRetryThenSucceed(t *testing.T) {
	h := newQueueHarness(t, &QueueOptions{
		MaxRetries:  3,
		RetryDelays: []time.Duration{50 * time.Millisecond},
	})
	h.mu.Lock()
	h.failSend = errors.New("transient")
	h.onSend = func(req *Request) { req.resolve(nil) }
	h.mu.Unlock()
	h.q.SetConnected(true)

	req := queuedRequest("flaky:call", nil)
	_, err := h.q.Enqueue(req)
	require.NoError(t, err)

	// Clear the fault during the first retry delay.
	time.Sleep(10 * time.Millisecond)
	h.mu.Lock()
	h.failSend = nil
	h.mu.Unlock()

	waitFor(t, "eventual delivery", func() bool { return len(h.sentMethods()) == 1 })
	waitFor(t, "request settlement", req.Settled)
	assert.NoError(t, req.Err())
}

func TestQueuePriorityOrder(t *testing.T) {
	h := newQueueHarness(t, &QueueOptions{PriorityQueuing: true, MaxConcurrent: 1})
	h.mu.Lock()
	h.onSend = func(req *Request) { req.resolve(nil) }
	h.mu.Unlock()

	// Enqueue while disconnected so the scheduler sees all three at once.
	for _, item := range []struct {
		method   string
		priority int
	}{
		{"low:job", 0},
		{"high:job", 5},
		{"mid:job", 1},
	} {
		_, err := h.q.Enqueue(queuedRequest(item.method, &RequestOptions{Priority: item.priority}))
		require.NoError(t, err)
	}
	h.q.SetConnected(true)

	waitFor(t, "all deliveries", func() bool { return len(h.sentMethods()) == 3 })
	assert.Equal(t, []string{"high:job", "mid:job", "low:job"}, h.sentMethods())
}

func TestQueueDrainTimeout(t *testing.T) {
	h := newQueueHarness(t, &QueueOptions{DrainTimeout: 30 * time.Millisecond})
	req := queuedRequest("stuck:call", nil)
	_, err := h.q.Enqueue(req)
	require.NoError(t, err)

	// Never connected: the drain monitor must fail the request.
	waitFor(t, "drain rejection", req.Settled)
	var e *Error
	require.ErrorAs(t, req.Err(), &e)
	assert.Equal(t, CodeQueueDrainTimeout, e.Code)
	assert.Equal(t, 0, h.q.Size())
}

func TestQueueClear(t *testing.T) {
	h := newQueueHarness(t, nil)
	req := queuedRequest("doomed:call", nil)
	_, err := h.q.Enqueue(req)
	require.NoError(t, err)

	h.q.Clear("connection lost")
	var e *Error
	require.ErrorAs(t, req.Err(), &e)
	assert.Equal(t, CodeRequestCancelled, e.Code)
	assert.ErrorContains(t, e, "connection lost")
	assert.Equal(t, 0, h.q.Size())
}

func TestQueueNoResponse(t *testing.T) {
	h := newQueueHarness(t, nil)
	h.q.SetConnected(true)

	req := queuedRequest("fire:forget", &RequestOptions{NoResponse: true})
	_, err := h.q.Enqueue(req)
	require.NoError(t, err)

	waitFor(t, "fire-and-forget settlement", req.Settled)
	assert.NoError(t, req.Err())
}

func TestQueueEnqueueAfterClose(t *testing.T) {
	h := newQueueHarness(t, nil)
	h.q.Close()
	_, err := h.q.Enqueue(queuedRequest("too:late", nil))
	assert.ErrorIs(t, err, ErrNodeStopped)
}
