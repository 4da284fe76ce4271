package starling

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
)

// An OnFullPolicy selects the behaviour of Enqueue and the send buffer when
// at capacity.
type OnFullPolicy int

const (
	// OnFullBlock suspends the caller until space is available.
	OnFullBlock OnFullPolicy = iota
	// OnFullDrop discards the new item and reports false.
	OnFullDrop
	// OnFullError rejects the new item with ErrQueueFull or ErrBufferFull.
	OnFullError
)

// QueueOptions control the outbound request queue. A nil *QueueOptions
// provides the defaults noted on each field.
type QueueOptions struct {
	// MaxSize bounds the number of queued requests (default 1000).
	MaxSize int

	// MaxRetries bounds transport-level retries per request (default 3).
	MaxRetries int

	// BaseDelay seeds the retry backoff (default 1s).
	BaseDelay time.Duration

	// RetryDelays, when set, gives the absolute delay per retry attempt
	// instead of the computed backoff. The last entry repeats.
	RetryDelays []time.Duration

	// MaxConcurrent bounds requests in flight at once (default 10).
	MaxConcurrent int

	// PriorityQueuing selects the highest-priority item instead of FIFO.
	// Ties break by insertion order.
	PriorityQueuing bool

	// OnFull selects the overflow policy (default OnFullBlock).
	OnFull OnFullPolicy

	// DrainTimeout bounds the age of a queued request (default 30s).
	DrainTimeout time.Duration
}

func (o *QueueOptions) maxSize() int {
	if o == nil || o.MaxSize <= 0 {
		return 1000
	}
	return o.MaxSize
}

func (o *QueueOptions) maxRetries() int {
	if o == nil || o.MaxRetries <= 0 {
		return 3
	}
	return o.MaxRetries
}

func (o *QueueOptions) baseDelay() time.Duration {
	if o == nil || o.BaseDelay <= 0 {
		return time.Second
	}
	return o.BaseDelay
}

func (o *QueueOptions) retryDelays() []time.Duration {
	if o == nil {
		return nil
	}
	return o.RetryDelays
}

func (o *QueueOptions) maxConcurrent() int64 {
	if o == nil || o.MaxConcurrent <= 0 {
		return 10
	}
	return int64(o.MaxConcurrent)
}

func (o *QueueOptions) priorityQueuing() bool { return o != nil && o.PriorityQueuing }

func (o *QueueOptions) onFull() OnFullPolicy {
	if o == nil {
		return OnFullBlock
	}
	return o.OnFull
}

func (o *QueueOptions) drainTimeout() time.Duration {
	if o == nil || o.DrainTimeout <= 0 {
		return 30 * time.Second
	}
	return o.DrainTimeout
}

// A queueItem tracks one queued request and its scheduling metadata.
type queueItem struct {
	req      *Request
	seq      int64
	priority int
	addedAt  time.Time
	readyAt  time.Time
	retries  int
	running  bool
	lastErr  error
	bo       backoff.BackOff
	sendErr  chan error
}

// A requestQueue provides flow control over outbound requests: bounded
// capacity, bounded concurrency, retry with backoff, and a drain monitor.
// Items stay in the queue from Enqueue until their request settles.
type requestQueue struct {
	opts   *QueueOptions
	send   func(*Request, func(error)) error
	events *Events
	timers *timerGroup
	clock  func() time.Time
	sem    *semaphore.Weighted

	mu        sync.Mutex
	notFull   *sync.Cond
	items     []*queueItem
	seq       int64
	connected bool
	closed    bool

	work chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// newRequestQueue constructs and starts a queue. send hands a request's
// serialized frame toward the transport and reports delivery through its
// callback; the queue retries on delivery failure.
func newRequestQueue(opts *QueueOptions, send func(*Request, func(error)) error, events *Events, timers *timerGroup, clock func() time.Time) *requestQueue {
	q := &requestQueue{
		opts:   opts,
		send:   send,
		events: events,
		timers: timers,
		clock:  clock,
		sem:    semaphore.NewWeighted(opts.maxConcurrent()),
		work:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	q.notFull = sync.NewCond(&q.mu)
	q.wg.Add(2)
	go func() { defer q.wg.Done(); q.schedule() }()
	go func() { defer q.wg.Done(); q.drainMonitor() }()
	return q
}

func (q *requestQueue) signal() {
	select {
	case q.work <- struct{}{}:
	default:
	}
}

// Size reports the number of queued items, including those in flight.
func (q *requestQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue admits req subject to capacity and the overflow policy. It
// reports true when the request was admitted and false when it was dropped.
func (q *requestQueue) Enqueue(req *Request) (bool, error) {
	q.mu.Lock()
	for !q.closed && len(q.items) >= q.opts.maxSize() && q.opts.onFull() == OnFullBlock {
		q.notFull.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		return false, ErrNodeStopped
	}
	if len(q.items) >= q.opts.maxSize() {
		policy := q.opts.onFull()
		q.mu.Unlock()
		if policy == OnFullError {
			return false, ErrQueueFull
		}
		return false, nil
	}
	q.seq++
	item := &queueItem{
		req:      req,
		seq:      q.seq,
		priority: req.priority,
		addedAt:  q.clock(),
		bo:       newRetryBackoff(q.opts.baseDelay()),
		sendErr:  make(chan error, 1),
	}
	q.items = append(q.items, item)
	size := len(q.items)
	q.mu.Unlock()

	q.events.emit(EventQueueAdded, map[string]any{"requestId": req.ID(), "method": req.Method()})
	q.events.emit(EventQueueSize, map[string]any{"size": size})
	q.events.emit(EventRequestQueued, map[string]any{"requestId": req.ID(), "method": req.Method()})
	q.signal()
	return true, nil
}

// schedule is the cooperative scheduler loop: while connected, with a free
// concurrency slot and at least one eligible item, start the next item.
func (q *requestQueue) schedule() {
	for {
		select {
		case <-q.done:
			return
		case <-q.work:
		}
		for {
			item := q.pickNext()
			if item == nil {
				break
			}
			if !q.sem.TryAcquire(1) {
				q.unpick(item)
				break
			}
			q.wg.Add(1)
			go func() {
				defer q.wg.Done()
				q.run(item)
			}()
		}
	}
}

// pickNext selects and claims the next eligible item: FIFO by default, or
// maximum priority with FIFO tie-break when priority queuing is enabled.
// Items awaiting a retry delay are not eligible until readyAt.
func (q *requestQueue) pickNext() *queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.connected || q.closed {
		return nil
	}
	now := q.clock()
	var best *queueItem
	for _, it := range q.items {
		if it.running || it.readyAt.After(now) {
			continue
		}
		if best == nil {
			best = it
			if !q.opts.priorityQueuing() {
				break
			}
			continue
		}
		if it.priority > best.priority {
			best = it
		}
	}
	if best != nil {
		best.running = true
	}
	return best
}

func (q *requestQueue) unpick(item *queueItem) {
	q.mu.Lock()
	item.running = false
	q.mu.Unlock()
}

// run executes one claimed item: arm the request timeout, push the frame
// toward the transport, and hold the concurrency slot until the request
// settles. Delivery failures reschedule the item with backoff; the slot is
// released during the backoff wait.
func (q *requestQueue) run(item *queueItem) {
	defer func() {
		q.sem.Release(1)
		q.signal()
	}()

	item.req.arm(q.timers)
	err := q.send(item.req, func(serr error) {
		if serr != nil {
			select {
			case item.sendErr <- serr:
			default:
			}
		}
	})
	if err != nil {
		q.retry(item, err)
		return
	}
	if item.req.noReply {
		item.req.resolve(nil)
	}
	select {
	case <-item.req.Done():
		q.remove(item)
	case serr := <-item.sendErr:
		q.retry(item, serr)
	case <-q.done:
	}
}

// retry reschedules item after a delivery failure, or fails its request
// with QUEUE_RETRY_EXCEEDED once retries are exhausted.
func (q *requestQueue) retry(item *queueItem, cause error) {
	q.mu.Lock()
	if item.req.Settled() {
		q.mu.Unlock()
		return
	}
	item.retries++
	item.lastErr = cause
	if item.retries > q.opts.maxRetries() {
		q.mu.Unlock()
		item.req.reject(Errorf(CodeQueueRetryExceeded, "request failed after %d retries", q.opts.maxRetries()).WithCause(cause))
		q.remove(item)
		return
	}
	delay := q.nextDelay(item)
	item.readyAt = q.clock().Add(delay)
	item.running = false
	q.mu.Unlock()
	q.timers.AfterFunc(delay, q.signal)
}

// nextDelay returns the retry delay for item: the configured absolute
// delays if set, otherwise the exponential backoff policy.
func (q *requestQueue) nextDelay(item *queueItem) time.Duration {
	if delays := q.opts.retryDelays(); len(delays) > 0 {
		i := item.retries - 1
		if i >= len(delays) {
			i = len(delays) - 1
		}
		return delays[i]
	}
	d := item.bo.NextBackOff()
	if d == backoff.Stop || d > backoffCap {
		d = backoffCap
	}
	return d
}

// drainMonitor fails any item older than the drain timeout with
// QUEUE_DRAIN_TIMEOUT.
func (q *requestQueue) drainMonitor() {
	interval := q.opts.drainTimeout() / 10
	if interval > time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-t.C:
		}
		limit := q.clock().Add(-q.opts.drainTimeout())
		var stale []*queueItem
		q.mu.Lock()
		for _, it := range q.items {
			if it.addedAt.Before(limit) && !it.req.Settled() {
				stale = append(stale, it)
			}
		}
		q.mu.Unlock()
		for _, it := range stale {
			it.req.reject(Errorf(CodeQueueDrainTimeout, "request exceeded drain timeout of %v", q.opts.drainTimeout()))
			q.remove(it)
		}
	}
}

// remove takes item out of the queue and wakes blocked producers.
func (q *requestQueue) remove(item *queueItem) {
	q.mu.Lock()
	found := false
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			found = true
			break
		}
	}
	size := len(q.items)
	q.notFull.Broadcast()
	q.mu.Unlock()
	if !found {
		return
	}
	q.events.emit(EventQueueRemoved, map[string]any{"requestId": item.req.ID()})
	q.events.emit(EventQueueSize, map[string]any{"size": size})
}

// Clear cancels every queued request with REQUEST_CANCELLED and empties the
// queue.
func (q *requestQueue) Clear(reason string) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.notFull.Broadcast()
	q.mu.Unlock()
	for _, it := range items {
		it.req.Cancel(reason)
	}
	if len(items) != 0 {
		q.events.emit(EventRequestsCancel, map[string]any{"count": len(items), "reason": reason})
		q.events.emit(EventQueueSize, map[string]any{"size": 0})
	}
}

// SetConnected resumes or suspends the scheduler. Items and their priority
// are preserved across disconnects.
func (q *requestQueue) SetConnected(connected bool) {
	q.mu.Lock()
	q.connected = connected
	q.mu.Unlock()
	if connected {
		q.signal()
	}
}

// Close stops the scheduler and the drain monitor. Queued requests are not
// cancelled; use Clear first for that.
func (q *requestQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.notFull.Broadcast()
	q.mu.Unlock()
	close(q.done)
	q.wg.Wait()
}
