package starling

import (
	"sync"
	"time"
)

const (
	// expiredTTL is how long a settled request id is remembered for
	// late-response attribution.
	expiredTTL = time.Hour

	// expiredSweepInterval is how often the expired table is swept.
	expiredSweepInterval = 5 * time.Minute
)

type expiredEntry struct {
	settledAt time.Time
	timeout   time.Duration
}

// A requestsManager owns the outstanding-request tables: active requests by
// id, and recently settled ids kept for late-response attribution. All
// mutation of the tables goes through the manager.
type requestsManager struct {
	events *Events
	clock  func() time.Time

	mu      sync.Mutex
	active  map[string]*Request
	expired map[string]expiredEntry
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

func newRequestsManager(events *Events, clock func() time.Time) *requestsManager {
	m := &requestsManager{
		events:  events,
		clock:   clock,
		active:  make(map[string]*Request),
		expired: make(map[string]expiredEntry),
		done:    make(chan struct{}),
	}
	m.wg.Add(1)
	go func() { defer m.wg.Done(); m.sweepLoop() }()
	return m
}

// Track registers req as active. When the request settles, its id moves to
// the expired table so that a response arriving afterwards is classified as
// late rather than unknown.
func (m *requestsManager) Track(req *Request) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		req.Cancel("Manager disposed")
		return
	}
	m.active[req.ID()] = req
	m.mu.Unlock()

	req.onSettle(func() {
		m.mu.Lock()
		delete(m.active, req.ID())
		if !m.closed {
			m.expired[req.ID()] = expiredEntry{settledAt: m.clock(), timeout: req.timeout}
		}
		m.mu.Unlock()
		m.events.emit(EventRequestDone, map[string]any{
			"requestId": req.ID(),
			"method":    req.Method(),
		})
	})
}

// Get returns the active request with the given id, or nil.
func (m *requestsManager) Get(id string) *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

// ActiveCount reports the number of requests awaiting settlement.
func (m *requestsManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// HandleResponse routes an inbound response frame to its request. A hit
// settles the request; a miss is classified as late (id recently settled)
// or unknown. Orphan responses never produce an error on the wire.
func (m *requestsManager) HandleResponse(msg *Message) {
	m.mu.Lock()
	req := m.active[msg.RequestID]
	var exp expiredEntry
	var wasExpired bool
	if req == nil {
		exp, wasExpired = m.expired[msg.RequestID]
	}
	m.mu.Unlock()

	if req == nil {
		if wasExpired {
			m.events.emit(EventLateResponse, map[string]any{
				"requestId":     msg.RequestID,
				"responseDelay": m.clock().Sub(exp.settledAt).Milliseconds(),
				"timeout":       exp.timeout.Milliseconds(),
			})
		} else {
			m.events.emit(EventUnknownResponse, map[string]any{"requestId": msg.RequestID})
		}
		return
	}

	if msg.Success != nil && *msg.Success {
		m.events.emit(EventResponse, map[string]any{"requestId": msg.RequestID})
		req.resolve(msg.Data)
	} else {
		m.events.emit(EventResponseError, map[string]any{
			"requestId": msg.RequestID,
			"code":      errorCodeOf(msg),
		})
		rerr := fromDetail(msg.Error)
		if rerr == nil {
			rerr = Errorf(CodeInternalError, "response reported failure without error detail")
		}
		req.reject(rerr)
	}
}

// HandleNotification routes a request-correlated notification to the
// request's listeners. Notifications for unknown ids are dropped with an
// observability event.
func (m *requestsManager) HandleNotification(msg *Message) {
	req := m.Get(msg.RequestID)
	if req == nil {
		m.events.emit(EventNoteError, map[string]any{
			"requestId": msg.RequestID,
			"reason":    "no active request",
		})
		return
	}
	m.events.emit(EventRequestNote, map[string]any{"requestId": msg.RequestID})
	req.deliverNotification(msg.Notification)
}

// CancelAll rejects every active request with REQUEST_CANCELLED and the
// given reason.
func (m *requestsManager) CancelAll(reason string) {
	m.mu.Lock()
	reqs := make([]*Request, 0, len(m.active))
	for _, r := range m.active {
		reqs = append(reqs, r)
	}
	m.mu.Unlock()
	for _, r := range reqs {
		r.Cancel(reason)
	}
	if len(reqs) != 0 {
		m.events.emit(EventRequestsCancel, map[string]any{"count": len(reqs), "reason": reason})
	}
}

func (m *requestsManager) sweepLoop() {
	t := time.NewTicker(expiredSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

// sweep drops expired entries older than the retention TTL.
func (m *requestsManager) sweep() {
	limit := m.clock().Add(-expiredTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.expired {
		if e.settledAt.Before(limit) {
			delete(m.expired, id)
		}
	}
}

// Close cancels every active request and stops the sweeper.
func (m *requestsManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.CancelAll("Manager disposed")
	close(m.done)
	m.wg.Wait()
}

func errorCodeOf(msg *Message) string {
	if msg.Error == nil {
		return ""
	}
	return msg.Error.Code
}
