package starling

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// RequestOptions control one outbound call. A nil *RequestOptions provides
// the defaults.
type RequestOptions struct {
	// Timeout bounds the wait for a response. Zero means the node default;
	// a negative value disables the timeout.
	Timeout time.Duration

	// NoResponse marks the call fire-and-forget: no response is expected
	// and no timeout is armed.
	NoResponse bool

	// Priority orders the call in the queue when priority queuing is
	// enabled. Higher runs first.
	Priority int
}

func (o *RequestOptions) timeout(def time.Duration) time.Duration {
	if o == nil || o.Timeout == 0 {
		return def
	}
	if o.Timeout < 0 {
		return 0
	}
	return o.Timeout
}

func (o *RequestOptions) noResponse() bool { return o != nil && o.NoResponse }

func (o *RequestOptions) priority() int {
	if o == nil {
		return 0
	}
	return o.Priority
}

// A ProgressUpdate is the decoded body of a progress notification delivered
// to OnProgress listeners.
type ProgressUpdate struct {
	Progress float64         `json:"progress"`
	Status   string          `json:"status,omitempty"`
	Details  json.RawMessage `json:"details,omitempty"`
}

// A Request is one pending outbound call. It is created by Node.Request,
// owned by the requests manager until it reaches a terminal state, and
// settles exactly once: either resolved with response data or rejected with
// an error. The terminal state is sticky; deliveries after settlement are
// ignored.
type Request struct {
	id        string
	method    string
	payload   json.RawMessage
	createdAt time.Time
	timeout   time.Duration
	noReply   bool
	priority  int

	mu          sync.Mutex
	done        chan struct{}
	data        json.RawMessage
	err         error
	armed       bool
	cancelTimer func() bool
	onProgress  []func(ProgressUpdate)
	onNote      []func(*Notification)
	hooks       []func()
}

func newRequest(id, method string, payload json.RawMessage, createdAt time.Time, opts *RequestOptions, def time.Duration) *Request {
	return &Request{
		id:        id,
		method:    method,
		payload:   payload,
		createdAt: createdAt,
		timeout:   opts.timeout(def),
		noReply:   opts.noResponse(),
		priority:  opts.priority(),
		done:      make(chan struct{}),
	}
}

// ID returns the request identifier.
func (r *Request) ID() string { return r.id }

// Method returns the method name being invoked.
func (r *Request) Method() string { return r.method }

// CreatedAt returns the creation time of the request.
func (r *Request) CreatedAt() time.Time { return r.createdAt }

// Done returns a channel closed when the request settles.
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until the request settles or ctx ends. On success it returns
// the response data; remote failures have concrete type *Error.
func (r *Request) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data, r.err
}

// Err returns the settled error, nil before settlement or on success.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Settled reports whether the request has reached a terminal state.
func (r *Request) Settled() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// OnProgress registers f to receive progress notifications correlated with
// this request. Listener panics are contained and do not affect the request.
func (r *Request) OnProgress(f func(ProgressUpdate)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onProgress = append(r.onProgress, f)
}

// OnNotification registers f to receive correlated notifications other than
// progress updates.
func (r *Request) OnNotification(f func(*Notification)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onNote = append(r.onNote, f)
}

// onSettle registers a hook invoked once when the request settles. The
// requests manager uses this for expiry accounting.
func (r *Request) onSettle(f func()) {
	r.mu.Lock()
	if r.settledLocked() {
		r.mu.Unlock()
		f()
		return
	}
	r.hooks = append(r.hooks, f)
	r.mu.Unlock()
}

func (r *Request) settledLocked() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// arm starts the timeout timer using the given group. Re-execution after a
// retry does not re-arm.
func (r *Request) arm(timers *timerGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.armed || r.noReply || r.timeout <= 0 || r.settledLocked() {
		return
	}
	r.armed = true
	r.cancelTimer = timers.AfterFunc(r.timeout, func() {
		r.reject(Errorf(CodeRequestTimeout, "no response within %v", r.timeout))
	})
}

// resolve settles the request successfully. It is a no-op after settlement.
func (r *Request) resolve(data json.RawMessage) { r.settle(data, nil) }

// reject settles the request with err. It is a no-op after settlement.
func (r *Request) reject(err error) { r.settle(nil, err) }

// Cancel rejects the request with REQUEST_CANCELLED and the given reason.
func (r *Request) Cancel(reason string) {
	if reason == "" {
		reason = "request cancelled"
	}
	r.reject(Errorf(CodeRequestCancelled, "%s", reason))
}

func (r *Request) settle(data json.RawMessage, err error) {
	r.mu.Lock()
	if r.settledLocked() {
		r.mu.Unlock()
		return
	}
	r.data = data
	r.err = err
	cancel := r.cancelTimer
	hooks := r.hooks
	r.cancelTimer = nil
	r.hooks = nil
	close(r.done)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, f := range hooks {
		f()
	}
}

// deliverNotification routes a correlated notification to the request's
// listeners. Notifications whose data carries type "progress" go to the
// progress listeners; everything else goes to the notification listeners.
// Deliveries after settlement are dropped.
func (r *Request) deliverNotification(n *Notification) {
	r.mu.Lock()
	if r.settledLocked() {
		r.mu.Unlock()
		return
	}
	progress := r.onProgress
	notes := r.onNote
	r.mu.Unlock()

	if notificationKind(n.Data) == "progress" {
		var u ProgressUpdate
		if err := json.Unmarshal(n.Data, &u); err != nil {
			return
		}
		for _, f := range progress {
			safeCall(func() { f(u) })
		}
		return
	}
	for _, f := range notes {
		safeCall(func() { f(n) })
	}
}

// notificationKind extracts the discriminator "type" field from a
// notification body, or "" when absent.
func notificationKind(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Type
}

func safeCall(f func()) {
	defer func() { recover() }()
	f()
}
