package starling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/helios-starling/starling/channel"
)

// A Node is one endpoint of a helios-starling connection. It concurrently
// invokes remote methods, serves inbound requests, publishes and subscribes
// to topic notifications, and forwards relayed frames to its proxy hook.
// Frames arrive either through Start's read loop or through direct calls to
// Deliver.
type Node struct {
	log    func(string, ...any)
	clock  func() time.Time
	newID  func() string
	events *Events
	timers *timerGroup
	sem    *semaphore.Weighted

	maxMessageSize int
	allowCustom    bool
	defTimeout     time.Duration
	disconnectTTL  time.Duration
	proxy          *ProxyConfig

	buffer  *sendBuffer
	queue   *requestQueue
	manager *requestsManager
	methods *methodsRegistry
	topics  *topicsRegistry

	mu        sync.Mutex
	ch        channel.Channel
	err       error
	closed    bool
	cancelTTL func() bool
	wg        sync.WaitGroup

	hmu      sync.RWMutex
	onText   func(*TextContext)
	onJSON   func(*JSONContext)
	onBinary func(*BinaryContext)
	onError  func(*ErrorMessageContext)
}

// NewNode returns a new unconnected node. To process frames from a
// channel, call Start; to feed frames from elsewhere, call Deliver.
func NewNode(opts *NodeOptions) *Node {
	n := &Node{
		log:            opts.logger(),
		clock:          opts.clock(),
		newID:          opts.newID(),
		events:         opts.events(),
		timers:         newTimerGroup(),
		sem:            semaphore.NewWeighted(opts.concurrency()),
		maxMessageSize: opts.maxMessageSize(),
		allowCustom:    opts.allowCustomTypes(),
		defTimeout:     opts.defaultRequestTimeout(),
		disconnectTTL:  opts.disconnectionTTL(),
		proxy:          opts.proxy(),
	}
	n.buffer = newSendBuffer(opts.buffer(), n.sendRaw, n.events, n.clock)
	n.queue = newRequestQueue(opts.queue(), n.sendQueued, n.events, n.timers, n.clock)
	n.manager = newRequestsManager(n.events, n.clock)
	n.methods = newMethodsRegistry(n.events, n.clock, n.timers)
	n.topics = newTopicsRegistry(n.events)
	return n
}

// Events returns the node's observability event hub.
func (n *Node) Events() *Events { return n.events }

// IsConnected reports whether the node currently has a live channel.
func (n *Node) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch != nil
}

// Start enables processing of frames from ch and returns. Start does not
// block while the node runs. It panics if the node is already started. It
// returns n to allow chaining with construction.
func (n *Node) Start(ch channel.Channel) *Node {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		panic("node is closed")
	}
	if n.ch != nil {
		n.mu.Unlock()
		panic("node is already started")
	}
	n.ch = ch
	n.err = nil
	if n.cancelTTL != nil {
		n.cancelTTL()
		n.cancelTTL = nil
	}
	n.wg.Add(1)
	n.mu.Unlock()

	n.buffer.SetConnected(true)
	n.queue.SetConnected(true)
	n.log("Node started")

	go func() {
		defer n.wg.Done()
		n.read(ch)
	}()
	return n
}

// read is the main receiver loop, feeding each frame to Deliver until the
// channel fails or closes.
func (n *Node) read(ch channel.Channel) {
	for {
		f, err := ch.Recv()
		if err != nil {
			n.disconnect(err)
			return
		}
		n.Deliver(f.Data, f.Binary)
	}
}

// disconnect records the terminal channel error and suspends the outbound
// path. Non-persistent subscriptions are dropped; queued and active
// requests survive until the disconnection TTL fires.
func (n *Node) disconnect(err error) {
	n.mu.Lock()
	if n.ch == nil {
		n.mu.Unlock()
		return
	}
	n.ch.Close()
	n.ch = nil
	if n.err == nil {
		n.err = err
	}
	n.cancelTTL = n.timers.AfterFunc(n.disconnectTTL, func() {
		n.manager.CancelAll("Disconnection TTL exceeded")
		n.queue.Clear("Disconnection TTL exceeded")
	})
	n.mu.Unlock()

	n.buffer.SetConnected(false)
	n.queue.SetConnected(false)
	n.topics.DropEphemeral()
	n.log("Node disconnected: %v", err)
}

// Stop disconnects the node, abandoning the current channel. The node may
// be started again with a fresh channel.
func (n *Node) Stop() {
	n.mu.Lock()
	ch := n.ch
	if ch != nil && n.err == nil {
		n.err = ErrNodeStopped
	}
	n.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// Wait blocks until the read loop terminates and returns the resulting
// error. Stop and a closed channel report nil.
func (n *Node) Wait() error {
	n.wg.Wait()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err == io.EOF || n.err == ErrNodeStopped || channel.IsErrClosing(n.err) {
		return nil
	}
	return n.err
}

// Close shuts the node down: the channel is closed, every active request
// and queued item is cancelled, and all timers are released. The node
// cannot be restarted.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.Stop()
	n.wg.Wait()
	n.queue.Clear("Manager disposed")
	n.manager.Close()
	n.queue.Close()
	n.buffer.Close()
	n.timers.Stop()
	return nil
}

// sendRaw writes one serialized frame to the current channel.
func (n *Node) sendRaw(data []byte) error {
	n.mu.Lock()
	ch := n.ch
	n.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.Send(channel.Text(data))
}

// sendQueued serializes one queued request and pushes it through the send
// buffer. Delivery outcome is reported through done.
func (n *Node) sendQueued(r *Request, done func(error)) error {
	msg, err := NewRequest(r.ID(), r.Method(), r.payload)
	if err != nil {
		return err
	}
	msg.Timestamp = n.clock().UnixMilli()
	ok, err := n.buffer.Add(msg, done)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBufferFull
	}
	return nil
}

// push stages a fire-and-forget protocol message: notifications, responses
// and error frames are not retried.
func (n *Node) push(msg *Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = n.clock().UnixMilli()
	}
	_, err := n.buffer.Add(msg, nil)
	return err
}

// Request initiates an outbound call and returns its handle. The request
// is queued and transmitted by the queue scheduler; use the handle's Wait
// to block for the response.
func (n *Node) Request(method string, payload any, opts *RequestOptions) (*Request, error) {
	if !methodRE.MatchString(method) || len(method) > MaxNameLength {
		return nil, Errorf(CodeRequestInvalid, "invalid method name %q", method)
	}
	bits, err := marshalValue(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	req := newRequest(n.newID(), method, bits, n.clock(), opts, n.defTimeout)
	n.manager.Track(req)
	ok, err := n.queue.Enqueue(req)
	if err != nil {
		n.events.emit(EventRequestError, map[string]any{
			"requestId": req.ID(), "method": method, "error": err.Error(),
		})
		req.reject(err)
		return nil, err
	}
	if !ok {
		n.events.emit(EventRequestError, map[string]any{
			"requestId": req.ID(), "method": method, "error": ErrQueueFull.Error(),
		})
		req.reject(ErrQueueFull)
		return nil, ErrQueueFull
	}
	return req, nil
}

// Call is a convenience wrapper that issues a request and blocks for its
// response data. Remote failures have concrete type *Error.
func (n *Node) Call(ctx context.Context, method string, payload any, opts *RequestOptions) (json.RawMessage, error) {
	req, err := n.Request(method, payload, opts)
	if err != nil {
		return nil, err
	}
	return req.Wait(ctx)
}

// Notify publishes a notification. The optional requestID correlates the
// notification with an outstanding request on the remote side.
func (n *Node) Notify(topic string, data any, requestID ...string) error {
	if topic != "" {
		if v := ValidateTopicName(topic); !v.OK() {
			return Errorf(CodeRequestInvalid, "invalid topic %q", topic)
		}
	}
	var rid string
	if len(requestID) > 0 {
		rid = requestID[0]
	}
	if topic == "" && rid == "" {
		return Errorf(CodeRequestInvalid, "notification requires a topic or a request id")
	}
	msg, err := NewNotification(topic, data, rid)
	if err != nil {
		return err
	}
	return n.push(msg)
}

// SendError sends a top-level application error to the peer.
func (n *Node) SendError(code ErrorCode, message string, details any) error {
	msg, err := NewErrorMessage(SeverityApplication, code, message, details)
	if err != nil {
		return err
	}
	return n.push(msg)
}

// Send stages an arbitrary protocol message for transmission.
func (n *Node) Send(msg *Message) error {
	if msg.Protocol == "" {
		msg.Protocol = Protocol
	}
	if msg.Version == "" {
		msg.Version = Version
	}
	return n.push(msg)
}

// Ack acknowledges receipt of the message with the given id.
func (n *Node) Ack(messageID string) error { return n.push(NewAck(messageID)) }

// RegisterMethod adds a named request handler. See MethodOptions for the
// per-method knobs.
func (n *Node) RegisterMethod(name string, handler MethodHandler, opts *MethodOptions) (*Method, error) {
	return n.methods.Register(name, handler, opts)
}

// UnregisterMethod removes a named handler, reporting whether it existed.
func (n *Node) UnregisterMethod(name string) bool { return n.methods.Unregister(name) }

// Method returns the registered method with the given name, or nil.
func (n *Node) Method(name string) *Method { return n.methods.Get(name) }

// Subscribe registers a topic handler. The pattern may use * as a
// single-segment wildcard.
func (n *Node) Subscribe(topicOrPattern string, handler TopicHandler, opts *SubscribeOptions) (*Subscription, error) {
	return n.topics.Subscribe(topicOrPattern, handler, opts)
}

// OnText sets the handler for inbound non-JSON text frames.
func (n *Node) OnText(f func(*TextContext)) {
	n.hmu.Lock()
	defer n.hmu.Unlock()
	n.onText = f
}

// OnJSON sets the handler for inbound JSON frames that are not protocol
// messages.
func (n *Node) OnJSON(f func(*JSONContext)) {
	n.hmu.Lock()
	defer n.hmu.Unlock()
	n.onJSON = f
}

// OnBinary sets the handler for inbound binary frames.
func (n *Node) OnBinary(f func(*BinaryContext)) {
	n.hmu.Lock()
	defer n.hmu.Unlock()
	n.onBinary = f
}

// OnError sets the handler for inbound top-level error messages.
func (n *Node) OnError(f func(*ErrorMessageContext)) {
	n.hmu.Lock()
	defer n.hmu.Unlock()
	n.onError = f
}

// Deliver classifies one raw inbound frame and routes it: protocol frames
// to the kernel, everything else to the text/JSON/binary handlers. Deliver
// never returns an error to the transport; violations are reported to the
// peer and as events.
func (n *Node) Deliver(raw []byte, binary bool) {
	defer func() {
		if p := recover(); p != nil {
			n.log("Internal error delivering frame: %v", p)
			n.events.emit(EventInternalError, map[string]any{"error": fmt.Sprint(p)})
			if msg, err := NewErrorMessage(SeverityApplication, CodeInternalError, "internal error processing message", nil); err == nil {
				n.push(msg)
			}
		}
	}()

	res := Resolve(raw, binary, &ResolveOptions{
		AllowCustomTypes: n.allowCustom,
		MaxMessageSize:   n.maxMessageSize,
	})

	res.OnViolation(func(v Violations) {
		n.log("Protocol violation (%d findings)", len(v))
		n.events.emit(EventProtocolError, map[string]any{"violations": []string(v)})
		details, _ := json.Marshal(map[string]any{"violations": []string(v)})
		if msg, err := NewErrorMessage(SeverityProtocol, CodeProtocolViolation, "message failed protocol validation", json.RawMessage(details)); err == nil {
			n.push(msg)
		}
	})

	// A well-formed frame from an incompatible major version is rejected
	// before routing; minor and patch skew is interoperable.
	if m := res.Message; m != nil && res.Violations.OK() && !sameMajorVersion(m.Version) {
		n.log("Rejecting frame with protocol version %q", m.Version)
		n.events.emit(EventProtocolError, map[string]any{
			"reason": "version mismatch", "version": m.Version,
		})
		details, _ := json.Marshal(map[string]any{"expected": Version, "received": m.Version})
		if msg, err := NewErrorMessage(SeverityProtocol, CodeProtocolVersionMismatch,
			fmt.Sprintf("protocol version %s is not compatible with %s", m.Version, Version),
			json.RawMessage(details)); err == nil {
			n.push(msg)
		}
		return
	}

	res.OnBinary(func(data []byte) {
		n.events.emit(EventBinary, map[string]any{"bytes": len(data)})
		n.hmu.RLock()
		f := n.onBinary
		n.hmu.RUnlock()
		if f != nil {
			c := &BinaryContext{data: data}
			c.node, c.received = n, n.clock()
			f(c)
		}
	})

	res.OnText(func(text string) {
		n.events.emit(EventText, map[string]any{"bytes": len(text)})
		n.hmu.RLock()
		f := n.onText
		n.hmu.RUnlock()
		if f != nil {
			c := &TextContext{text: text}
			c.node, c.received = n, n.clock()
			f(c)
		}
	})

	res.OnJSON(func(raw json.RawMessage) {
		n.events.emit(EventJSON, map[string]any{"bytes": len(raw)})
		n.hmu.RLock()
		f := n.onJSON
		n.hmu.RUnlock()
		if f != nil {
			c := &JSONContext{raw: raw}
			c.node, c.received = n, n.clock()
			f(c)
		}
	})

	res.OnRequest(n.handleRequest)
	res.OnResponse(n.handleResponse)
	res.OnNotification(n.handleNotification)
	res.OnErrorMessage(n.handleErrorMessage)
	res.OnAck(func(msg *Message) {
		n.log("Received ack for message %q", msg.MessageID)
	})
	res.OnPing(func(*Message) {
		n.log("Received ping")
	})
}

// handleRequest dispatches one inbound request to the methods registry, or
// to the proxy hook when the frame is relayed. Handler execution is
// concurrent, bounded by the node's concurrency limit.
func (n *Node) handleRequest(msg *Message) {
	ctx := newRequestContext(n, msg)
	if msg.Relayed() {
		n.forwardToProxy(func(p *ProxyConfig) func() error {
			if p.Request == nil {
				return nil
			}
			return func() error { return p.Request(ctx) }
		}, func(err error) {
			d := toDetail(err, CodeProxyError)
			ctx.Error(ErrorCode(d.Code), d.Message, d.Details)
		}, func() {
			ctx.Error(CodeProxyForbidden, "node does not relay requests", nil)
		})
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer n.sem.Release(1)
		n.methods.Dispatch(ctx)
	}()
}

// handleResponse routes one inbound response to the requests manager, or
// to the proxy hook when relayed.
func (n *Node) handleResponse(msg *Message) {
	if msg.Relayed() {
		ctx := newResponseContext(n, msg)
		n.forwardToProxy(func(p *ProxyConfig) func() error {
			if p.Response == nil {
				return nil
			}
			return func() error { return p.Response(ctx) }
		}, nil, nil)
		return
	}
	n.manager.HandleResponse(msg)
}

// handleNotification routes one inbound notification: relayed frames to
// the proxy, request-correlated frames to the requests manager, topic
// frames to the topics registry.
func (n *Node) handleNotification(msg *Message) {
	if msg.Relayed() {
		ctx := newNotificationContext(n, msg)
		n.forwardToProxy(func(p *ProxyConfig) func() error {
			if p.Notification == nil {
				return nil
			}
			return func() error { return p.Notification(ctx) }
		}, nil, nil)
		return
	}
	if msg.RequestID != "" {
		n.manager.HandleNotification(msg)
		return
	}
	if msg.Notification.Topic == "" {
		n.events.emit(EventNoteError, map[string]any{"reason": "notification without topic or request id"})
		return
	}
	n.topics.Dispatch(newNotificationContext(n, msg))
}

// handleErrorMessage surfaces one inbound top-level error.
func (n *Node) handleErrorMessage(msg *Message) {
	ctx := newErrorMessageContext(n, msg)
	if msg.Relayed() {
		n.forwardToProxy(func(p *ProxyConfig) func() error {
			if p.ErrorMessage == nil {
				return nil
			}
			return func() error { return p.ErrorMessage(ctx) }
		}, nil, nil)
		return
	}
	n.events.emit(EventErrorMessage, map[string]any{
		"severity": ctx.Severity(),
		"code":     ctx.Detail().Code,
		"message":  ctx.Detail().Message,
	})
	n.hmu.RLock()
	f := n.onError
	n.hmu.RUnlock()
	if f != nil {
		f(ctx)
	}
}

// forwardToProxy runs the selected proxy callable on its own goroutine,
// bounded by the proxy timeout. onErr and onMissing, when non-nil, report
// proxy failures and a missing proxy configuration back to the origin.
// Exactly one of the outcomes is reported; a callable that outlives its
// budget is abandoned and its eventual result discarded.
func (n *Node) forwardToProxy(sel func(*ProxyConfig) func() error, onErr func(error), onMissing func()) {
	var call func() error
	if n.proxy != nil {
		call = sel(n.proxy)
	}
	if call == nil {
		n.log("Dropping relayed frame: no proxy configured")
		if onMissing != nil {
			onMissing()
		}
		return
	}
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("proxy panic: %v", p)
			}
		}()
		done <- call()
	}()

	expired := make(chan struct{})
	cancel := n.timers.AfterFunc(n.proxy.timeout(), func() { close(expired) })
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()
		select {
		case err := <-done:
			if err != nil && onErr != nil {
				onErr(err)
			}
		case <-expired:
			n.log("Proxy callable timed out after %v", n.proxy.timeout())
			if onErr != nil {
				onErr(Errorf(CodeProxyTimeout, "proxy did not complete within %v", n.proxy.timeout()))
			}
		}
	}()
}

// NodeStats is a point-in-time snapshot of the node's tables.
type NodeStats struct {
	Connected      bool `json:"connected"`
	QueueSize      int  `json:"queueSize"`
	ActiveRequests int  `json:"activeRequests"`
	Methods        int  `json:"methods"`
	Subscriptions  int  `json:"subscriptions"`
}

// Stats returns a snapshot of the node's state and emits it as a
// system:stats event.
func (n *Node) Stats() NodeStats {
	s := NodeStats{
		Connected:      n.IsConnected(),
		QueueSize:      n.queue.Size(),
		ActiveRequests: n.manager.ActiveCount(),
		Methods:        len(n.methods.Names()),
		Subscriptions:  n.topics.Count(),
	}
	n.events.emit(EventStats, s)
	return s
}
