package starling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// defaultMethodTimeout bounds handler execution when no per-method timeout
// is configured.
const defaultMethodTimeout = 30 * time.Second

// A MethodHandler services one inbound request through its context. The
// handler must call Success or Error on the context before returning; a
// handler that returns nil without replying is reported to the caller as a
// method error. A returned error of concrete type *Error keeps its code and
// details on the wire.
type MethodHandler func(*RequestContext) error

// MethodOptions control one registered method. A nil *MethodOptions
// provides the defaults.
type MethodOptions struct {
	// Timeout bounds one invocation of the handler (default 30s).
	Timeout time.Duration

	// Validate, if set, checks the request payload before the handler
	// runs. A validation failure is reported as VALIDATION_ERROR.
	Validate func(json.RawMessage) error

	// Internal skips method-name validation, admitting reserved
	// namespaces. For kernel use.
	Internal bool

	// Metadata is carried on the method for application use.
	Metadata map[string]any
}

func (o *MethodOptions) timeout() time.Duration {
	if o == nil || o.Timeout <= 0 {
		return defaultMethodTimeout
	}
	return o.Timeout
}

func (o *MethodOptions) validate() func(json.RawMessage) error {
	if o == nil {
		return nil
	}
	return o.Validate
}

func (o *MethodOptions) internal() bool { return o != nil && o.Internal }

func (o *MethodOptions) metadata() map[string]any {
	if o == nil {
		return nil
	}
	return o.Metadata
}

// MethodMetrics is a snapshot of one method's execution counters.
type MethodMetrics struct {
	Calls                int64
	Errors               int64
	TotalExecutionTime   time.Duration
	LastExecutionTime    time.Duration
	AverageExecutionTime time.Duration
	LastError            string
}

// A Method is one registered handler. The handler reference is immutable
// for the lifetime of the registration; only the metrics mutate.
type Method struct {
	name     string
	handler  MethodHandler
	timeout  time.Duration
	validate func(json.RawMessage) error
	metadata map[string]any

	mu      sync.Mutex
	metrics MethodMetrics
}

// Name returns the registered method name.
func (m *Method) Name() string { return m.name }

// Timeout returns the per-invocation execution bound.
func (m *Method) Timeout() time.Duration { return m.timeout }

// Metadata returns the metadata attached at registration.
func (m *Method) Metadata() map[string]any { return m.metadata }

// Metrics returns a snapshot of the method's execution counters.
func (m *Method) Metrics() MethodMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

func (m *Method) record(elapsed time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.Calls++
	m.metrics.TotalExecutionTime += elapsed
	m.metrics.LastExecutionTime = elapsed
	m.metrics.AverageExecutionTime = m.metrics.TotalExecutionTime / time.Duration(m.metrics.Calls)
	if err != nil {
		m.metrics.Errors++
		m.metrics.LastError = err.Error()
	}
}

// A methodsRegistry maps method names to handlers. Registration is rare and
// serialized against dispatch; lookups take the read lock.
type methodsRegistry struct {
	events *Events
	clock  func() time.Time
	timers *timerGroup

	mu      sync.RWMutex
	methods map[string]*Method
}

func newMethodsRegistry(events *Events, clock func() time.Time, timers *timerGroup) *methodsRegistry {
	return &methodsRegistry{
		events:  events,
		clock:   clock,
		timers:  timers,
		methods: make(map[string]*Method),
	}
}

// Register adds a named handler. The name must be a well-formed
// namespace:action outside the reserved namespaces unless opts.Internal is
// set, and must not already be registered.
func (r *methodsRegistry) Register(name string, handler MethodHandler, opts *MethodOptions) (*Method, error) {
	if handler == nil {
		return nil, Errorf(CodeRequestInvalid, "method %q: handler is nil", name)
	}
	if !opts.internal() {
		if v := ValidateMethodName(name); !v.OK() {
			return nil, Errorf(CodeRequestInvalid, "invalid method name: %s", v[0])
		}
	}
	m := &Method{
		name:     name,
		handler:  handler,
		timeout:  opts.timeout(),
		validate: opts.validate(),
		metadata: opts.metadata(),
	}
	r.mu.Lock()
	if _, ok := r.methods[name]; ok {
		r.mu.Unlock()
		return nil, Errorf(CodeRequestInvalid, "method %q is already registered", name)
	}
	r.methods[name] = m
	r.mu.Unlock()
	r.events.emit(EventMethodAdded, map[string]any{"method": name})
	return m, nil
}

// Unregister removes a named handler and reports whether it existed.
func (r *methodsRegistry) Unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.methods[name]
	delete(r.methods, name)
	r.mu.Unlock()
	if ok {
		r.events.emit(EventMethodRemoved, map[string]any{"method": name})
	}
	return ok
}

// Get returns the method registered under name, or nil.
func (r *methodsRegistry) Get(name string) *Method {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.methods[name]
}

// Names returns the registered method names.
func (r *methodsRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	return names
}

// Dispatch services one inbound request context. Every path produces
// exactly one reply: METHOD_NOT_FOUND for unregistered names,
// VALIDATION_ERROR for payload validation failures, REQUEST_TIMEOUT when
// the handler outlives its budget, METHOD_ERROR for handler errors or
// handlers that return without replying. The handler is not cancelled when
// the timeout wins; it is expected to observe the processed bit before
// replying late.
func (r *methodsRegistry) Dispatch(ctx *RequestContext) {
	m := r.Get(ctx.Method())
	if m == nil {
		ctx.Error(CodeMethodNotFound, fmt.Sprintf("method %q not found", ctx.Method()), nil)
		return
	}

	if m.validate != nil {
		if err := m.validate(ctx.Payload()); err != nil {
			m.record(0, err)
			ctx.Error(CodeValidationError, err.Error(), nil)
			return
		}
	}

	start := r.clock()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Errorf(CodeMethodError, "handler panic: %v", p)
			}
		}()
		done <- m.handler(ctx)
	}()

	timeout := make(chan struct{})
	cancel := r.timers.AfterFunc(m.timeout, func() { close(timeout) })
	defer cancel()

	select {
	case err := <-done:
		elapsed := r.clock().Sub(start)
		m.record(elapsed, err)
		if err != nil {
			r.replyError(ctx, err)
			return
		}
		if !ctx.Processed() {
			ctx.Error(CodeMethodError, "Method did not provide a response", nil)
		}
	case <-timeout:
		m.record(m.timeout, Errorf(CodeRequestTimeout, "method execution timed out"))
		if !ctx.Processed() {
			ctx.Error(CodeRequestTimeout, fmt.Sprintf("method %q did not respond within %v", m.name, m.timeout), nil)
		}
	}
}

// replyError reports a handler failure to the caller, preserving the code
// and details of *Error values.
func (r *methodsRegistry) replyError(ctx *RequestContext, err error) {
	if ctx.Processed() {
		return
	}
	d := toDetail(err, CodeMethodError)
	ctx.Error(ErrorCode(d.Code), d.Message, d.Details)
}
