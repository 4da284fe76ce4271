package starling

import "sync"

// Observability event names emitted by a node. The names are the contract;
// payload shapes are structural and documented on the emit sites.
const (
	EventSendSuccess     = "message:send:success"
	EventSendFailed      = "message:send:failed"
	EventText            = "message:text"
	EventJSON            = "message:json"
	EventBinary          = "message:binary"
	EventProtocolError   = "message:protocol_error"
	EventInternalError   = "message:internal_error"
	EventErrorMessage    = "message:error"
	EventBuffered        = "message:buffered"
	EventProcessed       = "message:processed"
	EventQueueAdded      = "queue:added"
	EventQueueRemoved    = "queue:removed"
	EventQueueSize       = "queue:size_changed"
	EventRequestQueued   = "request:queued"
	EventRequestDone     = "request:completed"
	EventRequestNote     = "request:notification"
	EventLateResponse    = "request:late_response"
	EventUnknownResponse = "request:unknown_response"
	EventRequestsCancel  = "requests:cancelled"
	EventResponse        = "response:received"
	EventResponseError   = "response:error"
	EventRequestError    = "request:error"
	EventMethodAdded     = "method:registered"
	EventMethodRemoved   = "method:unregistered"
	EventTopicHandled    = "topic:handled"
	EventTopicError      = "topic:error"
	EventNoteError       = "notification:error"
	EventStats           = "system:stats"
)

// An Event is one observability record.
type Event struct {
	Name string
	Data any
}

// Events is a fan-out of observability events. Handlers run synchronously
// on the emitting goroutine; a panicking handler does not prevent delivery
// to the remaining handlers.
type Events struct {
	mu   sync.RWMutex
	next int
	subs map[string]map[int]func(Event)
	all  map[int]func(Event)
}

func newEvents() *Events {
	return &Events{
		subs: make(map[string]map[int]func(Event)),
		all:  make(map[int]func(Event)),
	}
}

// On registers f for events with the given name and returns a function that
// removes the registration.
func (e *Events) On(name string, f func(Event)) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	m := e.subs[name]
	if m == nil {
		m = make(map[int]func(Event))
		e.subs[name] = m
	}
	m[id] = f
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs[name], id)
	}
}

// OnAny registers f for every event and returns a removal function.
func (e *Events) OnAny(f func(Event)) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	e.all[id] = f
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.all, id)
	}
}

func (e *Events) emit(name string, data any) {
	if e == nil {
		return
	}
	ev := Event{Name: name, Data: data}
	e.mu.RLock()
	fns := make([]func(Event), 0, len(e.subs[name])+len(e.all))
	for _, f := range e.subs[name] {
		fns = append(fns, f)
	}
	for _, f := range e.all {
		fns = append(fns, f)
	}
	e.mu.RUnlock()
	for _, f := range fns {
		func() {
			defer func() { recover() }()
			f(ev)
		}()
	}
}
