package starling

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// replyState is the shared single-use latch of every inbound context. The
// processed bit flips on the first terminal action and makes every reply
// path single-shot.
type replyState struct {
	node      *Node
	timestamp int64
	peer      json.RawMessage
	metadata  map[string]any
	received  time.Time
	processed atomic.Bool
}

// Processed reports whether the context has produced its terminal action.
func (s *replyState) Processed() bool { return s.processed.Load() }

// Timestamp returns the envelope timestamp in Unix milliseconds.
func (s *replyState) Timestamp() int64 { return s.timestamp }

// Peer returns the raw peer marker, false when the frame is not relayed.
func (s *replyState) Peer() json.RawMessage { return s.peer }

// Metadata returns the mutable metadata map attached to this context.
func (s *replyState) Metadata() map[string]any {
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	return s.metadata
}

func (s *replyState) finish(extra map[string]any) {
	data := map[string]any{
		"durationMs": time.Since(s.received).Milliseconds(),
	}
	for k, v := range extra {
		data[k] = v
	}
	s.node.events.emit(EventProcessed, data)
}

// A RequestContext is the handler-facing view of one inbound request. It is
// single-use: exactly one of Success or Error may be called; intermediate
// Notify and Progress calls are allowed before the terminal reply.
type RequestContext struct {
	replyState
	requestID string
	method    string
	payload   json.RawMessage

	streaming atomic.Bool
	notesSent atomic.Int64
}

func newRequestContext(n *Node, msg *Message) *RequestContext {
	return &RequestContext{
		replyState: replyState{
			node:      n,
			timestamp: msg.Timestamp,
			peer:      msg.Peer,
			received:  n.clock(),
		},
		requestID: msg.RequestID,
		method:    msg.Method,
		payload:   msg.Payload,
	}
}

// RequestID returns the id binding this request to its response.
func (c *RequestContext) RequestID() string { return c.requestID }

// Method returns the requested method name.
func (c *RequestContext) Method() string { return c.method }

// Payload returns the raw request payload.
func (c *RequestContext) Payload() json.RawMessage { return c.payload }

// UnmarshalPayload decodes the request payload into v.
func (c *RequestContext) UnmarshalPayload(v any) error {
	if len(c.payload) == 0 {
		return ErrNoData
	}
	return json.Unmarshal(c.payload, v)
}

// Success sends a successful response carrying data. Calling any terminal
// reply after the first reports ErrAlreadyProcessed.
func (c *RequestContext) Success(data any) error {
	if !c.processed.CompareAndSwap(false, true) {
		return ErrAlreadyProcessed
	}
	msg, err := NewSuccessResponse(c.requestID, data)
	if err != nil {
		c.processed.Store(false)
		return err
	}
	c.finishRequest()
	return c.node.push(msg)
}

// Error sends a failed response with the given code and message. A nil
// details value omits the field.
func (c *RequestContext) Error(code ErrorCode, message string, details any) error {
	if !c.processed.CompareAndSwap(false, true) {
		return ErrAlreadyProcessed
	}
	msg, err := NewErrorResponse(c.requestID, code, message, details)
	if err != nil {
		c.processed.Store(false)
		return err
	}
	c.finishRequest()
	return c.node.push(msg)
}

// Notify sends an intermediate notification correlated with this request
// and marks the request as streaming. It is not a terminal reply.
func (c *RequestContext) Notify(topic string, data any) error {
	if c.Processed() {
		return ErrAlreadyProcessed
	}
	c.streaming.Store(true)
	c.notesSent.Add(1)
	msg, err := NewNotification(topic, data, c.requestID)
	if err != nil {
		return err
	}
	return c.node.push(msg)
}

// Progress sends a progress notification on the {requestId}:progress topic.
// Status and details are optional.
func (c *RequestContext) Progress(pct float64, status string, details any) error {
	bits, err := marshalValue(details)
	if err != nil {
		return err
	}
	body := map[string]any{
		"type":     "progress",
		"progress": pct,
	}
	if status != "" {
		body["status"] = status
	}
	if bits != nil {
		body["details"] = bits
	}
	return c.Notify(fmt.Sprintf("%s:progress", c.requestID), body)
}

// StreamStats reports whether the handler streamed notifications, and how
// many.
func (c *RequestContext) StreamStats() (streaming bool, sent int64) {
	return c.streaming.Load(), c.notesSent.Load()
}

func (c *RequestContext) finishRequest() {
	c.finish(map[string]any{
		"requestId": c.requestID,
		"method":    c.method,
		"streaming": c.streaming.Load(),
		"notesSent": c.notesSent.Load(),
	})
}

// A NotificationContext is the read-only view of one inbound notification
// delivered to topic handlers.
type NotificationContext struct {
	replyState
	topic     string
	data      json.RawMessage
	requestID string
	kind      string
}

func newNotificationContext(n *Node, msg *Message) *NotificationContext {
	return &NotificationContext{
		replyState: replyState{
			node:      n,
			timestamp: msg.Timestamp,
			peer:      msg.Peer,
			received:  n.clock(),
		},
		topic:     msg.Notification.Topic,
		data:      msg.Notification.Data,
		requestID: msg.RequestID,
		kind:      notificationKind(msg.Notification.Data),
	}
}

// Topic returns the notification topic, empty for request-correlated
// notifications without one.
func (c *NotificationContext) Topic() string { return c.topic }

// Data returns the raw notification body.
func (c *NotificationContext) Data() json.RawMessage { return c.data }

// UnmarshalData decodes the notification body into v.
func (c *NotificationContext) UnmarshalData(v any) error {
	if len(c.data) == 0 {
		return ErrNoData
	}
	return json.Unmarshal(c.data, v)
}

// RequestID returns the correlated request id, if any.
func (c *NotificationContext) RequestID() string { return c.requestID }

// Kind returns the discriminator "type" field of the body, used to separate
// progress updates from other notifications.
func (c *NotificationContext) Kind() string { return c.kind }

// A ResponseContext is the read-only view of one inbound response, as
// passed to the proxy hook for relayed frames.
type ResponseContext struct {
	replyState
	requestID string
	success   bool
	data      json.RawMessage
	errDetail *ErrorDetail
}

func newResponseContext(n *Node, msg *Message) *ResponseContext {
	return &ResponseContext{
		replyState: replyState{
			node:      n,
			timestamp: msg.Timestamp,
			peer:      msg.Peer,
			received:  n.clock(),
		},
		requestID: msg.RequestID,
		success:   msg.Success != nil && *msg.Success,
		data:      msg.Data,
		errDetail: msg.Error,
	}
}

// RequestID returns the id of the request this response answers.
func (c *ResponseContext) RequestID() string { return c.requestID }

// Success reports whether the response indicates success.
func (c *ResponseContext) Success() bool { return c.success }

// Data returns the response data for successful responses.
func (c *ResponseContext) Data() json.RawMessage { return c.data }

// ErrorDetail returns the error for failed responses, or nil.
func (c *ResponseContext) ErrorDetail() *ErrorDetail { return c.errDetail }

// An ErrorMessageContext is the read-only view of one inbound top-level
// error message.
type ErrorMessageContext struct {
	replyState
	detail *ErrorDetail
}

func newErrorMessageContext(n *Node, msg *Message) *ErrorMessageContext {
	return &ErrorMessageContext{
		replyState: replyState{
			node:      n,
			timestamp: msg.Timestamp,
			peer:      msg.Peer,
			received:  n.clock(),
		},
		detail: msg.Error,
	}
}

// Detail returns the error carried by the message.
func (c *ErrorMessageContext) Detail() *ErrorDetail { return c.detail }

// Severity returns the error severity, protocol or application.
func (c *ErrorMessageContext) Severity() string { return c.detail.Severity }

// A TextContext carries one non-JSON text frame.
type TextContext struct {
	replyState
	text string
}

// Text returns the frame content.
func (c *TextContext) Text() string { return c.text }

// Acknowledge marks the frame processed and emits the processing metric.
func (c *TextContext) Acknowledge() {
	if c.processed.CompareAndSwap(false, true) {
		c.finish(map[string]any{"format": "text"})
	}
}

// A JSONContext carries one JSON frame that is not a protocol message.
type JSONContext struct {
	replyState
	raw json.RawMessage
}

// Raw returns the frame content.
func (c *JSONContext) Raw() json.RawMessage { return c.raw }

// Unmarshal decodes the frame into v.
func (c *JSONContext) Unmarshal(v any) error { return json.Unmarshal(c.raw, v) }

// Acknowledge marks the frame processed and emits the processing metric.
func (c *JSONContext) Acknowledge() {
	if c.processed.CompareAndSwap(false, true) {
		c.finish(map[string]any{"format": "json"})
	}
}

// A BinaryContext carries one opaque binary frame.
type BinaryContext struct {
	replyState
	data []byte
}

// Data returns the frame content.
func (c *BinaryContext) Data() []byte { return c.data }

// Acknowledge marks the frame processed and emits the processing metric.
func (c *BinaryContext) Acknowledge() {
	if c.processed.CompareAndSwap(false, true) {
		c.finish(map[string]any{"format": "binary"})
	}
}
