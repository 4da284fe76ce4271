package starling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// An ErrorCode is a protocol error code. The kernel produces only the codes
// defined below; application codes are opaque strings carried through
// unmodified.
type ErrorCode string

// Error codes produced by the kernel.
const (
	CodeProtocolInvalidMessage  ErrorCode = "PROTOCOL_INVALID_MESSAGE"
	CodeProtocolVersionMismatch ErrorCode = "PROTOCOL_VERSION_MISMATCH"
	CodeProtocolViolation       ErrorCode = "PROTOCOL_VIOLATION"
	CodeMethodNotFound          ErrorCode = "METHOD_NOT_FOUND"
	CodeMethodError             ErrorCode = "METHOD_ERROR"
	CodeRequestInvalid          ErrorCode = "REQUEST_INVALID"
	CodeRequestTimeout          ErrorCode = "REQUEST_TIMEOUT"
	CodeRequestCancelled        ErrorCode = "REQUEST_CANCELLED"
	CodeQueueRetryExceeded      ErrorCode = "QUEUE_RETRY_EXCEEDED"
	CodeQueueDrainTimeout       ErrorCode = "QUEUE_DRAIN_TIMEOUT"
	CodeValidationError         ErrorCode = "VALIDATION_ERROR"
	CodeInternalError           ErrorCode = "INTERNAL_ERROR"
	CodeProxyForbidden          ErrorCode = "PROXY_FORBIDDEN"
	CodeProxyTimeout            ErrorCode = "PROXY_TIMEOUT"
	CodeProxyError              ErrorCode = "PROXY_ERROR"
)

// Error is the concrete type of errors produced by the kernel and of remote
// failures surfaced to request callers.
type Error struct {
	Code    ErrorCode
	Message string

	data  json.RawMessage
	cause error
}

// Error renders e to a human-readable string for the error interface.
func (e *Error) Error() string { return fmt.Sprintf("[%s] %s", e.Code, e.Message) }

// Unwrap returns the underlying cause of e, if any.
func (e *Error) Unwrap() error { return e.cause }

// HasData reports whether e carries a details value.
func (e *Error) HasData() bool { return len(e.data) != 0 }

// UnmarshalData decodes the details associated with e into v. It returns
// ErrNoData without modifying v if e carries no details.
func (e *Error) UnmarshalData(v any) error {
	if !e.HasData() {
		return ErrNoData
	}
	return json.Unmarshal(e.data, v)
}

// Data returns the raw details attached to e, or nil.
func (e *Error) Data() json.RawMessage { return e.data }

// WithData returns a copy of e carrying the given raw details.
func (e *Error) WithData(data json.RawMessage) *Error {
	cp := *e
	cp.data = data
	return &cp
}

// WithCause returns a copy of e wrapping the given cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// Errorf returns an error of concrete type *Error with the specified code
// and formatted message.
func Errorf(code ErrorCode, msg string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(msg, args...)}
}

// fromDetail converts a wire-format error detail into an *Error.
func fromDetail(d *ErrorDetail) *Error {
	if d == nil {
		return nil
	}
	return &Error{Code: ErrorCode(d.Code), Message: d.Message, data: d.Details}
}

// toDetail renders err as a wire error detail. Errors of concrete type
// *Error keep their code and details; anything else is reported under the
// fallback code.
func toDetail(err error, fallback ErrorCode) *ErrorDetail {
	var e *Error
	if errors.As(err, &e) {
		return &ErrorDetail{Code: string(e.Code), Message: e.Message, Details: e.data}
	}
	return &ErrorDetail{Code: string(fallback), Message: err.Error()}
}

// ErrNoData indicates that there are no details to unmarshal.
var ErrNoData = errors.New("no data to unmarshal")

// ErrNodeStopped is reported by Node.Wait when the node was shut down by an
// explicit call to its Stop method.
var ErrNodeStopped = errors.New("the node has been stopped")

// ErrNotConnected is reported by operations that require a live channel.
var ErrNotConnected = errors.New("node is not connected")

// ErrQueueFull is reported by Enqueue when the queue is at capacity and the
// overflow policy is OnFullError.
var ErrQueueFull = errors.New("request queue is full")

// ErrBufferFull is reported by the send buffer when it is at capacity and
// the overflow policy is OnFullError.
var ErrBufferFull = errors.New("send buffer is full")

// ErrAlreadyProcessed is reported by a context reply method invoked after
// the context has already produced its terminal reply.
var ErrAlreadyProcessed = errors.New("context has already been processed")
