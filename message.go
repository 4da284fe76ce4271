package starling

import (
	"encoding/json"
	"fmt"
	"time"
)

// Protocol is the identifier carried by every protocol frame.
const Protocol = "helios-starling"

// Version is the protocol version stamped on outbound messages.
const Version = "1.0.0"

// MaxMessageSize is the default cap on the serialized size of a single
// frame, in bytes.
const MaxMessageSize = 1 << 20

// MaxNameLength bounds method and topic names.
const MaxNameLength = 128

// MaxErrorMessageLength bounds the message field of an error detail.
const MaxErrorMessageLength = 1024

// A Kind identifies the variant of a protocol message.
type Kind string

// The message kinds defined by the protocol.
const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindError        Kind = "error"
	KindAck          Kind = "ack"
	KindPing         Kind = "ping"
)

// peerFalse is the normalized wire form of an absent peer marker.
var peerFalse = json.RawMessage("false")

// A Message is the transmission format of a protocol frame. The universal
// envelope fields are always present; the remaining fields are set according
// to Type. Payload, Data and Details are opaque JSON values preserved
// verbatim.
type Message struct {
	Protocol  string          `json:"protocol"`
	Version   string          `json:"version"`
	Timestamp int64           `json:"timestamp"`
	Type      Kind            `json:"type"`
	Peer      json.RawMessage `json:"peer,omitempty"`

	RequestID string          `json:"requestId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`

	Notification *Notification `json:"notification,omitempty"`

	MessageID string `json:"messageId,omitempty"`
}

// An ErrorDetail is the error object carried by failed responses and by
// top-level error messages. Severity is set only on top-level errors.
type ErrorDetail struct {
	Severity string          `json:"severity,omitempty"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Details  json.RawMessage `json:"details,omitempty"`
}

// A Notification is the body of a notification message. Topic is empty for
// request-correlated notifications that address no topic.
type Notification struct {
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Relayed reports whether m carries a peer marker other than false, meaning
// the frame is being relayed on behalf of a third party.
func (m *Message) Relayed() bool {
	s := string(m.Peer)
	return s != "" && s != "false" && s != "null"
}

// Size reports the length in bytes of the serialized form of m.
func (m *Message) Size() int {
	bits, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(bits)
}

// Encode serializes m as compact JSON.
func Encode(m *Message) ([]byte, error) { return json.Marshal(m) }

// marshalValue renders an arbitrary payload value to raw JSON. A nil value
// yields nil, and raw JSON passes through unmodified.
func marshalValue(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	default:
		return json.Marshal(v)
	}
}

func newEnvelope(kind Kind) Message {
	return Message{
		Protocol:  Protocol,
		Version:   Version,
		Timestamp: time.Now().UnixMilli(),
		Type:      kind,
	}
}

// NewRequest constructs a request message for the given method and payload.
func NewRequest(requestID, method string, payload any) (*Message, error) {
	bits, err := marshalValue(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	m := newEnvelope(KindRequest)
	m.RequestID = requestID
	m.Method = method
	m.Payload = bits
	return &m, nil
}

// NewSuccessResponse constructs a successful response for requestID.
func NewSuccessResponse(requestID string, data any) (*Message, error) {
	bits, err := marshalValue(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling data: %w", err)
	}
	ok := true
	m := newEnvelope(KindResponse)
	m.RequestID = requestID
	m.Success = &ok
	m.Data = bits
	return &m, nil
}

// NewErrorResponse constructs a failed response for requestID.
func NewErrorResponse(requestID string, code ErrorCode, message string, details any) (*Message, error) {
	bits, err := marshalValue(details)
	if err != nil {
		return nil, fmt.Errorf("marshaling details: %w", err)
	}
	no := false
	m := newEnvelope(KindResponse)
	m.RequestID = requestID
	m.Success = &no
	m.Error = &ErrorDetail{Code: string(code), Message: message, Details: bits}
	return &m, nil
}

// NewNotification constructs a notification message. The topic may be empty
// for request-correlated notifications; requestID may be empty for
// topic-only notifications.
func NewNotification(topic string, data any, requestID string) (*Message, error) {
	bits, err := marshalValue(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling data: %w", err)
	}
	m := newEnvelope(KindNotification)
	m.RequestID = requestID
	m.Notification = &Notification{Topic: topic, Data: bits}
	return &m, nil
}

// NewErrorMessage constructs a top-level error message with the given
// severity, one of SeverityProtocol or SeverityApplication.
func NewErrorMessage(severity string, code ErrorCode, message string, details any) (*Message, error) {
	bits, err := marshalValue(details)
	if err != nil {
		return nil, fmt.Errorf("marshaling details: %w", err)
	}
	m := newEnvelope(KindError)
	m.Error = &ErrorDetail{Severity: severity, Code: string(code), Message: message, Details: bits}
	return &m, nil
}

// NewAck constructs an acknowledgement for messageID.
func NewAck(messageID string) *Message {
	m := newEnvelope(KindAck)
	m.MessageID = messageID
	return &m
}

// NewPing constructs a ping message.
func NewPing() *Message {
	m := newEnvelope(KindPing)
	return &m
}

// Error severities for top-level error messages.
const (
	SeverityProtocol    = "protocol"
	SeverityApplication = "application"
)
