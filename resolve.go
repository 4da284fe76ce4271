package starling

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// A Format classifies an inbound frame.
type Format int

// The frame formats distinguished by Resolve.
const (
	FormatBinary   Format = iota // opaque binary frame
	FormatText                   // text that is not valid JSON
	FormatJSON                   // valid JSON without the protocol marker
	FormatProtocol               // a validated protocol frame
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatText:
		return "text"
	case FormatJSON:
		return "json"
	case FormatProtocol:
		return "protocol"
	}
	return "unknown"
}

// ResolveOptions control frame classification. A nil *ResolveOptions
// provides the defaults: strict validation, no custom types, and the
// default size cap.
type ResolveOptions struct {
	// Relaxed disables strict per-type validation of protocol frames.
	// Strict validation is the default.
	Relaxed bool

	// AllowCustomTypes admits protocol frames whose type is not one of the
	// defined kinds instead of reporting a violation.
	AllowCustomTypes bool

	// MaxMessageSize caps the frame size in bytes. Zero means the package
	// default (1 MiB); a negative value disables the check.
	MaxMessageSize int
}

func (o *ResolveOptions) strict() bool { return o == nil || !o.Relaxed }

func (o *ResolveOptions) allowCustomTypes() bool { return o != nil && o.AllowCustomTypes }

func (o *ResolveOptions) maxMessageSize() int {
	if o == nil || o.MaxMessageSize == 0 {
		return MaxMessageSize
	}
	return o.MaxMessageSize
}

// A Resolution is the result of classifying one inbound frame. The frame is
// classified exactly once; the On* methods dispatch the already-classified
// content to typed handlers synchronously, in call order. When the frame
// carries violations, only OnViolation fires; the typed handlers are
// suppressed.
type Resolution struct {
	// Format is the classification of the frame.
	Format Format

	// Message is the decoded protocol frame, set when Format is
	// FormatProtocol.
	Message *Message

	// Violations is non-empty when the frame claimed the protocol marker
	// but failed validation.
	Violations Violations

	raw []byte
}

// Resolve classifies one raw frame. The binary flag mirrors the transport's
// own text/binary distinction: binary frames are never parsed.
func Resolve(raw []byte, binary bool, opts *ResolveOptions) *Resolution {
	r := &Resolution{raw: raw}
	if binary {
		r.Format = FormatBinary
		return r
	}
	if max := opts.maxMessageSize(); max > 0 && len(raw) > max {
		r.Format = FormatProtocol
		r.Violations = Violations{"message exceeds maximum size"}
		return r
	}
	if !utf8.Valid(raw) {
		r.Format = FormatBinary
		return r
	}

	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		if !json.Valid(raw) {
			r.Format = FormatText
			return r
		}
		// Valid JSON that does not decode into the envelope. A frame that
		// still claims the protocol marker is a malformed protocol frame,
		// not foreign JSON.
		if claimsProtocol(raw) {
			r.Format = FormatProtocol
			r.Violations = Violations{fmt.Sprintf("malformed protocol frame: %v", err)}
			return r
		}
		r.Format = FormatJSON
		return r
	}
	if m.Protocol != Protocol {
		r.Format = FormatJSON
		return r
	}

	r.Format = FormatProtocol
	r.Message = &m
	if opts.strict() {
		v := validateKind(&m)
		if opts.allowCustomTypes() {
			v = filterUnknownType(&m, v)
		}
		r.Violations = v
	} else {
		// Base envelope checks still apply so the peer marker is normalized
		// and the type is known.
		v := ValidateBase(&m)
		if opts.allowCustomTypes() {
			v = filterUnknownType(&m, v)
		}
		r.Violations = v
	}
	return r
}

// claimsProtocol reports whether raw is a JSON object whose protocol field
// carries the protocol marker, regardless of the types of its other fields.
func claimsProtocol(raw []byte) bool {
	var probe struct {
		Protocol string `json:"protocol"`
	}
	return json.Unmarshal(raw, &probe) == nil && probe.Protocol == Protocol
}

// filterUnknownType drops the unknown-type violation when custom types are
// admitted, leaving every other violation in place.
func filterUnknownType(m *Message, v Violations) Violations {
	switch m.Type {
	case KindRequest, KindResponse, KindNotification, KindError, KindAck, KindPing, "":
		return v
	}
	keep := v[:0]
	for _, s := range v {
		if !strings.Contains(s, "unknown message type") {
			keep = append(keep, s)
		}
	}
	if len(keep) == 0 {
		return nil
	}
	return keep
}

// Binary returns the raw bytes of a binary frame.
func (r *Resolution) Binary() []byte { return r.raw }

// Text returns the frame as a string.
func (r *Resolution) Text() string { return string(r.raw) }

// JSON returns the raw frame as a JSON value.
func (r *Resolution) JSON() json.RawMessage { return json.RawMessage(r.raw) }

func (r *Resolution) clean() bool { return len(r.Violations) == 0 }

// OnViolation invokes f with the violation list if the frame failed
// validation.
func (r *Resolution) OnViolation(f func(Violations)) *Resolution {
	if len(r.Violations) != 0 {
		f(r.Violations)
	}
	return r
}

// OnBinary invokes f for binary frames.
func (r *Resolution) OnBinary(f func([]byte)) *Resolution {
	if r.Format == FormatBinary && r.clean() {
		f(r.raw)
	}
	return r
}

// OnText invokes f for text frames that are not valid JSON.
func (r *Resolution) OnText(f func(string)) *Resolution {
	if r.Format == FormatText && r.clean() {
		f(string(r.raw))
	}
	return r
}

// OnJSON invokes f for JSON frames that do not carry the protocol marker.
func (r *Resolution) OnJSON(f func(json.RawMessage)) *Resolution {
	if r.Format == FormatJSON && r.clean() {
		f(json.RawMessage(r.raw))
	}
	return r
}

func (r *Resolution) onKind(kind Kind, f func(*Message)) *Resolution {
	if r.Format == FormatProtocol && r.clean() && r.Message != nil && r.Message.Type == kind {
		f(r.Message)
	}
	return r
}

// OnRequest invokes f for validated request frames.
func (r *Resolution) OnRequest(f func(*Message)) *Resolution { return r.onKind(KindRequest, f) }

// OnResponse invokes f for validated response frames.
func (r *Resolution) OnResponse(f func(*Message)) *Resolution { return r.onKind(KindResponse, f) }

// OnNotification invokes f for validated notification frames.
func (r *Resolution) OnNotification(f func(*Message)) *Resolution {
	return r.onKind(KindNotification, f)
}

// OnErrorMessage invokes f for validated top-level error frames.
func (r *Resolution) OnErrorMessage(f func(*Message)) *Resolution { return r.onKind(KindError, f) }

// OnAck invokes f for validated acknowledgement frames.
func (r *Resolution) OnAck(f func(*Message)) *Resolution { return r.onKind(KindAck, f) }

// OnPing invokes f for ping frames.
func (r *Resolution) OnPing(f func(*Message)) *Resolution { return r.onKind(KindPing, f) }
