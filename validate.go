package starling

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var (
	versionRE = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	methodRE  = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(?::[a-zA-Z][a-zA-Z0-9_]*)+$`)
	topicRE   = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(?::[a-zA-Z][a-zA-Z0-9_]*)*$`)

	// topicPatternRE additionally admits * as a whole-segment wildcard.
	topicPatternRE = regexp.MustCompile(`^(?:[a-zA-Z][a-zA-Z0-9_]*|\*)(?::(?:[a-zA-Z][a-zA-Z0-9_]*|\*))*$`)
)

// reservedNamespaces are method namespaces the kernel keeps for itself.
// User registration into these namespaces is rejected.
var reservedNamespaces = map[string]bool{
	"system":   true,
	"internal": true,
	"stream":   true,
	"helios":   true,
}

// Violations is the accumulated list of constraint violations found by a
// validator. Validators report every violation they find rather than
// stopping at the first.
type Violations []string

// OK reports whether no violations were found.
func (v Violations) OK() bool { return len(v) == 0 }

func (v *Violations) addf(msg string, args ...any) { *v = append(*v, fmt.Sprintf(msg, args...)) }

// ValidateBase checks the universal envelope fields of m. As a side effect
// it normalizes an absent peer marker to false, so downstream code can read
// the field uniformly.
func ValidateBase(m *Message) Violations {
	var v Violations
	if m == nil {
		v.addf("message is missing")
		return v
	}
	if m.Protocol != Protocol {
		v.addf("protocol: expected %q, got %q", Protocol, m.Protocol)
	}
	if !versionRE.MatchString(m.Version) {
		v.addf("version: %q is not a MAJOR.MINOR.PATCH version", m.Version)
	}
	if m.Timestamp < 0 {
		v.addf("timestamp: must be a non-negative Unix millisecond value")
	}
	switch m.Type {
	case KindRequest, KindResponse, KindNotification, KindError, KindAck, KindPing:
	case "":
		v.addf("type: field is missing")
	default:
		v.addf("type: unknown message type %q", m.Type)
	}
	if len(m.Peer) == 0 {
		m.Peer = peerFalse
	} else if s := string(m.Peer); s != "false" && s != "null" && s[0] != '{' {
		v.addf("peer: must be false or a mapping")
	}
	return v
}

// ValidateRequest checks the request-specific fields of m.
func ValidateRequest(m *Message) Violations {
	v := ValidateBase(m)
	if m == nil {
		return v
	}
	if m.RequestID == "" {
		v.addf("requestId: field is missing")
	} else if uuid.Validate(m.RequestID) != nil {
		v.addf("requestId: %q is not a valid UUID", m.RequestID)
	}
	if m.Method == "" {
		v.addf("method: field is missing")
	} else if !methodRE.MatchString(m.Method) || len(m.Method) > MaxNameLength {
		v.addf("method: %q is not a valid method name", m.Method)
	}
	return v
}

// ValidateResponse checks the response-specific fields of m.
func ValidateResponse(m *Message) Violations {
	v := ValidateBase(m)
	if m == nil {
		return v
	}
	if m.RequestID == "" {
		v.addf("requestId: field is missing")
	} else if uuid.Validate(m.RequestID) != nil {
		v.addf("requestId: %q is not a valid UUID", m.RequestID)
	}
	if m.Success == nil {
		v.addf("success: field is missing")
		return v
	}
	if *m.Success {
		if m.Error != nil {
			v.addf("error: must not be present on a successful response")
		}
	} else {
		if m.Error == nil {
			v.addf("error: field is required on a failed response")
		} else {
			v = append(v, validateErrorDetail(m.Error)...)
		}
	}
	return v
}

// ValidateNotification checks the notification-specific fields of m. The
// subscribable-topic grammar applies only to uncorrelated notifications:
// request-correlated ones use the topic as a private channel name (for
// example {requestId}:progress), which no subscriber can address.
func ValidateNotification(m *Message) Violations {
	v := ValidateBase(m)
	if m == nil {
		return v
	}
	if m.Notification == nil {
		v.addf("notification: field is missing")
		return v
	}
	if t := m.Notification.Topic; t != "" && m.RequestID == "" && (!topicRE.MatchString(t) || len(t) > MaxNameLength) {
		v.addf("notification.topic: %q is not a valid topic name", t)
	}
	if m.RequestID != "" && uuid.Validate(m.RequestID) != nil {
		v.addf("requestId: %q is not a valid UUID", m.RequestID)
	}
	return v
}

// ValidateErrorMessage checks a top-level error message.
func ValidateErrorMessage(m *Message) Violations {
	v := ValidateBase(m)
	if m == nil {
		return v
	}
	if m.Error == nil {
		v.addf("error: field is missing")
		return v
	}
	if s := m.Error.Severity; s != SeverityProtocol && s != SeverityApplication {
		v.addf("error.severity: must be %q or %q", SeverityProtocol, SeverityApplication)
	}
	v = append(v, validateErrorDetail(m.Error)...)
	return v
}

// ValidateAck checks an acknowledgement message.
func ValidateAck(m *Message) Violations {
	v := ValidateBase(m)
	if m == nil {
		return v
	}
	if m.MessageID == "" {
		v.addf("messageId: field is missing")
	} else if uuid.Validate(m.MessageID) != nil {
		v.addf("messageId: %q is not a valid UUID", m.MessageID)
	}
	return v
}

func validateErrorDetail(d *ErrorDetail) Violations {
	var v Violations
	const prefix = "error"
	if d.Code == "" {
		v.addf("%s.code: must be a non-empty string", prefix)
	}
	if d.Message == "" {
		v.addf("%s.message: must be a non-empty string", prefix)
	} else if len(d.Message) > MaxErrorMessageLength {
		v.addf("%s.message: exceeds %d bytes", prefix, MaxErrorMessageLength)
	}
	if d.Details != nil && string(d.Details) == "null" {
		v.addf("%s.details: must not be null when present", prefix)
	}
	return v
}

// validateKind applies the type-specific validator for m.Type. Unknown types
// already fail ValidateBase.
func validateKind(m *Message) Violations {
	switch m.Type {
	case KindRequest:
		return ValidateRequest(m)
	case KindResponse:
		return ValidateResponse(m)
	case KindNotification:
		return ValidateNotification(m)
	case KindError:
		return ValidateErrorMessage(m)
	case KindAck:
		return ValidateAck(m)
	default:
		return ValidateBase(m)
	}
}

// ValidateMethodName checks that name is a well-formed, non-reserved method
// name of the form namespace:action.
func ValidateMethodName(name string) Violations {
	var v Violations
	if name == "" {
		v.addf("method name is empty")
		return v
	}
	if len(name) > MaxNameLength {
		v.addf("method name exceeds %d characters", MaxNameLength)
	}
	if !methodRE.MatchString(name) {
		v.addf("method name %q must match namespace:action", name)
		return v
	}
	if ns := namespaceOf(name); reservedNamespaces[ns] {
		v.addf("namespace %q is reserved", ns)
	}
	return v
}

// ValidateTopicName checks that name is a well-formed topic name without
// wildcards.
func ValidateTopicName(name string) Violations {
	var v Violations
	if name == "" {
		v.addf("topic name is empty")
		return v
	}
	if len(name) > MaxNameLength {
		v.addf("topic name exceeds %d characters", MaxNameLength)
	}
	if !topicRE.MatchString(name) {
		v.addf("topic name %q is malformed", name)
	}
	return v
}

// sameMajorVersion reports whether v shares the package Version's major
// component. Minor and patch differences are interoperable; major ones are
// not.
func sameMajorVersion(v string) bool { return majorOf(v) == majorOf(Version) }

func majorOf(v string) string {
	for i := 0; i < len(v); i++ {
		if v[i] == '.' {
			return v[:i]
		}
	}
	return v
}

func namespaceOf(method string) string {
	for i := 0; i < len(method); i++ {
		if method[i] == ':' {
			return method[:i]
		}
	}
	return method
}
