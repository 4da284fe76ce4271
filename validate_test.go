package starling

import (
	"encoding/json"
	"strings"
	"testing"
)

func baseMessage(kind Kind) *Message {
	return &Message{
		Protocol:  Protocol,
		Version:   Version,
		Timestamp: 1700000000000,
		Type:      kind,
		Peer:      json.RawMessage("false"),
	}
}

func TestValidateBase(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Message)
		want   int // number of violations
	}{
		{"valid", func(*Message) {}, 0},
		{"wrong-protocol", func(m *Message) { m.Protocol = "helios" }, 1},
		{"bad-version", func(m *Message) { m.Version = "1.0" }, 1},
		{"negative-timestamp", func(m *Message) { m.Timestamp = -5 }, 1},
		{"missing-type", func(m *Message) { m.Type = "" }, 1},
		{"unknown-type", func(m *Message) { m.Type = "gossip" }, 1},
		{"bad-peer", func(m *Message) { m.Peer = json.RawMessage(`true`) }, 1},
		{"peer-mapping", func(m *Message) { m.Peer = json.RawMessage(`{"origin":"n1"}`) }, 0},
		{"everything-wrong", func(m *Message) {
			m.Protocol, m.Version, m.Timestamp, m.Type = "x", "y", -1, "z"
		}, 4},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := baseMessage(KindPing)
			test.mutate(m)
			v := ValidateBase(m)
			if len(v) != test.want {
				t.Errorf("Got %d violations, want %d: %v", len(v), test.want, v)
			}
		})
	}
}

func TestValidateRequest(t *testing.T) {
	valid := func() *Message {
		m := baseMessage(KindRequest)
		m.RequestID = testUUID
		m.Method = "users:getProfile"
		return m
	}
	tests := []struct {
		name   string
		mutate func(*Message)
		want   int
	}{
		{"valid", func(*Message) {}, 0},
		{"missing-id", func(m *Message) { m.RequestID = "" }, 1},
		{"malformed-id", func(m *Message) { m.RequestID = "not-a-uuid" }, 1},
		{"missing-method", func(m *Message) { m.Method = "" }, 1},
		{"no-namespace", func(m *Message) { m.Method = "getProfile" }, 1},
		{"bad-segment", func(m *Message) { m.Method = "users:9lives" }, 1},
		{"overlong-method", func(m *Message) {
			m.Method = "ns:" + strings.Repeat("a", MaxNameLength)
		}, 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := valid()
			test.mutate(m)
			v := ValidateRequest(m)
			if len(v) != test.want {
				t.Errorf("Got %d violations, want %d: %v", len(v), test.want, v)
			}
		})
	}
}

func TestValidateResponse(t *testing.T) {
	valid := func(ok bool) *Message {
		m := baseMessage(KindResponse)
		m.RequestID = testUUID
		m.Success = &ok
		if !ok {
			m.Error = &ErrorDetail{Code: "METHOD_ERROR", Message: "boom"}
		}
		return m
	}
	t.Run("success", func(t *testing.T) {
		if v := ValidateResponse(valid(true)); !v.OK() {
			t.Errorf("Unexpected violations: %v", v)
		}
	})
	t.Run("failure", func(t *testing.T) {
		if v := ValidateResponse(valid(false)); !v.OK() {
			t.Errorf("Unexpected violations: %v", v)
		}
	})
	t.Run("missing-success", func(t *testing.T) {
		m := valid(true)
		m.Success = nil
		if v := ValidateResponse(m); len(v) != 1 {
			t.Errorf("Got %d violations, want 1: %v", len(v), v)
		}
	})
	t.Run("success-with-error", func(t *testing.T) {
		m := valid(true)
		m.Error = &ErrorDetail{Code: "X", Message: "y"}
		if v := ValidateResponse(m); len(v) != 1 {
			t.Errorf("Got %d violations, want 1: %v", len(v), v)
		}
	})
	t.Run("failure-without-error", func(t *testing.T) {
		m := valid(false)
		m.Error = nil
		if v := ValidateResponse(m); len(v) != 1 {
			t.Errorf("Got %d violations, want 1: %v", len(v), v)
		}
	})
	t.Run("empty-error-fields", func(t *testing.T) {
		m := valid(false)
		m.Error = &ErrorDetail{}
		if v := ValidateResponse(m); len(v) != 2 {
			t.Errorf("Got %d violations, want 2: %v", len(v), v)
		}
	})
	t.Run("overlong-error-message", func(t *testing.T) {
		m := valid(false)
		m.Error.Message = strings.Repeat("x", MaxErrorMessageLength+1)
		if v := ValidateResponse(m); len(v) != 1 {
			t.Errorf("Got %d violations, want 1: %v", len(v), v)
		}
	})
	t.Run("null-details", func(t *testing.T) {
		m := valid(false)
		m.Error.Details = json.RawMessage("null")
		if v := ValidateResponse(m); len(v) != 1 {
			t.Errorf("Got %d violations, want 1: %v", len(v), v)
		}
	})
}

func TestValidateNotification(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Message)
		want   int
	}{
		{"topic-only", func(m *Message) {
			m.Notification = &Notification{Topic: "user:presence"}
		}, 0},
		{"request-correlated", func(m *Message) {
			m.RequestID = testUUID
			m.Notification = &Notification{Data: json.RawMessage(`{"type":"progress"}`)}
		}, 0},
		{"correlated-progress-topic", func(m *Message) {
			// A progress channel name is not a subscribable topic; the
			// correlation id makes it acceptable.
			m.RequestID = testUUID
			m.Notification = &Notification{
				Topic: testUUID + ":progress",
				Data:  json.RawMessage(`{"type":"progress","progress":25}`),
			}
		}, 0},
		{"uncorrelated-progress-topic", func(m *Message) {
			m.Notification = &Notification{Topic: testUUID + ":progress"}
		}, 1},
		{"missing-body", func(*Message) {}, 1},
		{"wildcard-in-topic", func(m *Message) {
			m.Notification = &Notification{Topic: "user:*"}
		}, 1},
		{"malformed-topic", func(m *Message) {
			m.Notification = &Notification{Topic: "user::presence"}
		}, 1},
		{"bad-request-id", func(m *Message) {
			m.RequestID = "nope"
			m.Notification = &Notification{Topic: "user:presence"}
		}, 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := baseMessage(KindNotification)
			test.mutate(m)
			v := ValidateNotification(m)
			if len(v) != test.want {
				t.Errorf("Got %d violations, want %d: %v", len(v), test.want, v)
			}
		})
	}
}

func TestValidateErrorMessage(t *testing.T) {
	valid := func() *Message {
		m := baseMessage(KindError)
		m.Error = &ErrorDetail{Severity: SeverityProtocol, Code: "PROTOCOL_VIOLATION", Message: "bad"}
		return m
	}
	t.Run("valid", func(t *testing.T) {
		if v := ValidateErrorMessage(valid()); !v.OK() {
			t.Errorf("Unexpected violations: %v", v)
		}
	})
	t.Run("bad-severity", func(t *testing.T) {
		m := valid()
		m.Error.Severity = "fatal"
		if v := ValidateErrorMessage(m); len(v) != 1 {
			t.Errorf("Got %d violations, want 1: %v", len(v), v)
		}
	})
	t.Run("missing-error", func(t *testing.T) {
		m := valid()
		m.Error = nil
		if v := ValidateErrorMessage(m); len(v) != 1 {
			t.Errorf("Got %d violations, want 1: %v", len(v), v)
		}
	})
}

func TestValidateAck(t *testing.T) {
	m := baseMessage(KindAck)
	m.MessageID = testUUID
	if v := ValidateAck(m); !v.OK() {
		t.Errorf("Unexpected violations: %v", v)
	}
	m.MessageID = "bogus"
	if v := ValidateAck(m); len(v) != 1 {
		t.Errorf("Got %d violations, want 1: %v", len(v), v)
	}
}

func TestValidateMethodName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"users:getProfile", true},
		{"a:b", true},
		{"svc_v2:list:all", true},
		{"", false},
		{"users", false},
		{"users:", false},
		{":getProfile", false},
		{"users:get profile", false},
		{"2fast:run", false},
		{"system:anything", false},
		{"internal:x", false},
		{"stream:open", false},
		{"helios:boot", false},
		{"ns:" + strings.Repeat("a", MaxNameLength), false},
	}
	for _, test := range tests {
		if got := ValidateMethodName(test.name).OK(); got != test.ok {
			t.Errorf("ValidateMethodName(%q): got ok=%v, want %v", test.name, got, test.ok)
		}
	}
}

func TestValidateTopicName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"user", true},
		{"user:presence", true},
		{"a:b:c:d", true},
		{"", false},
		{"user:*", false},
		{"*", false},
		{"user::presence", false},
		{"9user:presence", false},
	}
	for _, test := range tests {
		if got := ValidateTopicName(test.name).OK(); got != test.ok {
			t.Errorf("ValidateTopicName(%q): got ok=%v, want %v", test.name, got, test.ok)
		}
	}
}
