package starling

import (
	"encoding/json"
	"sync"
	"testing"
)

func notificationFrame(topic, data string) []byte {
	frame := `{"protocol":"helios-starling","version":"1.0.0","timestamp":1,` +
		`"type":"notification","notification":{"topic":"` + topic + `"`
	if data != "" {
		frame += `,"data":` + data
	}
	return []byte(frame + `}}`)
}

func TestTopicPatternMatching(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"user:presence", "user:presence", true},
		{"user:presence", "user:absence", false},
		{"user:*", "user:presence", true},
		{"user:*", "user:presence:changed", false}, // * is exactly one segment
		{"user:*", "user", false},                  // * never matches zero segments
		{"*:presence", "user:presence", true},
		{"*:presence", "bot:presence", true},
		{"user:*:changed", "user:presence:changed", true},
		{"user:*:changed", "user:changed", false},
		{"*", "user", true},
		{"*", "user:presence", false},
	}
	for _, test := range tests {
		re, err := compileTopicPattern(test.pattern)
		if err != nil {
			t.Fatalf("compileTopicPattern(%q): %v", test.pattern, err)
		}
		if got := re.MatchString(test.topic); got != test.want {
			t.Errorf("Pattern %q vs topic %q: got %v, want %v", test.pattern, test.topic, got, test.want)
		}
	}
}

func TestSubscribeInvalid(t *testing.T) {
	n, _ := newTestNode(t, nil)
	for _, pattern := range []string{"", "user::presence", "user:presence changed", "9bad:topic"} {
		if _, err := n.Subscribe(pattern, func(*NotificationContext) {}, nil); err == nil {
			t.Errorf("Subscribe(%q): unexpectedly succeeded", pattern)
		}
	}
	if _, err := n.Subscribe("user:presence", nil, nil); err == nil {
		t.Error("Subscribe with nil handler unexpectedly succeeded")
	}
}

func TestTopicDispatchOrder(t *testing.T) {
	n, _ := newTestNode(t, nil)

	var mu sync.Mutex
	var order []string
	record := func(name string) TopicHandler {
		return func(*NotificationContext) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}
	n.Subscribe("user:presence", record("low"), &SubscribeOptions{Priority: 0})
	n.Subscribe("user:*", record("high"), &SubscribeOptions{Priority: 10})
	n.Subscribe("user:presence", record("mid"), &SubscribeOptions{Priority: 5})
	n.Subscribe("bot:*", record("unrelated"), &SubscribeOptions{Priority: 99})

	n.Deliver(notificationFrame("user:presence", `{"online":true}`), false)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "mid", "low"}
	if len(order) != len(want) {
		t.Fatalf("Handled by %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Dispatch order: got %v, want %v", order, want)
		}
	}
}

func TestTopicFilter(t *testing.T) {
	n, _ := newTestNode(t, nil)

	var got []string
	n.Subscribe("user:presence", func(ctx *NotificationContext) {
		got = append(got, string(ctx.Data()))
	}, &SubscribeOptions{Filter: func(data json.RawMessage) bool {
		return len(data) > 0 && string(data) != `{"online":false}`
	}})

	n.Deliver(notificationFrame("user:presence", `{"online":true}`), false)
	n.Deliver(notificationFrame("user:presence", `{"online":false}`), false)

	if len(got) != 1 || got[0] != `{"online":true}` {
		t.Errorf("Filtered deliveries: got %v", got)
	}
}

func TestTopicHandlerPanicContained(t *testing.T) {
	n, _ := newTestNode(t, nil)
	log := &eventLog{}
	log.attach(n.Events())

	var delivered bool
	n.Subscribe("user:presence", func(*NotificationContext) { panic("handler bug") },
		&SubscribeOptions{Priority: 1})
	n.Subscribe("user:presence", func(*NotificationContext) { delivered = true }, nil)

	n.Deliver(notificationFrame("user:presence", `{}`), false)
	if !delivered {
		t.Error("Second handler did not run after the first panicked")
	}
	if !log.has(EventTopicError) {
		t.Error("No topic:error event for the panicking handler")
	}
}

func TestSubscriptionOff(t *testing.T) {
	n, _ := newTestNode(t, nil)
	var count int
	sub, err := n.Subscribe("user:presence", func(*NotificationContext) { count++ }, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	n.Deliver(notificationFrame("user:presence", `{}`), false)
	sub.Off()
	sub.Off() // idempotent
	n.Deliver(notificationFrame("user:presence", `{}`), false)

	if count != 1 {
		t.Errorf("Deliveries: got %d, want 1", count)
	}
}

func TestEphemeralSubscriptionsDropOnDisconnect(t *testing.T) {
	n, remote := newTestNode(t, nil)
	n.Subscribe("audit:*", func(*NotificationContext) {}, &SubscribeOptions{Persistent: true})
	n.Subscribe("user:presence", func(*NotificationContext) {}, nil)
	if got := n.topics.Count(); got != 2 {
		t.Fatalf("Count: got %d, want 2", got)
	}

	remote.Close()
	waitFor(t, "ephemeral drop", func() bool { return n.topics.Count() == 1 })
}
