package starling

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"encoding/json"
)

// A TopicHandler receives one matched notification.
type TopicHandler func(*NotificationContext)

// SubscribeOptions control one topic subscription. A nil *SubscribeOptions
// provides the defaults: non-persistent, priority 0, no filter.
type SubscribeOptions struct {
	// Persistent subscriptions survive disconnects; non-persistent ones
	// are discarded when the connection drops.
	Persistent bool

	// Priority orders handler invocation for one notification, highest
	// first. Equal priorities run in registration order.
	Priority int

	// Filter, if set, gates delivery on the notification body.
	Filter func(json.RawMessage) bool
}

func (o *SubscribeOptions) persistent() bool { return o != nil && o.Persistent }

func (o *SubscribeOptions) priority() int {
	if o == nil {
		return 0
	}
	return o.Priority
}

func (o *SubscribeOptions) filter() func(json.RawMessage) bool {
	if o == nil {
		return nil
	}
	return o.Filter
}

// A Subscription is the handle returned by Subscribe. Off removes it.
type Subscription struct {
	registry   *topicsRegistry
	id         int64
	pattern    string
	re         *regexp.Regexp
	handler    TopicHandler
	persistent bool
	priority   int
	filter     func(json.RawMessage) bool
}

// Pattern returns the topic or pattern this subscription matches.
func (s *Subscription) Pattern() string { return s.pattern }

// Off removes the subscription. It is safe to call more than once.
func (s *Subscription) Off() { s.registry.remove(s.id) }

// compileTopicPattern builds the matcher for a topic pattern: each *
// matches exactly one segment, never zero and never several.
func compileTopicPattern(pattern string) (*regexp.Regexp, error) {
	segs := strings.Split(pattern, ":")
	parts := make([]string, len(segs))
	for i, seg := range segs {
		if seg == "*" {
			parts[i] = "[^:]+"
		} else {
			parts[i] = regexp.QuoteMeta(seg)
		}
	}
	return regexp.Compile("^" + strings.Join(parts, ":") + "$")
}

// A topicsRegistry dispatches topic-addressed notifications to pattern
// subscribers. Subscription is rare and serialized against dispatch.
type topicsRegistry struct {
	events *Events

	mu   sync.RWMutex
	next int64
	subs map[int64]*Subscription
}

func newTopicsRegistry(events *Events) *topicsRegistry {
	return &topicsRegistry{events: events, subs: make(map[int64]*Subscription)}
}

// Subscribe registers handler for topics matching topicOrPattern, which may
// use * as a single-segment wildcard. The returned handle unsubscribes.
func (r *topicsRegistry) Subscribe(topicOrPattern string, handler TopicHandler, opts *SubscribeOptions) (*Subscription, error) {
	if handler == nil {
		return nil, Errorf(CodeRequestInvalid, "topic %q: handler is nil", topicOrPattern)
	}
	if topicOrPattern == "" || len(topicOrPattern) > MaxNameLength || !topicPatternRE.MatchString(topicOrPattern) {
		return nil, Errorf(CodeRequestInvalid, "invalid topic pattern %q", topicOrPattern)
	}
	re, err := compileTopicPattern(topicOrPattern)
	if err != nil {
		return nil, Errorf(CodeRequestInvalid, "invalid topic pattern %q", topicOrPattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	sub := &Subscription{
		registry:   r,
		id:         r.next,
		pattern:    topicOrPattern,
		re:         re,
		handler:    handler,
		persistent: opts.persistent(),
		priority:   opts.priority(),
		filter:     opts.filter(),
	}
	r.subs[sub.id] = sub
	return sub, nil
}

func (r *topicsRegistry) remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// Count reports the number of live subscriptions.
func (r *topicsRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Dispatch delivers one topic notification to every matching subscription,
// in descending priority then registration order. A handler panic surfaces
// as a topic:error event and does not prevent the remaining handlers from
// running.
func (r *topicsRegistry) Dispatch(ctx *NotificationContext) {
	topic := ctx.Topic()
	r.mu.RLock()
	matched := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.re.MatchString(topic) {
			matched = append(matched, sub)
		}
	}
	r.mu.RUnlock()
	if len(matched) == 0 {
		return
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority > matched[j].priority
		}
		return matched[i].id < matched[j].id
	})

	handled := 0
	for _, sub := range matched {
		if sub.filter != nil && !sub.filter(ctx.Data()) {
			continue
		}
		handled++
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.events.emit(EventTopicError, map[string]any{
						"topic":   topic,
						"pattern": sub.pattern,
						"error":   p,
					})
				}
			}()
			sub.handler(ctx)
		}()
	}
	if handled != 0 {
		r.events.emit(EventTopicHandled, map[string]any{"topic": topic, "handlers": handled})
	}
}

// DropEphemeral removes every non-persistent subscription. Called on
// disconnect.
func (r *topicsRegistry) DropEphemeral() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sub := range r.subs {
		if !sub.persistent {
			delete(r.subs, id)
		}
	}
}
