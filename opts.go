package starling

import (
	"fmt"
	"io"
	"log"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const logFlags = log.LstdFlags | log.Lshortfile

// NodeOptions control the behaviour of a node created by NewNode. A nil
// *NodeOptions provides sensible defaults.
type NodeOptions struct {
	// If not nil, send debug logs to this writer.
	LogWriter io.Writer

	// If not nil, this function supplies the current time. Tests inject a
	// deterministic clock here.
	Clock func() time.Time

	// If not nil, this function supplies request and message identifiers.
	// The default generates random UUIDs.
	NewID func() string

	// DefaultRequestTimeout bounds outbound calls that do not set their
	// own timeout (default 30s).
	DefaultRequestTimeout time.Duration

	// MaxMessageSize caps inbound frame size in bytes (default 1 MiB).
	MaxMessageSize int

	// Concurrency bounds concurrent execution of inbound request
	// handlers. A value less than 1 uses runtime.NumCPU().
	Concurrency int

	// AllowCustomTypes admits protocol frames with unknown type markers
	// instead of rejecting them as violations.
	AllowCustomTypes bool

	// DisconnectionTTL is how long outstanding requests and queued items
	// survive a disconnect before being cancelled (default 5m).
	DisconnectionTTL time.Duration

	// Queue configures the outbound request queue.
	Queue *QueueOptions

	// Buffer configures the send buffer.
	Buffer *BufferOptions

	// Proxy, if set, receives relayed frames (peer marker not false)
	// instead of local execution.
	Proxy *ProxyConfig

	// Events, if set, is a shared event hub used instead of a private
	// one, for fan-in across nodes. The shared hub must be safe for
	// concurrent use.
	Events *Events
}

func (o *NodeOptions) logger() func(string, ...any) {
	if o == nil || o.LogWriter == nil {
		return func(string, ...any) {}
	}
	logger := log.New(o.LogWriter, "[starling.Node] ", logFlags)
	return func(msg string, args ...any) { logger.Output(2, fmt.Sprintf(msg, args...)) }
}

func (o *NodeOptions) clock() func() time.Time {
	if o == nil || o.Clock == nil {
		return time.Now
	}
	return o.Clock
}

func (o *NodeOptions) newID() func() string {
	if o == nil || o.NewID == nil {
		return uuid.NewString
	}
	return o.NewID
}

func (o *NodeOptions) defaultRequestTimeout() time.Duration {
	if o == nil || o.DefaultRequestTimeout <= 0 {
		return 30 * time.Second
	}
	return o.DefaultRequestTimeout
}

func (o *NodeOptions) maxMessageSize() int {
	if o == nil || o.MaxMessageSize == 0 {
		return MaxMessageSize
	}
	return o.MaxMessageSize
}

func (o *NodeOptions) concurrency() int64 {
	if o == nil || o.Concurrency < 1 {
		return int64(runtime.NumCPU())
	}
	return int64(o.Concurrency)
}

func (o *NodeOptions) allowCustomTypes() bool { return o != nil && o.AllowCustomTypes }

func (o *NodeOptions) disconnectionTTL() time.Duration {
	if o == nil || o.DisconnectionTTL <= 0 {
		return 5 * time.Minute
	}
	return o.DisconnectionTTL
}

func (o *NodeOptions) queue() *QueueOptions {
	if o == nil {
		return nil
	}
	return o.Queue
}

func (o *NodeOptions) buffer() *BufferOptions {
	if o == nil {
		return nil
	}
	return o.Buffer
}

func (o *NodeOptions) proxy() *ProxyConfig {
	if o == nil {
		return nil
	}
	return o.Proxy
}

func (o *NodeOptions) events() *Events {
	if o == nil || o.Events == nil {
		return newEvents()
	}
	return o.Events
}

// A ProxyConfig receives frames relayed on behalf of a third party. When an
// inbound frame carries a peer marker other than false, the node hands the
// frame's context to the matching callable instead of executing locally.
type ProxyConfig struct {
	Request      func(*RequestContext) error
	Response     func(*ResponseContext) error
	Notification func(*NotificationContext) error
	ErrorMessage func(*ErrorMessageContext) error

	// Timeout bounds one proxy callable; a relayed request whose callable
	// outlives it is answered with PROXY_TIMEOUT (default 30s).
	Timeout time.Duration
}

func (p *ProxyConfig) timeout() time.Duration {
	if p == nil || p.Timeout <= 0 {
		return 30 * time.Second
	}
	return p.Timeout
}
