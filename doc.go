/*
Package starling implements the shared runtime kernel of the helios-starling
protocol, a bidirectional, symmetric RPC layer for message-oriented
transports such as websockets.

A Node is one endpoint of a connection. Either side can concurrently invoke
remote methods and await replies, serve remote invocations, publish and
subscribe to topic-scoped notifications, and relay frames on behalf of a
third party through a proxy hook.

# Basic usage

Construct a node, register methods and subscriptions, and start it on a
channel:

	node := starling.NewNode(nil)
	node.RegisterMethod("users:getProfile", func(ctx *starling.RequestContext) error {
		return ctx.Success(map[string]string{"name": "John"})
	}, nil)
	node.Start(ch)

	req, err := node.Request("users:getProfile", map[string]string{"userId": "123"}, nil)
	...
	data, err := req.Wait(ctx)

The channel package provides conduits over in-memory pipes and websocket
connections; any implementation of channel.Channel will serve.

# Wire format

Frames are compact JSON objects carrying the protocol marker, a semver
version, a millisecond timestamp and a type discriminator. Binary frames
pass through opaquely and are not protocol-bearing. See the Message type
for the envelope layout and the Validate functions for its invariants.

# Outbound requests

Node.Request queues the call; the queue scheduler bounds concurrency,
retries transport failures with exponential backoff, and fails requests
that outlive the drain timeout. The returned Request settles exactly once:
with response data, or with an error of concrete type *Error carrying one
of the protocol error codes.

# Notifications

Notifications carrying a request id are correlated with the outstanding
request on the receiving side and delivered to its OnProgress or
OnNotification listeners. Topic notifications are dispatched to pattern
subscribers; a * in a pattern matches exactly one topic segment.
*/
package starling
