// Package overlay provides the peer-to-peer pub/sub fabric: a gossip
// interface, a WebSocket mesh implementation with Noise-style link
// encryption, and an in-process hub for tests and single-node runs.
package overlay

import (
	"context"
	"errors"
)

// ErrNoPeersSubscribed is returned by Publish when no remote peer is
// subscribed to the topic. Callers that have already delivered locally
// treat it as success.
var ErrNoPeersSubscribed = errors.New("overlay: no peers subscribed to topic")

// ErrClosed is returned by operations on a closed overlay.
var ErrClosed = errors.New("overlay: closed")

// InboundMessage is a payload received from a remote peer.
type InboundMessage struct {
	Topic string
	From  string // peer identifier of the publisher
	Data  []byte
}

// Handler consumes inbound messages. It is invoked sequentially per node,
// in arrival order.
type Handler func(InboundMessage)

// Overlay is the pub/sub surface the room router builds on. A node never
// receives its own publishes (emitSelf=false semantics).
type Overlay interface {
	// ID returns this node's peer identifier.
	ID() string

	// Publish sends data to every remote subscriber of topic. Returns
	// ErrNoPeersSubscribed when nobody is listening.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe registers interest in a topic. Idempotent.
	Subscribe(topic string) error

	// Unsubscribe drops interest in a topic. Idempotent.
	Unsubscribe(topic string) error

	// TopicPeers returns the peer identifiers currently known to be
	// subscribed to topic.
	TopicPeers(topic string) []string

	// Peers returns the identifiers of all connected peers.
	Peers() []string

	// SetHandler installs the single inbound message listener.
	SetHandler(h Handler)

	// Close tears the node down and releases its connections.
	Close() error
}
