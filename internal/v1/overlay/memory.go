package overlay

import (
	"context"
	"sync"
)

// Hub is an in-process overlay connecting any number of memory nodes. It
// mirrors the mesh semantics: emitSelf=false, structured no-peers signal,
// delivery in publish order. Used by tests and single-process runs.
type Hub struct {
	mu    sync.RWMutex
	nodes map[string]*MemoryNode
}

// NewHub creates an empty in-process hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[string]*MemoryNode)}
}

// NewNode attaches a fresh node with the given peer identifier.
func (h *Hub) NewNode(id string) *MemoryNode {
	n := &MemoryNode{
		hub:  h,
		id:   id,
		subs: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.nodes[id] = n
	h.mu.Unlock()
	return n
}

// MemoryNode is one participant on a Hub.
type MemoryNode struct {
	hub *Hub
	id  string

	mu      sync.RWMutex
	subs    map[string]struct{}
	handler Handler
	closed  bool
}

// ID returns the node's peer identifier.
func (n *MemoryNode) ID() string {
	return n.id
}

// Publish delivers data synchronously to every other subscribed node.
func (n *MemoryNode) Publish(_ context.Context, topic string, data []byte) error {
	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	n.hub.mu.RLock()
	var targets []*MemoryNode
	for _, other := range n.hub.nodes {
		if other == n {
			continue
		}
		if other.wants(topic) {
			targets = append(targets, other)
		}
	}
	n.hub.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNoPeersSubscribed
	}
	for _, other := range targets {
		other.deliver(InboundMessage{Topic: topic, From: n.id, Data: data})
	}
	return nil
}

// Subscribe registers interest in a topic.
func (n *MemoryNode) Subscribe(topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	n.subs[topic] = struct{}{}
	return nil
}

// Unsubscribe drops interest in a topic.
func (n *MemoryNode) Unsubscribe(topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	delete(n.subs, topic)
	return nil
}

// TopicPeers lists the other nodes subscribed to topic.
func (n *MemoryNode) TopicPeers(topic string) []string {
	n.hub.mu.RLock()
	defer n.hub.mu.RUnlock()
	var out []string
	for id, other := range n.hub.nodes {
		if other != n && other.wants(topic) {
			out = append(out, id)
		}
	}
	return out
}

// Peers lists every other node on the hub.
func (n *MemoryNode) Peers() []string {
	n.hub.mu.RLock()
	defer n.hub.mu.RUnlock()
	var out []string
	for id, other := range n.hub.nodes {
		if other != n {
			out = append(out, id)
		}
	}
	return out
}

// SetHandler installs the inbound listener.
func (n *MemoryNode) SetHandler(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

// Close detaches the node from its hub.
func (n *MemoryNode) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	n.hub.mu.Lock()
	delete(n.hub.nodes, n.id)
	n.hub.mu.Unlock()
	return nil
}

func (n *MemoryNode) wants(topic string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}
	_, ok := n.subs[topic]
	return ok
}

func (n *MemoryNode) deliver(m InboundMessage) {
	n.mu.RLock()
	handler := n.handler
	closed := n.closed
	n.mu.RUnlock()
	if closed || handler == nil {
		return
	}
	handler(m)
}
