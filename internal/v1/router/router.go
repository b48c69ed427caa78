// Package router translates room operations into overlay topic operations
// and dispatches inbound topic traffic back to per-room handlers.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/whispernet/whisper/internal/v1/codec"
	"github.com/whispernet/whisper/internal/v1/logging"
	"github.com/whispernet/whisper/internal/v1/metrics"
	"github.com/whispernet/whisper/internal/v1/overlay"
)

// TopicPrefix maps rooms onto overlay topics.
const TopicPrefix = "/whisper/room/"

// MessageHandler consumes decoded inbound chat messages for one room.
type MessageHandler func(m codec.ChatMessage)

// Topic returns the overlay topic for a room.
func Topic(room string) string {
	return TopicPrefix + room
}

// roomFromTopic strips the prefix, rejecting foreign topics. Room names are
// lowercased before routing; the wire preserves case.
func roomFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, TopicPrefix) {
		return "", false
	}
	room := strings.TrimPrefix(topic, TopicPrefix)
	if room == "" {
		return "", false
	}
	return strings.ToLower(room), true
}

// Dispatcher owns the overlay's single inbound listener and multiplexes the
// per-session router views over one shared overlay node. Publishes run
// through a circuit breaker; a breaker held open surfaces as a publish
// failure rather than a silent drop.
type Dispatcher struct {
	ov overlay.Overlay
	cb *gobreaker.CircuitBreaker

	mu     sync.RWMutex
	views  map[*Router]struct{}
	topics map[string]int // subscription refcount per topic
}

// NewDispatcher wires the dispatcher onto the overlay's message event.
func NewDispatcher(ov overlay.Overlay) *Dispatcher {
	d := &Dispatcher{
		ov:     ov,
		views:  make(map[*Router]struct{}),
		topics: make(map[string]int),
	}

	st := gobreaker.Settings{
		Name: "overlay-publish",
		// Isolation is not a fault: publishing into an empty room is the
		// expected state of a fresh or partitioned node.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, overlay.ErrNoPeersSubscribed)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}
	d.cb = gobreaker.NewCircuitBreaker(st)

	ov.SetHandler(d.dispatch)
	return d
}

// NewView creates a router view for one session.
func (d *Dispatcher) NewView() *Router {
	r := &Router{
		dispatcher: d,
		handlers:   make(map[string]MessageHandler),
	}
	d.mu.Lock()
	d.views[r] = struct{}{}
	d.mu.Unlock()
	return r
}

// dispatch decodes one inbound overlay message and fans it out to every
// view holding a handler for the room.
func (d *Dispatcher) dispatch(m overlay.InboundMessage) {
	room, ok := roomFromTopic(m.Topic)
	if !ok {
		metrics.MessagesReceived.WithLabelValues("foreign_topic").Inc()
		logging.Debug(context.Background(), "Ignoring message on foreign topic", zap.String("topic", m.Topic))
		return
	}

	msg, err := codec.Decode(m.Data)
	if err != nil {
		metrics.MessagesReceived.WithLabelValues("bad_message").Inc()
		logging.Warn(context.Background(), "Dropping undecodable message",
			zap.String("room", room), zap.String("from", m.From), zap.Error(err))
		return
	}

	d.mu.RLock()
	var targets []MessageHandler
	for view := range d.views {
		if h := view.handlerFor(room); h != nil {
			targets = append(targets, h)
		}
	}
	d.mu.RUnlock()

	for _, h := range targets {
		h(msg)
	}
}

// subscribe bumps the topic refcount, subscribing on first use.
func (d *Dispatcher) subscribe(room string) error {
	topic := Topic(room)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.topics[topic] == 0 {
		if err := d.ov.Subscribe(topic); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	d.topics[topic]++
	return nil
}

// unsubscribe drops a reference, unsubscribing on last use.
func (d *Dispatcher) unsubscribe(room string) {
	topic := Topic(room)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.topics[topic] == 0 {
		return
	}
	d.topics[topic]--
	if d.topics[topic] == 0 {
		delete(d.topics, topic)
		if err := d.ov.Unsubscribe(topic); err != nil {
			logging.Warn(context.Background(), "Unsubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// publish sends encoded bytes through the circuit breaker.
func (d *Dispatcher) publish(ctx context.Context, room string, data []byte) error {
	topic := Topic(room)
	_, err := d.cb.Execute(func() (interface{}, error) {
		return nil, d.ov.Publish(ctx, topic, data)
	})

	if errors.Is(err, overlay.ErrNoPeersSubscribed) {
		// The local caller already saw its own echo; an empty topic is
		// success.
		metrics.MessagesPublished.WithLabelValues("isolated").Inc()
		logging.Debug(ctx, "Published to empty topic", zap.String("topic", topic))
		return nil
	}
	if err != nil {
		metrics.MessagesPublished.WithLabelValues("failed").Inc()
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}
	metrics.MessagesPublished.WithLabelValues("ok").Inc()
	return nil
}

func (d *Dispatcher) removeView(r *Router) {
	d.mu.Lock()
	delete(d.views, r)
	d.mu.Unlock()
}

// Router is one session's view of the room fabric. State: at most one
// handler per room.
type Router struct {
	dispatcher *Dispatcher

	mu       sync.RWMutex
	handlers map[string]MessageHandler
	closed   bool
}

// JoinRoom records the handler and subscribes the overlay to the room's
// topic. Joining a room twice is a warned no-op.
func (r *Router) JoinRoom(room string, handler MessageHandler) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return overlay.ErrClosed
	}
	if _, ok := r.handlers[room]; ok {
		r.mu.Unlock()
		logging.Warn(context.Background(), "Already subscribed to room", zap.String("room", room))
		return nil
	}
	r.handlers[room] = handler
	r.mu.Unlock()

	if err := r.dispatcher.subscribe(room); err != nil {
		r.mu.Lock()
		delete(r.handlers, room)
		r.mu.Unlock()
		return err
	}
	return nil
}

// LeaveRoom drops the handler and releases the topic. Idempotent.
func (r *Router) LeaveRoom(room string) {
	r.mu.Lock()
	_, ok := r.handlers[room]
	delete(r.handlers, room)
	r.mu.Unlock()

	if ok {
		r.dispatcher.unsubscribe(room)
	}
}

// SendMessage encodes and publishes a chat message to the room's topic.
// Publishing into an empty topic is success.
func (r *Router) SendMessage(ctx context.Context, room string, m codec.ChatMessage) error {
	data, err := codec.Encode(m)
	if err != nil {
		return err
	}
	return r.dispatcher.publish(ctx, room, data)
}

// SubscribedRooms returns the rooms this view holds handlers for.
func (r *Router) SubscribedRooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for room := range r.handlers {
		out = append(out, room)
	}
	return out
}

// RoomPeers returns the overlay's view of remote subscribers for a room.
func (r *Router) RoomPeers(room string) []string {
	return r.dispatcher.ov.TopicPeers(Topic(room))
}

// Destroy unsubscribes from every room and detaches from the dispatcher.
func (r *Router) Destroy() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	rooms := make([]string, 0, len(r.handlers))
	for room := range r.handlers {
		rooms = append(rooms, room)
	}
	r.handlers = make(map[string]MessageHandler)
	r.mu.Unlock()

	for _, room := range rooms {
		r.dispatcher.unsubscribe(room)
	}
	r.dispatcher.removeView(r)
}

func (r *Router) handlerFor(room string) MessageHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[room]
}
