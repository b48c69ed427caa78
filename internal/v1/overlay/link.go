package overlay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/whispernet/whisper/internal/v1/logging"
	"github.com/whispernet/whisper/internal/v1/metrics"
)

// frame is the control envelope exchanged on an encrypted link.
type frame struct {
	Type  string   `json:"type"` // sub, unsub, pub, adv, px
	Topic string   `json:"topic,omitempty"`
	ID    string   `json:"id,omitempty"`
	From  string   `json:"from,omitempty"`
	Data  []byte   `json:"data,omitempty"`
	Addrs []string `json:"addrs,omitempty"`
}

const outboundQueue = 64

// outboundBurst paces a link's writer; roughly one generous screenful of
// frames per second keeps a slow peer from stalling the node.
const outboundPerSecond = 200

// link is one encrypted websocket connection to a remote peer.
type link struct {
	node *Node
	conn *websocket.Conn
	sec  *secureChannel

	mu     sync.Mutex
	topics map[string]struct{} // remote subscriptions
	addr   string              // advertised listen multiaddr, if any

	out       chan frame
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
}

func newLink(n *Node, conn *websocket.Conn, sec *secureChannel) *link {
	return &link{
		node:    n,
		conn:    conn,
		sec:     sec,
		topics:  make(map[string]struct{}),
		out:     make(chan frame, outboundQueue),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(outboundPerSecond), outboundPerSecond),
	}
}

// peer returns the remote peer identifier established by the handshake.
func (l *link) peer() string {
	return l.sec.remotePeer
}

// send enqueues a frame, dropping it when the peer cannot keep up.
func (l *link) send(f frame) {
	select {
	case l.out <- f:
	case <-l.done:
	default:
		metrics.MessagesPublished.WithLabelValues("dropped_slow_peer").Inc()
		logging.Warn(context.Background(), "Dropping frame for slow peer",
			zap.String("peer", l.peer()), zap.String("type", f.Type))
	}
}

// subscribed reports whether the remote side subscribed to topic.
func (l *link) subscribed(topic string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.topics[topic]
	return ok
}

// setSubscribed records the remote side's interest and reports whether the
// state actually changed.
func (l *link) setSubscribed(topic string, on bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, had := l.topics[topic]
	if on {
		l.topics[topic] = struct{}{}
	} else {
		delete(l.topics, topic)
	}
	return had != on
}

// subscriptions snapshots the remote side's subscribed topics.
func (l *link) subscriptions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.topics))
	for topic := range l.topics {
		out = append(out, topic)
	}
	return out
}

// run starts the reader and writer loops and blocks until the link dies.
func (l *link) run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.writeLoop(ctx)
	}()

	l.readLoop()
	l.close()
	wg.Wait()
}

func (l *link) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case f := <-l.out:
			if err := l.limiter.Wait(ctx); err != nil {
				return
			}
			data, err := json.Marshal(f)
			if err != nil {
				logging.Error(ctx, "Failed to marshal frame", zap.Error(err))
				continue
			}
			if err := l.conn.WriteMessage(websocket.BinaryMessage, l.sec.Seal(data)); err != nil {
				logging.Debug(ctx, "Link write failed", zap.String("peer", l.peer()), zap.Error(err))
				l.close()
				return
			}
		}
	}
}

func (l *link) readLoop() {
	for {
		_, sealed, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		plain, err := l.sec.Open(sealed)
		if err != nil {
			logging.Warn(context.Background(), "Dropping undecryptable frame",
				zap.String("peer", l.peer()), zap.Error(err))
			return
		}
		var f frame
		if err := json.Unmarshal(plain, &f); err != nil {
			logging.Warn(context.Background(), "Dropping malformed frame",
				zap.String("peer", l.peer()), zap.Error(err))
			continue
		}
		l.node.handleFrame(l, f)
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}
