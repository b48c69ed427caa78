package overlay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/whispernet/whisper/internal/v1/identity"
	"github.com/whispernet/whisper/internal/v1/logging"
	"github.com/whispernet/whisper/internal/v1/metrics"
)

// Config tunes a mesh node.
type Config struct {
	ListenPort int
	Bootstrap  []string // multiaddrs of bootstrap/relay nodes

	// ServerMode accepts relay reservations and performs peer exchange;
	// bootstrap nodes run with this enabled.
	ServerMode bool

	// AdvertiseAddr, when set, is the multiaddr this node shares with
	// relays so other peers can dial it directly.
	AdvertiseAddr string

	MaxConnections  int // clamped to [10, 1000]
	MaxReservations int // relay reservation cap in server mode
}

const (
	minConnections         = 10
	maxConnections         = 1000
	defaultMaxReservations = 128
	seenTTL                = 2 * time.Minute
	redialInterval         = 5 * time.Second
)

// Node is the WebSocket mesh implementation of Overlay. Messages are
// flood-published to subscribed links and deduplicated by message ID, so a
// node never delivers its own publishes back to itself.
type Node struct {
	id  *identity.Identity
	cfg Config

	mu      sync.RWMutex
	links   map[string]*link
	subs    map[string]struct{}
	handler Handler
	closed  bool

	// relayTopics counts remote subscriptions per topic in server mode, so
	// the relay can announce its clients' interest to their other peers and
	// publishes find a forwarding path through it.
	relayTopics map[string]int

	seen     *gocache.Cache
	listener net.Listener
	httpSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The overlay authenticates peers with its own handshake; the HTTP
	// origin carries no meaning here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewNode creates a mesh node with the given identity.
func NewNode(id *identity.Identity, cfg Config) *Node {
	if cfg.MaxConnections < minConnections {
		cfg.MaxConnections = minConnections
	}
	if cfg.MaxConnections > maxConnections {
		cfg.MaxConnections = maxConnections
	}
	if cfg.MaxReservations < 1 {
		cfg.MaxReservations = defaultMaxReservations
	}
	return &Node{
		id:          id,
		cfg:         cfg,
		links:       make(map[string]*link),
		subs:        make(map[string]struct{}),
		relayTopics: make(map[string]int),
		seen:        gocache.New(seenTTL, seenTTL),
	}
}

// ID returns this node's peer identifier.
func (n *Node) ID() string {
	return n.id.PeerID()
}

// Start binds the listen socket and begins dialing bootstrap nodes. A bind
// failure is fatal to startup.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf(":%d", n.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("overlay listen failed on %s: %w", addr, err)
	}
	n.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", n.serveWs)
	n.httpSrv = &http.Server{Handler: mux}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error(n.ctx, "Overlay server stopped", zap.Error(err))
		}
	}()

	logging.Info(n.ctx, "Overlay listening",
		zap.String("addr", fmt.Sprintf("/ip4/0.0.0.0/tcp/%d/ws", n.cfg.ListenPort)),
		zap.String("peer", n.ID()))

	for _, maddr := range n.cfg.Bootstrap {
		n.wg.Add(1)
		go func(maddr string) {
			defer n.wg.Done()
			n.dialLoop(maddr)
		}(maddr)
	}
	return nil
}

// serveWs accepts an inbound connection as handshake responder.
func (n *Node) serveWs(w http.ResponseWriter, r *http.Request) {
	n.mu.RLock()
	count := len(n.links)
	n.mu.RUnlock()

	limit := n.cfg.MaxConnections
	if n.cfg.ServerMode && n.cfg.MaxReservations < limit {
		limit = n.cfg.MaxReservations
	}
	if count >= limit {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn(r.Context(), "WebSocket upgrade failed", zap.Error(err))
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runConn(conn, false)
	}()
}

// dialLoop keeps one bootstrap link alive, redialing on failure.
func (n *Node) dialLoop(maddr string) {
	url, err := multiaddrToURL(maddr)
	if err != nil {
		logging.Error(n.ctx, "Invalid bootstrap multiaddr", zap.String("addr", maddr), zap.Error(err))
		return
	}

	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(n.ctx, url, nil)
		if err != nil {
			logging.Debug(n.ctx, "Bootstrap dial failed, retrying",
				zap.String("addr", maddr), zap.Error(err))
		} else {
			n.runConn(conn, true)
		}

		select {
		case <-n.ctx.Done():
			return
		case <-time.After(redialInterval):
		}
	}
}

// dialOnce connects to a peer-exchanged address without redialing.
func (n *Node) dialOnce(maddr string) {
	url, err := multiaddrToURL(maddr)
	if err != nil {
		return
	}
	conn, _, err := websocket.DefaultDialer.DialContext(n.ctx, url, nil)
	if err != nil {
		logging.Debug(n.ctx, "Peer dial failed", zap.String("addr", maddr), zap.Error(err))
		return
	}
	n.runConn(conn, true)
}

// runConn performs the handshake and services the link until it dies.
func (n *Node) runConn(conn *websocket.Conn, initiator bool) {
	sec, err := handshake(&wsFramer{conn: conn}, n.id, initiator)
	if err != nil {
		logging.Warn(n.ctx, "Overlay handshake failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	l := newLink(n, conn, sec)
	if !n.addLink(l) {
		l.close()
		return
	}

	logging.Info(n.ctx, "Peer connected", zap.String("peer", l.peer()))
	l.run(n.ctx)
	n.removeLink(l)
	logging.Info(n.ctx, "Peer disconnected", zap.String("peer", l.peer()))
}

// addLink registers a link, replays our subscriptions to it, and announces
// our advertised address.
func (n *Node) addLink(l *link) bool {
	n.mu.Lock()
	if n.closed || len(n.links) >= n.cfg.MaxConnections {
		n.mu.Unlock()
		return false
	}
	if old, ok := n.links[l.peer()]; ok {
		old.close()
	}
	n.links[l.peer()] = l
	subs := make([]string, 0, len(n.subs))
	for topic := range n.subs {
		subs = append(subs, topic)
	}
	var peerAddrs []string
	if n.cfg.ServerMode {
		for _, other := range n.links {
			if other != l && other.addr != "" {
				peerAddrs = append(peerAddrs, other.addr)
			}
		}
		// A relay also replays its clients' aggregated interest, so the new
		// peer can publish through it from the start.
		for topic, count := range n.relayTopics {
			if count > 0 {
				subs = append(subs, topic)
			}
		}
	}
	n.mu.Unlock()

	metrics.OverlayLinks.Inc()

	for _, topic := range subs {
		l.send(frame{Type: "sub", Topic: topic, From: n.ID()})
	}
	if n.cfg.AdvertiseAddr != "" {
		l.send(frame{Type: "adv", From: n.ID(), Addrs: []string{n.cfg.AdvertiseAddr}})
	}
	if len(peerAddrs) > 0 {
		l.send(frame{Type: "px", From: n.ID(), Addrs: peerAddrs})
	}
	return true
}

func (n *Node) removeLink(l *link) {
	n.mu.Lock()
	if current, ok := n.links[l.peer()]; ok && current == l {
		delete(n.links, l.peer())
	}
	n.mu.Unlock()
	metrics.OverlayLinks.Dec()

	if n.cfg.ServerMode {
		for _, topic := range l.subscriptions() {
			n.relayAnnounce(l, topic, false)
		}
	}
}

// relayAnnounce propagates one client's subscription change to the relay's
// other links. A peer is told "sub" when the first *other* client becomes
// interested in a topic and "unsub" when the last one loses interest, so a
// publisher never counts its own subscription as a forwarding target.
func (n *Node) relayAnnounce(origin *link, topic string, on bool) {
	n.mu.Lock()
	before := n.relayTopics[topic]
	after := before
	if on {
		after++
		n.relayTopics[topic] = after
	} else if before > 0 {
		after--
		if after == 0 {
			delete(n.relayTopics, topic)
		} else {
			n.relayTopics[topic] = after
		}
	}

	var notify []*link
	for _, other := range n.links {
		if other == origin {
			continue
		}
		own := 0
		if other.subscribed(topic) {
			own = 1
		}
		if on && before-own == 0 {
			notify = append(notify, other)
		}
		if !on && after-own == 0 {
			notify = append(notify, other)
		}
	}
	n.mu.Unlock()

	frameType := "sub"
	if !on {
		frameType = "unsub"
	}
	for _, other := range notify {
		other.send(frame{Type: frameType, Topic: topic, From: n.ID()})
	}
}

// handleFrame dispatches one decrypted control frame from a link.
func (n *Node) handleFrame(l *link, f frame) {
	switch f.Type {
	case "sub":
		if l.setSubscribed(f.Topic, true) && n.cfg.ServerMode {
			n.relayAnnounce(l, f.Topic, true)
		}
	case "unsub":
		if l.setSubscribed(f.Topic, false) && n.cfg.ServerMode {
			n.relayAnnounce(l, f.Topic, false)
		}
	case "adv":
		if len(f.Addrs) == 1 {
			l.mu.Lock()
			l.addr = f.Addrs[0]
			l.mu.Unlock()
		}
	case "px":
		if n.cfg.ServerMode {
			return // relays do not chase exchanged peers
		}
		for _, maddr := range f.Addrs {
			if maddr == n.cfg.AdvertiseAddr {
				continue
			}
			n.wg.Add(1)
			go func(maddr string) {
				defer n.wg.Done()
				n.dialOnce(maddr)
			}(maddr)
		}
	case "pub":
		n.handlePublish(l, f)
	default:
		logging.Warn(n.ctx, "Unknown frame type", zap.String("type", f.Type), zap.String("peer", l.peer()))
	}
}

// handlePublish delivers a flooded message locally once and forwards it to
// other interested links.
func (n *Node) handlePublish(origin *link, f frame) {
	if f.ID == "" {
		return
	}
	if _, dup := n.seen.Get(f.ID); dup {
		return
	}
	n.seen.Set(f.ID, struct{}{}, gocache.DefaultExpiration)

	n.mu.RLock()
	_, local := n.subs[f.Topic]
	handler := n.handler
	var forwards []*link
	for _, other := range n.links {
		if other != origin && other.subscribed(f.Topic) {
			forwards = append(forwards, other)
		}
	}
	n.mu.RUnlock()

	if local && handler != nil && f.From != n.ID() {
		metrics.MessagesReceived.WithLabelValues("delivered").Inc()
		handler(InboundMessage{Topic: f.Topic, From: f.From, Data: f.Data})
	}

	for _, other := range forwards {
		other.send(f)
	}
}

// Publish floods data to every link whose remote side subscribed to topic.
func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return ErrClosed
	}
	var targets []*link
	for _, l := range n.links {
		if l.subscribed(topic) {
			targets = append(targets, l)
		}
	}
	n.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNoPeersSubscribed
	}

	f := frame{
		Type:  "pub",
		Topic: topic,
		ID:    uuid.NewString(),
		From:  n.ID(),
		Data:  data,
	}
	n.seen.Set(f.ID, struct{}{}, gocache.DefaultExpiration)
	for _, l := range targets {
		l.send(f)
	}
	return nil
}

// Subscribe registers local interest and announces it to every link.
func (n *Node) Subscribe(topic string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if _, ok := n.subs[topic]; ok {
		n.mu.Unlock()
		return nil
	}
	n.subs[topic] = struct{}{}
	targets := n.linkSliceLocked()
	n.mu.Unlock()

	for _, l := range targets {
		l.send(frame{Type: "sub", Topic: topic, From: n.ID()})
	}
	return nil
}

// Unsubscribe drops local interest and announces it to every link.
func (n *Node) Unsubscribe(topic string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if _, ok := n.subs[topic]; !ok {
		n.mu.Unlock()
		return nil
	}
	delete(n.subs, topic)
	targets := n.linkSliceLocked()
	n.mu.Unlock()

	for _, l := range targets {
		l.send(frame{Type: "unsub", Topic: topic, From: n.ID()})
	}
	return nil
}

// TopicPeers returns the peers currently subscribed to topic.
func (n *Node) TopicPeers(topic string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []string
	for id, l := range n.links {
		if l.subscribed(topic) {
			out = append(out, id)
		}
	}
	return out
}

// Peers returns the identifiers of all connected peers.
func (n *Node) Peers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.links))
	for id := range n.links {
		out = append(out, id)
	}
	return out
}

// ListenAddr returns the node's dialable loopback multiaddr once Start has
// bound the listener. Useful when the configured port was 0.
func (n *Node) ListenAddr() string {
	if n.listener == nil {
		return ""
	}
	addr, ok := n.listener.Addr().(*net.TCPAddr)
	if !ok {
		return ""
	}
	return fmt.Sprintf("/ip4/127.0.0.1/tcp/%d/ws", addr.Port)
}

// ConnectionCount returns the number of live links.
func (n *Node) ConnectionCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.links)
}

// SetHandler installs the single inbound listener.
func (n *Node) SetHandler(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

// Close shuts the node down and waits for its goroutines.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	targets := n.linkSliceLocked()
	n.mu.Unlock()

	if n.cancel != nil {
		n.cancel()
	}
	for _, l := range targets {
		l.close()
	}
	if n.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.httpSrv.Shutdown(ctx)
	}
	n.wg.Wait()
	return nil
}

func (n *Node) linkSliceLocked() []*link {
	out := make([]*link, 0, len(n.links))
	for _, l := range n.links {
		out = append(out, l)
	}
	return out
}

// wsFramer adapts a websocket connection to the handshake's framing.
type wsFramer struct {
	conn *websocket.Conn
}

func (w *wsFramer) WriteFrame(data []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsFramer) ReadFrame() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

// multiaddrToURL converts /ip4/<host>/tcp/<port>/ws into a websocket URL.
func multiaddrToURL(maddr string) (string, error) {
	parts := strings.Split(strings.TrimSpace(maddr), "/")
	if len(parts) != 6 || parts[0] != "" || (parts[1] != "ip4" && parts[1] != "dns4") ||
		parts[3] != "tcp" || parts[5] != "ws" {
		return "", fmt.Errorf("unsupported multiaddr %q", maddr)
	}
	return fmt.Sprintf("ws://%s:%s/ws", parts[2], parts[4]), nil
}
