// Package bootstrap runs the overlay alone as a relay node: no sessions, no
// directory, just a well-known rendezvous point with a persistent identity.
package bootstrap

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/whispernet/whisper/internal/v1/identity"
	"github.com/whispernet/whisper/internal/v1/logging"
	"github.com/whispernet/whisper/internal/v1/overlay"
)

const heartbeatInterval = 60 * time.Second

// Config tunes a relay node.
type Config struct {
	Port           int
	KeyPath        string // empty runs with an ephemeral identity
	BootstrapNodes []string
	AdvertiseAddr  string
	MaxConnections int
}

// Node is a running relay.
type Node struct {
	ident *identity.Identity
	ov    *overlay.Node
}

// New loads (or creates) the relay identity and builds the server-mode
// overlay node.
func New(cfg Config) (*Node, error) {
	ident, err := identity.Load(cfg.KeyPath)
	if err != nil {
		return nil, err
	}

	ov := overlay.NewNode(ident, overlay.Config{
		ListenPort:     cfg.Port,
		Bootstrap:      cfg.BootstrapNodes,
		ServerMode:     true,
		AdvertiseAddr:  cfg.AdvertiseAddr,
		MaxConnections: cfg.MaxConnections,
	})
	return &Node{ident: ident, ov: ov}, nil
}

// Overlay exposes the underlying node for health checks.
func (n *Node) Overlay() *overlay.Node { return n.ov }

// PeerID returns the relay's stable peer identifier.
func (n *Node) PeerID() string { return n.ident.PeerID() }

// Run starts the relay and blocks until ctx is cancelled, emitting a
// connection-count heartbeat while serving.
func (n *Node) Run(ctx context.Context) error {
	if err := n.ov.Start(ctx); err != nil {
		return err
	}
	logging.Info(ctx, "Bootstrap node running",
		zap.String("peer", n.ident.PeerID()),
		zap.String("fingerprint", n.ident.Fingerprint()))

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Info(context.Background(), "Bootstrap node shutting down")
			return n.ov.Close()
		case <-ticker.C:
			logging.Info(ctx, "Relay heartbeat",
				zap.Int("connections", n.ov.ConnectionCount()))
		}
	}
}
