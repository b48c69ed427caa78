// Package chat assembles the chat-mode process core: one overlay node, one
// dispatcher, one directory, and a factory producing a wired session per
// connection.
package chat

import (
	"context"

	"github.com/whispernet/whisper/internal/v1/command"
	"github.com/whispernet/whisper/internal/v1/config"
	"github.com/whispernet/whisper/internal/v1/directory"
	"github.com/whispernet/whisper/internal/v1/identity"
	"github.com/whispernet/whisper/internal/v1/overlay"
	"github.com/whispernet/whisper/internal/v1/router"
	"github.com/whispernet/whisper/internal/v1/session"
)

// Core holds the process-wide chat state shared by every session.
type Core struct {
	cfg  *config.Config
	node *overlay.Node
	disp *router.Dispatcher
	dir  *directory.Directory
}

// NewCore builds and starts the chat core. The overlay node gets its own
// ephemeral identity, distinct from any session's.
func NewCore(ctx context.Context, cfg *config.Config) (*Core, error) {
	ident, err := identity.Generate()
	if err != nil {
		return nil, err
	}

	node := overlay.NewNode(ident, overlay.Config{
		ListenPort:     cfg.P2PPort,
		Bootstrap:      cfg.BootstrapNodes,
		AdvertiseAddr:  cfg.AdvertiseAddr,
		MaxConnections: cfg.MaxConnections,
	})
	if err := node.Start(ctx); err != nil {
		return nil, err
	}

	return &Core{
		cfg:  cfg,
		node: node,
		disp: router.NewDispatcher(node),
		dir:  directory.New(cfg.MaxMessagesInMem),
	}, nil
}

// Overlay exposes the node for health checks.
func (c *Core) Overlay() *overlay.Node { return c.node }

// Directory exposes the shared user registry.
func (c *Core) Directory() *directory.Directory { return c.dir }

// NewSession creates, wires, and starts a session for one connected user.
// The transport collaborator calls this once per accepted connection and
// must call Destroy when the connection dies.
func (c *Core) NewSession(ctx context.Context, cb session.Callbacks) (*session.Session, error) {
	ident, err := identity.Generate()
	if err != nil {
		return nil, err
	}

	s := session.New(ident, c.disp, c.dir, session.Config{
		DefaultRoom:    c.cfg.DefaultRoom,
		MaxMessageSize: c.cfg.MaxMessageSize,
		RateLimit:      c.cfg.RateLimit,
	}, cb)
	s.SetCommandHandler(command.New(s, command.Limits{
		MaxNickLength:     c.cfg.MaxNickLength,
		MaxRoomNameLength: c.cfg.MaxRoomNameLength,
	}).Execute)

	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close shuts the overlay node down.
func (c *Core) Close() error {
	return c.node.Close()
}
