package chat

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whispernet/whisper/internal/v1/codec"
	"github.com/whispernet/whisper/internal/v1/config"
	"github.com/whispernet/whisper/internal/v1/session"
)

type ui struct {
	mu       sync.Mutex
	messages []codec.ChatMessage
	system   []string
}

func (u *ui) callbacks() session.Callbacks {
	return session.Callbacks{
		OnMessage: func(m codec.ChatMessage) {
			u.mu.Lock()
			u.messages = append(u.messages, m)
			u.mu.Unlock()
		},
		OnSystem: func(text string) {
			u.mu.Lock()
			u.system = append(u.system, text)
			u.mu.Unlock()
		},
	}
}

func (u *ui) systemJoined() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return strings.Join(u.system, "\n")
}

func testConfig() *config.Config {
	return &config.Config{
		P2PPort:          0,
		DefaultRoom:      "lobby",
		MaxMessageSize:   4096,
		MaxMessagesInMem: 100,
		RateLimit:        10,
	}
}

func TestCore_EndToEnd(t *testing.T) {
	ctx := context.Background()
	core, err := NewCore(ctx, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })

	aliceUI := &ui{}
	alice, err := core.NewSession(ctx, aliceUI.callbacks())
	require.NoError(t, err)
	t.Cleanup(func() { alice.Destroy(ctx) })

	bobUI := &ui{}
	bob, err := core.NewSession(ctx, bobUI.callbacks())
	require.NoError(t, err)
	t.Cleanup(func() { bob.Destroy(ctx) })

	assert.Equal(t, 2, core.Directory().GetUserCount())

	// Slash commands flow through the wired processor.
	alice.HandleInput(ctx, "/nick alice")
	assert.Equal(t, "alice", alice.Nick())

	// Plain lines become chat messages and reach the other session once.
	alice.HandleInput(ctx, "hello there")

	bobUI.mu.Lock()
	var seen int
	for _, m := range bobUI.messages {
		if m.Content == "hello there" {
			seen++
		}
	}
	bobUI.mu.Unlock()
	assert.Equal(t, 1, seen)

	alice.HandleInput(ctx, "/quit")
	assert.False(t, alice.Connected())
	assert.Contains(t, aliceUI.systemJoined(), "Goodbye!")
	assert.Equal(t, 1, core.Directory().GetUserCount())
}
