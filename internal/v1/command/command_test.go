package command

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whispernet/whisper/internal/v1/codec"
	"github.com/whispernet/whisper/internal/v1/directory"
	"github.com/whispernet/whisper/internal/v1/identity"
	"github.com/whispernet/whisper/internal/v1/overlay"
	"github.com/whispernet/whisper/internal/v1/router"
	"github.com/whispernet/whisper/internal/v1/session"
)

type capture struct {
	mu           sync.Mutex
	system       []string
	messages     []codec.ChatMessage
	disconnected int
}

func (c *capture) systemJoined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.system, "\n")
}

func newTestProcessor(t *testing.T) (*Processor, *session.Session, *capture) {
	return newTestProcessorWithLimits(t, Limits{})
}

func newTestProcessorWithLimits(t *testing.T, limits Limits) (*Processor, *session.Session, *capture) {
	t.Helper()
	ident, err := identity.Generate()
	require.NoError(t, err)

	out := &capture{}
	hub := overlay.NewHub()
	disp := router.NewDispatcher(hub.NewNode(ident.PeerID()))
	sess := session.New(ident, disp, directory.New(100), session.Config{DefaultRoom: "lobby"}, session.Callbacks{
		OnSystem: func(text string) {
			out.mu.Lock()
			out.system = append(out.system, text)
			out.mu.Unlock()
		},
		OnMessage: func(m codec.ChatMessage) {
			out.mu.Lock()
			out.messages = append(out.messages, m)
			out.mu.Unlock()
		},
		OnDisconnect: func() {
			out.mu.Lock()
			out.disconnected++
			out.mu.Unlock()
		},
	})
	p := New(sess, limits)
	sess.SetCommandHandler(p.Execute)
	require.NoError(t, sess.Start(context.Background()))
	t.Cleanup(func() { sess.Destroy(context.Background()) })
	return p, sess, out
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice", "alice"},
		{"al ice!", "alice"},
		{"héllo", "hllo"},
		{"a_b-c", "a_b-c"},
		{"<script>", "script"},
		{strings.Repeat("x", 40), strings.Repeat("x", 32)},
		{"!!!", ""},
	}
	for _, tt := range tests {
		got := Sanitize(tt.in, DefaultMaxNameLength)
		assert.Equal(t, tt.want, got, "Sanitize(%q)", tt.in)
		assert.Equal(t, got, Sanitize(got, DefaultMaxNameLength), "sanitization is idempotent")
	}

	assert.Equal(t, "xxxx", Sanitize(strings.Repeat("x", 40), 4), "custom limit truncates")
}

func TestSanitizeRoom(t *testing.T) {
	assert.Equal(t, "lobby", SanitizeRoom("LoBBy", DefaultMaxNameLength))
	assert.Equal(t, "room-1", SanitizeRoom("Room 1!", DefaultMaxNameLength))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("alice"))
	assert.True(t, Valid("a_b-c"))
	assert.False(t, Valid(""))
	assert.False(t, Valid("a b"))
}

func TestTokenize(t *testing.T) {
	name, args := tokenize("/NICK   alice  bob")
	assert.Equal(t, "nick", name)
	assert.Equal(t, []string{"alice", "bob"}, args)

	name, args = tokenize("  /help ")
	assert.Equal(t, "help", name)
	assert.Empty(t, args)

	name, _ = tokenize("/")
	assert.Empty(t, name)
}

func TestExecute_UnknownCommand(t *testing.T) {
	p, _, out := newTestProcessor(t)

	p.Execute(context.Background(), "/frobnicate now")

	assert.Contains(t, out.systemJoined(), "Unknown command: /frobnicate. Type /help for available commands.")
}

func TestExecute_NickCommand(t *testing.T) {
	p, sess, out := newTestProcessor(t)

	p.Execute(context.Background(), "/nick")
	assert.Contains(t, out.systemJoined(), "Usage: /nick <name>")

	p.Execute(context.Background(), "/nick !!!")
	assert.Contains(t, out.systemJoined(), "Invalid nickname")

	p.Execute(context.Background(), "/n al ice")
	assert.Equal(t, "al", sess.Nick(), "alias works; only the first arg is used")
}

func TestExecute_JoinCommand(t *testing.T) {
	p, sess, _ := newTestProcessor(t)

	p.Execute(context.Background(), "/j Quiet-Room")

	assert.Equal(t, "quiet-room", sess.Room())
}

func TestExecute_MeCommand(t *testing.T) {
	p, _, out := newTestProcessor(t)

	p.Execute(context.Background(), "/me waves at   everyone")

	out.mu.Lock()
	defer out.mu.Unlock()
	require.Len(t, out.messages, 1)
	assert.Equal(t, codec.TypeAction, out.messages[0].Type)
	assert.Equal(t, "waves at everyone", out.messages[0].Content)
}

func TestExecute_QuitCommand(t *testing.T) {
	p, sess, out := newTestProcessor(t)

	p.Execute(context.Background(), "/quit")

	assert.Contains(t, out.systemJoined(), "Goodbye!")
	assert.False(t, sess.Connected())
	out.mu.Lock()
	assert.Equal(t, 1, out.disconnected)
	out.mu.Unlock()
}

func TestExecute_HelpListsEveryCommand(t *testing.T) {
	p, _, out := newTestProcessor(t)

	p.Execute(context.Background(), "/help")

	joined := out.systemJoined()
	for _, usage := range []string{"/nick", "/join", "/users", "/rooms", "/help", "/quit", "/me", "/clear"} {
		assert.Contains(t, joined, usage)
	}
}

func TestExecute_Aliases(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	for alias, want := range map[string]string{
		"w": "users", "who": "users", "r": "rooms", "h": "help",
		"?": "help", "q": "quit", "exit": "quit", "cls": "clear",
	} {
		cmd, ok := p.index[alias]
		require.True(t, ok, "alias %q", alias)
		assert.Equal(t, want, cmd.name)
	}
}

func TestExecute_HonorsConfiguredNameLimits(t *testing.T) {
	p, sess, _ := newTestProcessorWithLimits(t, Limits{
		MaxNickLength:     8,
		MaxRoomNameLength: 6,
	})

	p.Execute(context.Background(), "/nick abcdefghijkl")
	assert.Equal(t, "abcdefgh", sess.Nick(), "nick truncated at the configured limit")

	p.Execute(context.Background(), "/join LongRoomName")
	assert.Equal(t, "longro", sess.Room(), "room truncated at the configured limit")
}

func TestExecute_RecoversFromPanic(t *testing.T) {
	p, _, out := newTestProcessor(t)
	p.index["boom"] = &spec{
		name: "boom",
		run: func(context.Context, *Processor, []string) {
			panic("kaboom")
		},
	}

	p.Execute(context.Background(), "/boom")

	assert.Contains(t, out.systemJoined(), "Command failed: kaboom")
}
