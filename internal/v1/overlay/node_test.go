package overlay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whispernet/whisper/internal/v1/identity"
)

func startNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	ident, err := identity.Generate()
	require.NoError(t, err)
	n := NewNode(ident, cfg)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestRelay_ForwardsBetweenClients(t *testing.T) {
	relay := startNode(t, Config{ListenPort: 0, ServerMode: true})
	maddr := relay.ListenAddr()
	require.NotEmpty(t, maddr)

	a := startNode(t, Config{ListenPort: 0, Bootstrap: []string{maddr}})
	b := startNode(t, Config{ListenPort: 0, Bootstrap: []string{maddr}})

	require.Eventually(t, func() bool {
		return a.ConnectionCount() == 1 && b.ConnectionCount() == 1
	}, 5*time.Second, 20*time.Millisecond, "clients connect to the relay")

	const topic = "/whisper/room/lobby"
	got := make(chan InboundMessage, 4)
	b.SetHandler(func(m InboundMessage) { got <- m })

	require.NoError(t, a.Subscribe(topic))
	require.NoError(t, b.Subscribe(topic))

	// The relay re-announces b's interest, making it a publish target for a.
	require.Eventually(t, func() bool {
		return len(a.TopicPeers(topic)) > 0
	}, 5*time.Second, 20*time.Millisecond, "relay announces the remote subscription")

	require.NoError(t, a.Publish(context.Background(), topic, []byte("hi")))

	select {
	case m := <-got:
		assert.Equal(t, a.ID(), m.From, "origin peer survives the relay hop")
		assert.Equal(t, []byte("hi"), m.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("message did not traverse the relay")
	}
}

func TestRelay_WithdrawsSubscriptionOnUnsubscribe(t *testing.T) {
	relay := startNode(t, Config{ListenPort: 0, ServerMode: true})
	a := startNode(t, Config{ListenPort: 0, Bootstrap: []string{relay.ListenAddr()}})
	b := startNode(t, Config{ListenPort: 0, Bootstrap: []string{relay.ListenAddr()}})

	require.Eventually(t, func() bool {
		return a.ConnectionCount() == 1 && b.ConnectionCount() == 1
	}, 5*time.Second, 20*time.Millisecond)

	const topic = "/whisper/room/quiet"
	require.NoError(t, b.Subscribe(topic))
	require.Eventually(t, func() bool {
		return len(a.TopicPeers(topic)) > 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, b.Unsubscribe(topic))
	require.Eventually(t, func() bool {
		return len(a.TopicPeers(topic)) == 0
	}, 5*time.Second, 20*time.Millisecond, "relay withdraws the dead interest")

	assert.ErrorIs(t, a.Publish(context.Background(), topic, []byte("hi")), ErrNoPeersSubscribed)
}

func TestRelay_ReplaysInterestToLateJoiner(t *testing.T) {
	relay := startNode(t, Config{ListenPort: 0, ServerMode: true})

	b := startNode(t, Config{ListenPort: 0, Bootstrap: []string{relay.ListenAddr()}})
	require.Eventually(t, func() bool { return b.ConnectionCount() == 1 },
		5*time.Second, 20*time.Millisecond)

	const topic = "/whisper/room/lobby"
	require.NoError(t, b.Subscribe(topic))
	require.Eventually(t, func() bool {
		return len(relay.TopicPeers(topic)) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// a connects after b subscribed; the relay replays the aggregate.
	a := startNode(t, Config{ListenPort: 0, Bootstrap: []string{relay.ListenAddr()}})
	require.Eventually(t, func() bool {
		return len(a.TopicPeers(topic)) > 0
	}, 5*time.Second, 20*time.Millisecond, "late joiner learns existing interest")
}
