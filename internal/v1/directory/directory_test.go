package directory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whispernet/whisper/internal/v1/codec"
)

func TestAddUser_RegistersAndEmits(t *testing.T) {
	d := New(10)

	var joined []UserInfo
	unsub := d.Subscribe(&Listener{
		OnUserJoin: func(u UserInfo) { joined = append(joined, u) },
	})
	defer unsub()

	user := d.AddUser("s1", "alice", "A1B2C3D4", "lobby")

	assert.Equal(t, "s1", user.SessionID)
	assert.Equal(t, "alice", user.Nick)
	assert.NotZero(t, user.JoinedAt)
	assert.Equal(t, 1, d.GetUserCount())

	require.Len(t, joined, 1)
	assert.Equal(t, "s1", joined[0].SessionID)

	got, ok := d.GetUser("s1")
	require.True(t, ok)
	assert.Equal(t, user, got)
}

func TestRemoveUser(t *testing.T) {
	d := New(10)
	d.AddUser("s1", "alice", "A1B2C3D4", "lobby")

	var left []UserInfo
	unsub := d.Subscribe(&Listener{
		OnUserLeave: func(u UserInfo) { left = append(left, u) },
	})
	defer unsub()

	removed, ok := d.RemoveUser("s1")
	require.True(t, ok)
	assert.Equal(t, "alice", removed.Nick)
	assert.Equal(t, 0, d.GetUserCount())
	require.Len(t, left, 1)

	_, ok = d.RemoveUser("s1")
	assert.False(t, ok, "second removal reports absence")
	assert.Len(t, left, 1, "no event for absent user")
}

func TestSetNick(t *testing.T) {
	d := New(10)
	d.AddUser("s1", "alice", "A1B2C3D4", "lobby")
	d.AddUser("s2", "bob", "00FFAA11", "lobby")

	var oldNicks []string
	unsub := d.Subscribe(&Listener{
		OnUserNick: func(u UserInfo, old string) { oldNicks = append(oldNicks, old) },
	})
	defer unsub()

	require.True(t, d.SetNick("s1", "alicia"))

	u, _ := d.GetUser("s1")
	assert.Equal(t, "alicia", u.Nick)
	other, _ := d.GetUser("s2")
	assert.Equal(t, "bob", other.Nick, "no other user's nick is mutated")
	assert.Equal(t, []string{"alice"}, oldNicks)

	assert.False(t, d.SetNick("missing", "x"))
}

func TestSetRoom(t *testing.T) {
	d := New(10)
	d.AddUser("s1", "alice", "A1B2C3D4", "lobby")

	var oldRooms []string
	unsub := d.Subscribe(&Listener{
		OnUserRoom: func(u UserInfo, old string) { oldRooms = append(oldRooms, old) },
	})
	defer unsub()

	require.True(t, d.SetRoom("s1", "quiet"))

	u, _ := d.GetUser("s1")
	assert.Equal(t, "quiet", u.Room)
	assert.Equal(t, []string{"lobby"}, oldRooms)
	assert.Empty(t, d.GetUsersInRoom("lobby"))
	assert.Len(t, d.GetUsersInRoom("quiet"), 1)
}

func TestGetUserByFingerprint(t *testing.T) {
	d := New(10)
	d.AddUser("s1", "alice", "A1B2C3D4", "lobby")

	u, ok := d.GetUserByFingerprint("A1B2C3D4")
	require.True(t, ok)
	assert.Equal(t, "s1", u.SessionID)

	_, ok = d.GetUserByFingerprint("DEADBEEF")
	assert.False(t, ok)
}

func TestAddMessage_BoundedHistory(t *testing.T) {
	d := New(3)

	var seen []codec.ChatMessage
	unsub := d.Subscribe(&Listener{
		OnMessage: func(m codec.ChatMessage) {
			// Emit-after-commit: the buffer already holds the message.
			recent := d.GetRecentMessages(m.Room, 0)
			assert.Equal(t, m, recent[len(recent)-1])
			seen = append(seen, m)
		},
	})
	defer unsub()

	var all []codec.ChatMessage
	for i := 0; i < 4; i++ {
		m := codec.Text("lobby", "alice", "A1B2C3D4", fmt.Sprintf("msg %d", i))
		all = append(all, m)
		d.AddMessage(m)
	}

	history := d.GetRecentMessages("lobby", 0)
	require.Len(t, history, 3, "history saturates at capacity")
	assert.Equal(t, all[1:], history, "oldest message evicted")
	assert.Len(t, seen, 4)
}

func TestListenerReadsDuringConcurrentMutation(t *testing.T) {
	d := New(10)

	// The listener starts a competing mutator, gives it time to block on the
	// emission lock, and then performs a documented-legal read-only call.
	// Both must complete: reads never wait behind a queued mutator.
	secondMutation := make(chan struct{})
	unsub := d.Subscribe(&Listener{
		OnUserJoin: func(UserInfo) {
			go func() {
				d.AddMessage(codec.Text("lobby", "bob", "00FFAA11", "x"))
				close(secondMutation)
			}()
			time.Sleep(50 * time.Millisecond)
			assert.Len(t, d.GetUsersInRoom("lobby"), 1)
		},
	})
	defer unsub()

	firstMutation := make(chan struct{})
	go func() {
		d.AddUser("s1", "alice", "A1B2C3D4", "lobby")
		close(firstMutation)
	}()

	for _, ch := range []chan struct{}{firstMutation, secondMutation} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("directory deadlocked while a listener read during emission")
		}
	}

	assert.Len(t, d.GetRecentMessages("lobby", 0), 1)
}

func TestAddMessage_DeduplicatesByID(t *testing.T) {
	d := New(10)

	var seen int
	unsub := d.Subscribe(&Listener{
		OnMessage: func(codec.ChatMessage) { seen++ },
	})
	defer unsub()

	m := codec.Text("lobby", "alice", "A1B2C3D4", "hi")
	assert.True(t, d.AddMessage(m))
	assert.False(t, d.AddMessage(m), "same ID is dropped")

	assert.Len(t, d.GetRecentMessages("lobby", 0), 1)
	assert.Equal(t, 1, seen, "duplicates do not re-emit")
}

func TestGetRecentMessages(t *testing.T) {
	d := New(10)
	for i := 0; i < 5; i++ {
		d.AddMessage(codec.Text("lobby", "alice", "A1B2C3D4", fmt.Sprintf("m%d", i)))
	}

	assert.Len(t, d.GetRecentMessages("lobby", 2), 2)
	assert.Len(t, d.GetRecentMessages("lobby", 100), 5)
	assert.Empty(t, d.GetRecentMessages("unknown", 5))
}

func TestGetKnownRooms_UnionOfOccupiedAndHistory(t *testing.T) {
	d := New(10)
	d.AddUser("s1", "alice", "A1B2C3D4", "lobby")
	d.AddMessage(codec.Text("archive", "bob", "00FFAA11", "old"))

	rooms := d.GetKnownRooms()
	assert.ElementsMatch(t, []string{"lobby", "archive"}, rooms)
}

func TestIsNickTaken(t *testing.T) {
	d := New(10)
	d.AddUser("s1", "Alice", "A1B2C3D4", "lobby")
	d.AddUser("s2", "alice", "00FFAA11", "quiet")

	assert.True(t, d.IsNickTaken("alice", "lobby", ""), "case-insensitive within room")
	assert.True(t, d.IsNickTaken("ALICE", "lobby", "s9"))
	assert.False(t, d.IsNickTaken("alice", "lobby", "s1"), "own session excluded")
	assert.False(t, d.IsNickTaken("alice", "elsewhere", ""), "collisions across rooms allowed")
}

func TestSessionIDKeyMatchesValue(t *testing.T) {
	d := New(10)
	d.AddUser("s1", "alice", "A1B2C3D4", "lobby")
	d.AddUser("s2", "bob", "00FFAA11", "lobby")

	for _, id := range []string{"s1", "s2"} {
		u, ok := d.GetUser(id)
		require.True(t, ok)
		assert.Equal(t, id, u.SessionID)
	}
}

func TestListeners_ReadOnlyReentrancy(t *testing.T) {
	d := New(10)

	unsub := d.Subscribe(&Listener{
		OnUserJoin: func(u UserInfo) {
			// Read-only calls from a callback must not deadlock.
			_ = d.GetUsersInRoom(u.Room)
			_ = d.GetKnownRooms()
			_, _ = d.GetUser(u.SessionID)
		},
	})
	defer unsub()

	d.AddUser("s1", "alice", "A1B2C3D4", "lobby")
}

func TestConcurrentMutations(t *testing.T) {
	d := New(50)

	var mu sync.Mutex
	events := 0
	unsub := d.Subscribe(&Listener{
		OnMessage: func(codec.ChatMessage) {
			mu.Lock()
			events++
			mu.Unlock()
		},
	})
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", n)
			d.AddUser(id, fmt.Sprintf("user%d", n), "A1B2C3D4", "lobby")
			for j := 0; j < 10; j++ {
				d.AddMessage(codec.Text("lobby", "user", "A1B2C3D4", "x"))
			}
			d.RemoveUser(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, d.GetUserCount())
	assert.Equal(t, 80, events)
	assert.Len(t, d.GetRecentMessages("lobby", 0), 50)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := New(10)

	count := 0
	unsub := d.Subscribe(&Listener{
		OnUserJoin: func(UserInfo) { count++ },
	})

	d.AddUser("s1", "alice", "A1B2C3D4", "lobby")
	unsub()
	d.AddUser("s2", "bob", "00FFAA11", "lobby")

	assert.Equal(t, 1, count)
}
