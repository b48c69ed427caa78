// Package directory holds the process-wide registry of connected users,
// per-room bounded message histories, and the event broadcaster every
// session attaches to.
package directory

import (
	"strings"
	"sync"
	"time"

	"github.com/whispernet/whisper/internal/v1/buffer"
	"github.com/whispernet/whisper/internal/v1/codec"
	"github.com/whispernet/whisper/internal/v1/metrics"
)

// UserInfo describes one connected user.
type UserInfo struct {
	SessionID   string `json:"sessionId"`
	Nick        string `json:"nick"`
	Fingerprint string `json:"fingerprint"`
	Room        string `json:"room"`
	JoinedAt    int64  `json:"joinedAt"` // milliseconds since epoch
}

// Directory is the in-process authority for users and room histories. It is
// the sole writer of its own maps; sessions mutate it only through these
// operations. Listeners are invoked outside the data lock, in mutation
// order, and may call back into read-only operations only.
//
// Lock order: mutators take emitMu first, then mu. mu is released before
// listeners run, so a listener's read-only call never waits behind another
// mutator. Read-only operations take mu alone.
type Directory struct {
	mu                 sync.RWMutex
	emitMu             sync.Mutex
	users              map[string]UserInfo
	roomMessages       map[string]*buffer.Ring[codec.ChatMessage]
	maxMessagesPerRoom int

	listeners  map[int]*Listener
	nextHandle int
}

// New creates a Directory bounding each room's history at maxMessagesPerRoom.
func New(maxMessagesPerRoom int) *Directory {
	if maxMessagesPerRoom < 1 {
		maxMessagesPerRoom = 100
	}
	return &Directory{
		users:              make(map[string]UserInfo),
		roomMessages:       make(map[string]*buffer.Ring[codec.ChatMessage]),
		maxMessagesPerRoom: maxMessagesPerRoom,
		listeners:          make(map[int]*Listener),
	}
}

// AddUser registers a user. Callers must not reuse a live sessionId.
func (d *Directory) AddUser(sessionID, nick, fp, room string) UserInfo {
	user := UserInfo{
		SessionID:   sessionID,
		Nick:        nick,
		Fingerprint: fp,
		Room:        room,
		JoinedAt:    time.Now().UnixMilli(),
	}

	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	d.users[sessionID] = user
	targets := d.snapshotListenersLocked()
	d.updateRoomGaugeLocked()
	d.mu.Unlock()

	for _, l := range targets {
		if l.OnUserJoin != nil {
			l.OnUserJoin(user)
		}
	}
	return user
}

// RemoveUser deregisters a user, returning the removed entry if present.
func (d *Directory) RemoveUser(sessionID string) (UserInfo, bool) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	user, ok := d.users[sessionID]
	if !ok {
		d.mu.Unlock()
		return UserInfo{}, false
	}
	delete(d.users, sessionID)
	targets := d.snapshotListenersLocked()
	d.updateRoomGaugeLocked()
	d.mu.Unlock()

	for _, l := range targets {
		if l.OnUserLeave != nil {
			l.OnUserLeave(user)
		}
	}
	return user, true
}

// SetNick updates a user's nickname in place. Uniqueness is the caller's
// responsibility (see IsNickTaken).
func (d *Directory) SetNick(sessionID, newNick string) bool {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	user, ok := d.users[sessionID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	oldNick := user.Nick
	user.Nick = newNick
	d.users[sessionID] = user
	targets := d.snapshotListenersLocked()
	d.mu.Unlock()

	for _, l := range targets {
		if l.OnUserNick != nil {
			l.OnUserNick(user, oldNick)
		}
	}
	return true
}

// SetRoom moves a user to a new room.
func (d *Directory) SetRoom(sessionID, newRoom string) bool {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	user, ok := d.users[sessionID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	oldRoom := user.Room
	user.Room = newRoom
	d.users[sessionID] = user
	targets := d.snapshotListenersLocked()
	d.updateRoomGaugeLocked()
	d.mu.Unlock()

	for _, l := range targets {
		if l.OnUserRoom != nil {
			l.OnUserRoom(user, oldRoom)
		}
	}
	return true
}

// GetUser looks up a user by session id.
func (d *Directory) GetUser(sessionID string) (UserInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.users[sessionID]
	return user, ok
}

// GetUserByFingerprint returns the first user with the given fingerprint.
// Fingerprints are not unique; collisions are a display concern only.
func (d *Directory) GetUserByFingerprint(fp string) (UserInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, user := range d.users {
		if user.Fingerprint == fp {
			return user, true
		}
	}
	return UserInfo{}, false
}

// GetUsersInRoom returns a snapshot of the users currently in a room.
func (d *Directory) GetUsersInRoom(room string) []UserInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []UserInfo
	for _, user := range d.users {
		if user.Room == room {
			out = append(out, user)
		}
	}
	return out
}

// GetKnownRooms returns the union of occupied rooms and rooms holding
// history.
func (d *Directory) GetKnownRooms() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.knownRoomsLocked()
}

// GetUserCount returns the number of registered users.
func (d *Directory) GetUserCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// AddMessage appends a message to its room's bounded history, creating the
// buffer lazily. A message ID already present in the room's history is
// ignored, so co-located sessions receiving the same overlay message keep
// history exactly-once. Listeners observe the buffer already updated.
func (d *Directory) AddMessage(m codec.ChatMessage) bool {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	ring, ok := d.roomMessages[m.Room]
	if !ok {
		ring = buffer.New[codec.ChatMessage](d.maxMessagesPerRoom)
		d.roomMessages[m.Room] = ring
	}
	for _, existing := range ring.All() {
		if existing.ID == m.ID {
			d.mu.Unlock()
			return false
		}
	}
	ring.Push(m)
	targets := d.snapshotListenersLocked()
	d.updateRoomGaugeLocked()
	d.mu.Unlock()

	for _, l := range targets {
		if l.OnMessage != nil {
			l.OnMessage(m)
		}
	}
	return true
}

// GetRecentMessages returns a snapshot of the most recent count messages in
// a room, or the whole history when count <= 0. Unknown rooms yield an empty
// list.
func (d *Directory) GetRecentMessages(room string, count int) []codec.ChatMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ring, ok := d.roomMessages[room]
	if !ok {
		return []codec.ChatMessage{}
	}
	if count <= 0 {
		return ring.All()
	}
	return ring.Last(count)
}

// IsNickTaken reports whether another session in the room holds the nick,
// case-insensitively. excludeSessionID lets a user re-assert its own nick.
func (d *Directory) IsNickTaken(nick, room, excludeSessionID string) bool {
	lower := strings.ToLower(nick)
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, user := range d.users {
		if user.SessionID == excludeSessionID {
			continue
		}
		if user.Room == room && strings.ToLower(user.Nick) == lower {
			return true
		}
	}
	return false
}

// knownRoomsLocked unions occupied rooms with rooms holding history.
// Caller must hold d.mu.
func (d *Directory) knownRoomsLocked() []string {
	seen := make(map[string]struct{})
	for _, user := range d.users {
		seen[user.Room] = struct{}{}
	}
	for room := range d.roomMessages {
		seen[room] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for room := range seen {
		out = append(out, room)
	}
	return out
}

func (d *Directory) updateRoomGaugeLocked() {
	metrics.KnownRooms.Set(float64(len(d.knownRoomsLocked())))
}
