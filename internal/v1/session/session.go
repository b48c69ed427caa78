// Package session implements the per-user state machine. A Session binds an
// ephemeral identity, a nickname, a current room, a rate limiter, the shared
// directory, and a router view, and turns input lines into published messages
// and UI callback invocations.
package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whispernet/whisper/internal/v1/codec"
	"github.com/whispernet/whisper/internal/v1/directory"
	"github.com/whispernet/whisper/internal/v1/identity"
	"github.com/whispernet/whisper/internal/v1/logging"
	"github.com/whispernet/whisper/internal/v1/metrics"
	"github.com/whispernet/whisper/internal/v1/ratelimit"
	"github.com/whispernet/whisper/internal/v1/router"
)

// Config carries the per-session knobs.
type Config struct {
	DefaultRoom        string
	MaxMessageSize     int
	RateLimit          int
	HistoryReplayCount int // messages replayed on room entry; <= 0 replays all
}

func (c Config) withDefaults() Config {
	if c.DefaultRoom == "" {
		c.DefaultRoom = "lobby"
	}
	if c.MaxMessageSize < 1 {
		c.MaxMessageSize = codec.DefaultMaxMessageSize
	}
	return c
}

// Callbacks deliver session output to the UI collaborator. Nil members are
// skipped. OnMessage and OnUserList may fire from the directory's emit
// goroutine concurrently with callback calls made by the session's own
// operations; the UI is expected to serialize rendering.
type Callbacks struct {
	OnMessage    func(m codec.ChatMessage)
	OnSystem     func(text string)
	OnUserList   func(users []directory.UserInfo)
	OnRoomChange func(room string)
	OnClear      func()
	OnDisconnect func()
}

// Session is the server-side representation of one connected user.
//
// Public operations are serialized by mu. nick, room, and connected live
// behind stateMu so directory listener callbacks can read them without
// touching mu; stateMu is never held across a call into another component.
type Session struct {
	id          string
	ident       *identity.Identity
	fingerprint string

	dir     *directory.Directory
	rtr     *router.Router
	limiter *ratelimit.SlidingWindow
	cfg     Config
	cb      Callbacks

	onCommand func(ctx context.Context, line string)

	mu sync.Mutex

	stateMu   sync.RWMutex
	nick      string
	room      string
	connected bool

	detach    func()
	destroyed bool
}

// New builds a session around a fresh identity. The session is inert until
// Start.
func New(ident *identity.Identity, disp *router.Dispatcher, dir *directory.Directory, cfg Config, cb Callbacks) *Session {
	cfg = cfg.withDefaults()
	fp := ident.Fingerprint()
	return &Session{
		id:          uuid.NewString(),
		ident:       ident,
		fingerprint: fp,
		dir:         dir,
		rtr:         disp.NewView(),
		limiter:     ratelimit.NewSlidingWindow(cfg.RateLimit),
		cfg:         cfg,
		cb:          cb,
		nick:        "anon_" + fp[:6],
		room:        cfg.DefaultRoom,
	}
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// Fingerprint returns the identity fingerprint shown to other users.
func (s *Session) Fingerprint() string { return s.fingerprint }

// Nick returns the current nickname.
func (s *Session) Nick() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.nick
}

// Room returns the current room.
func (s *Session) Room() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.room
}

// Connected reports whether the session is live.
func (s *Session) Connected() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.connected
}

// SetCommandHandler installs the slash-command dispatcher. Must be called
// before Start.
func (s *Session) SetCommandHandler(h func(ctx context.Context, line string)) {
	s.onCommand = h
}

// Start registers the user in the directory, attaches the directory listener,
// joins the default room, and emits the welcome banner.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return fmt.Errorf("session %s already destroyed", s.id)
	}

	s.dir.AddUser(s.id, s.Nick(), s.fingerprint, s.cfg.DefaultRoom)
	s.detach = s.dir.Subscribe(s.directoryListener())

	if err := s.joinRoomLocked(ctx, s.cfg.DefaultRoom); err != nil {
		s.detach()
		s.detach = nil
		s.dir.RemoveUser(s.id)
		return err
	}

	s.setConnected(true)
	metrics.IncSession()
	logging.Info(ctx, "Session started",
		zap.String("sessionId", s.id),
		zap.String("fingerprint", s.fingerprint),
		zap.String("room", s.cfg.DefaultRoom))

	s.emitSystem("Welcome to Whisper, an anonymous ephemeral chat")
	s.emitSystem(fmt.Sprintf("You are %s (fingerprint %s)", s.Nick(), s.fingerprint))
	s.emitSystem("Type /help for available commands")
	return nil
}

// HandleInput consumes one line of user input. Empty lines are ignored,
// slash-prefixed lines go to the command handler, everything else is sent as
// a chat message.
func (s *Session) HandleInput(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if strings.HasPrefix(line, "/") {
		if s.onCommand != nil {
			s.onCommand(ctx, line)
		} else {
			s.emitSystem("Commands are not available")
		}
		return
	}
	s.SendMessage(ctx, line)
}

// SendMessage rate-limits, size-checks, publishes, echoes locally, and
// appends to the room history. The echo happens only on successful publish.
func (s *Session) SendMessage(ctx context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.requireConnected() {
		return
	}
	s.sendLocked(ctx, text, codec.TypeText)
}

// SendAction publishes a "/me" emote. Actions are rate-limited but not
// size-checked.
func (s *Session) SendAction(ctx context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.requireConnected() {
		return
	}
	s.sendLocked(ctx, text, codec.TypeAction)
}

func (s *Session) sendLocked(ctx context.Context, text string, t codec.MessageType) {
	if !s.limiter.Record() {
		metrics.RateLimitRejections.WithLabelValues("chat").Inc()
		s.emitSystem("You are sending messages too quickly. Please slow down.")
		return
	}
	if t == codec.TypeText && !codec.SizeValid(text, s.cfg.MaxMessageSize) {
		s.emitSystem(fmt.Sprintf("Message too long (max %d bytes)", s.cfg.MaxMessageSize))
		return
	}

	room := s.Room()
	var m codec.ChatMessage
	if t == codec.TypeAction {
		m = codec.Action(room, s.Nick(), s.fingerprint, text)
	} else {
		m = codec.Text(room, s.Nick(), s.fingerprint, text)
	}

	if err := s.rtr.SendMessage(ctx, room, m); err != nil {
		logging.Warn(ctx, "Publish failed",
			zap.String("sessionId", s.id), zap.String("room", room), zap.Error(err))
		s.emitSystem("Failed to send message")
		return
	}
	s.emitMessage(m)
	s.dir.AddMessage(m)
}

// ChangeNick renames the user. The rename is kept locally even when the
// announcing publish fails.
func (s *Session) ChangeNick(ctx context.Context, newNick string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.requireConnected() {
		return
	}

	old := s.Nick()
	if newNick == old {
		s.emitSystem(fmt.Sprintf("You are already known as %s", newNick))
		return
	}
	room := s.Room()
	if s.dir.IsNickTaken(newNick, room, s.id) {
		s.emitSystem(fmt.Sprintf("Nickname %s is already taken in this room", newNick))
		return
	}

	s.setNick(newNick)
	s.dir.SetNick(s.id, newNick)

	m := codec.Nick(room, old, newNick, s.fingerprint)
	if err := s.rtr.SendMessage(ctx, room, m); err != nil {
		logging.Warn(ctx, "Failed to announce nick change",
			zap.String("sessionId", s.id), zap.Error(err))
	}
	s.dir.AddMessage(m)
	s.emitSystem(fmt.Sprintf("You are now known as %s", newNick))
}

// JoinRoom moves the session to another room, replaying that room's recent
// history.
func (s *Session) JoinRoom(ctx context.Context, newRoom string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.requireConnected() {
		return
	}
	if err := s.joinRoomLocked(ctx, newRoom); err != nil {
		logging.Error(ctx, "Room join failed",
			zap.String("sessionId", s.id), zap.String("room", newRoom), zap.Error(err))
		s.emitSystem(fmt.Sprintf("Failed to join %s", newRoom))
	}
}

func (s *Session) joinRoomLocked(ctx context.Context, newRoom string) error {
	oldRoom := s.Room()
	if newRoom == oldRoom && s.Connected() {
		s.emitSystem(fmt.Sprintf("You are already in %s", newRoom))
		return nil
	}

	if s.Connected() {
		leave := codec.Leave(oldRoom, s.Nick(), s.fingerprint)
		if err := s.rtr.SendMessage(ctx, oldRoom, leave); err != nil {
			logging.Warn(ctx, "Failed to announce leave",
				zap.String("sessionId", s.id), zap.String("room", oldRoom), zap.Error(err))
		}
		s.rtr.LeaveRoom(oldRoom)
	}

	s.setRoom(newRoom)
	s.dir.SetRoom(s.id, newRoom)

	// Inbound messages land in the directory; the directory listener carries
	// them on to the UI, keeping a single emission path.
	handler := func(m codec.ChatMessage) {
		if m.Fingerprint == s.fingerprint {
			return
		}
		s.dir.AddMessage(m)
	}
	if err := s.rtr.JoinRoom(newRoom, handler); err != nil {
		return fmt.Errorf("failed to join room %s: %w", newRoom, err)
	}

	join := codec.Join(newRoom, s.Nick(), s.fingerprint)
	if err := s.rtr.SendMessage(ctx, newRoom, join); err != nil {
		logging.Warn(ctx, "Failed to announce join",
			zap.String("sessionId", s.id), zap.String("room", newRoom), zap.Error(err))
	}
	s.dir.AddMessage(join)

	s.emitRoomChange(newRoom)
	s.emitUserList(s.dir.GetUsersInRoom(newRoom))
	s.emitSystem("Joined room: " + newRoom)
	s.replayHistory(newRoom)
	return nil
}

// replayHistory renders the room's recent messages from other users, framed
// by delimiters. Empty history replays nothing.
func (s *Session) replayHistory(room string) {
	history := s.dir.GetRecentMessages(room, s.cfg.HistoryReplayCount)
	var replay []codec.ChatMessage
	for _, m := range history {
		if m.Fingerprint != s.fingerprint {
			replay = append(replay, m)
		}
	}
	if len(replay) == 0 {
		return
	}
	s.emitSystem("--- Recent messages ---")
	for _, m := range replay {
		s.emitMessage(m)
	}
	s.emitSystem("--- End of history ---")
}

// ShowUserList renders the current room's occupants as a system message.
func (s *Session) ShowUserList() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.requireConnected() {
		return
	}

	room := s.Room()
	users := s.dir.GetUsersInRoom(room)
	sort.Slice(users, func(i, j int) bool { return users[i].Nick < users[j].Nick })

	lines := []string{fmt.Sprintf("Users in %s (%d):", room, len(users))}
	for _, u := range users {
		lines = append(lines, fmt.Sprintf("  %s [%s]", u.Nick, u.Fingerprint))
	}
	s.emitSystem(strings.Join(lines, "\n"))
}

// ShowRoomList renders every known room and its occupancy.
func (s *Session) ShowRoomList() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.requireConnected() {
		return
	}

	rooms := s.dir.GetKnownRooms()
	sort.Strings(rooms)

	lines := []string{fmt.Sprintf("Known rooms (%d):", len(rooms))}
	for _, room := range rooms {
		lines = append(lines, fmt.Sprintf("  %s (%d users)", room, len(s.dir.GetUsersInRoom(room))))
	}
	s.emitSystem(strings.Join(lines, "\n"))
}

// ClearMessages asks the UI to clear its message pane.
func (s *Session) ClearMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.requireConnected() {
		return
	}
	if s.cb.OnClear != nil {
		s.cb.OnClear()
	}
}

// ShowSystemMessage passes a system notice straight to the UI.
func (s *Session) ShowSystemMessage(text string) {
	s.emitSystem(text)
}

// Disconnect tears the session down: announces the leave, releases the
// router view, and deregisters from the directory. Idempotent.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked(ctx)
}

func (s *Session) disconnectLocked(ctx context.Context) {
	if !s.Connected() {
		return
	}

	room := s.Room()
	leave := codec.Leave(room, s.Nick(), s.fingerprint)
	if err := s.rtr.SendMessage(ctx, room, leave); err != nil {
		logging.Warn(ctx, "Failed to announce leave on disconnect",
			zap.String("sessionId", s.id), zap.Error(err))
	}

	s.setConnected(false)
	s.rtr.Destroy()
	s.dir.RemoveUser(s.id)
	metrics.DecSession()

	logging.Info(ctx, "Session disconnected", zap.String("sessionId", s.id))
	if s.cb.OnDisconnect != nil {
		s.cb.OnDisconnect()
	}
}

// Destroy disconnects and detaches the directory listener. The session must
// not be used afterwards.
func (s *Session) Destroy(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked(ctx)
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
	s.destroyed = true
}

// directoryListener reacts to process-wide directory events: chat messages
// for the current room from other users go to the UI, and membership changes
// touching the current room refresh the user list. Callbacks run under the
// directory's emit lock and only use read-only directory operations.
func (s *Session) directoryListener() *directory.Listener {
	refresh := func(rooms ...string) {
		current := s.Room()
		for _, room := range rooms {
			if room == current {
				s.emitUserList(s.dir.GetUsersInRoom(current))
				return
			}
		}
	}
	return &directory.Listener{
		OnUserJoin:  func(u directory.UserInfo) { refresh(u.Room) },
		OnUserLeave: func(u directory.UserInfo) { refresh(u.Room) },
		OnUserNick:  func(u directory.UserInfo, _ string) { refresh(u.Room) },
		OnUserRoom:  func(u directory.UserInfo, oldRoom string) { refresh(u.Room, oldRoom) },
		OnMessage: func(m codec.ChatMessage) {
			if m.Room == s.Room() && m.Fingerprint != s.fingerprint {
				s.emitMessage(m)
			}
		},
	}
}

// requireConnected notifies the user when an operation arrives on a dead
// session. Caller must hold s.mu.
func (s *Session) requireConnected() bool {
	if s.Connected() {
		return true
	}
	s.emitSystem("Not connected")
	return false
}

func (s *Session) setNick(nick string) {
	s.stateMu.Lock()
	s.nick = nick
	s.stateMu.Unlock()
}

func (s *Session) setRoom(room string) {
	s.stateMu.Lock()
	s.room = room
	s.stateMu.Unlock()
}

func (s *Session) setConnected(v bool) {
	s.stateMu.Lock()
	s.connected = v
	s.stateMu.Unlock()
}

func (s *Session) emitMessage(m codec.ChatMessage) {
	if s.cb.OnMessage != nil {
		s.cb.OnMessage(m)
	}
}

func (s *Session) emitSystem(text string) {
	if s.cb.OnSystem != nil {
		s.cb.OnSystem(text)
	}
}

func (s *Session) emitUserList(users []directory.UserInfo) {
	if s.cb.OnUserList != nil {
		s.cb.OnUserList(users)
	}
}

func (s *Session) emitRoomChange(room string) {
	if s.cb.OnRoomChange != nil {
		s.cb.OnRoomChange(room)
	}
}
