// Package command parses slash-prefixed input lines and dispatches them to
// session operations.
package command

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mitchellh/go-wordwrap"
	"go.uber.org/zap"

	"github.com/whispernet/whisper/internal/v1/logging"
	"github.com/whispernet/whisper/internal/v1/session"
)

// DefaultMaxNameLength caps sanitized nicknames and room names when no
// explicit limit is configured.
const DefaultMaxNameLength = 32

// helpWrapWidth keeps help output readable on the default 80-column pty.
const helpWrapWidth = 72

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Limits bounds user-supplied names. Zero fields fall back to
// DefaultMaxNameLength.
type Limits struct {
	MaxNickLength     int
	MaxRoomNameLength int
}

func (l Limits) withDefaults() Limits {
	if l.MaxNickLength < 1 {
		l.MaxNickLength = DefaultMaxNameLength
	}
	if l.MaxRoomNameLength < 1 {
		l.MaxRoomNameLength = DefaultMaxNameLength
	}
	return l
}

// Sanitize strips characters outside [a-zA-Z0-9_-] and truncates to max
// bytes.
func Sanitize(s string, max int) string {
	s = invalidNameChars.ReplaceAllString(s, "")
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// SanitizeRoom sanitizes and lowercases a room name.
func SanitizeRoom(s string, max int) string {
	return strings.ToLower(Sanitize(s, max))
}

// Valid reports whether a sanitized name is usable.
func Valid(s string) bool {
	return s != "" && !invalidNameChars.MatchString(s)
}

type spec struct {
	name    string
	aliases []string
	usage   string
	desc    string
	run     func(ctx context.Context, p *Processor, args []string)
}

// Processor dispatches parsed commands onto one session.
type Processor struct {
	sess   *session.Session
	limits Limits
	index  map[string]*spec
	specs  []*spec
}

// New builds a processor bound to a session.
func New(sess *session.Session, limits Limits) *Processor {
	p := &Processor{sess: sess, limits: limits.withDefaults(), index: make(map[string]*spec)}
	p.specs = []*spec{
		{
			name: "nick", aliases: []string{"n"}, usage: "/nick <name>",
			desc: "Change your nickname.",
			run: func(ctx context.Context, p *Processor, args []string) {
				if len(args) == 0 {
					p.sess.ShowSystemMessage("Usage: /nick <name>")
					return
				}
				name := Sanitize(args[0], p.limits.MaxNickLength)
				if !Valid(name) {
					p.sess.ShowSystemMessage("Invalid nickname. Use letters, digits, _ or -")
					return
				}
				p.sess.ChangeNick(ctx, name)
			},
		},
		{
			name: "join", aliases: []string{"j"}, usage: "/join <room>",
			desc: "Switch to another room, creating it if needed.",
			run: func(ctx context.Context, p *Processor, args []string) {
				if len(args) == 0 {
					p.sess.ShowSystemMessage("Usage: /join <room>")
					return
				}
				room := SanitizeRoom(args[0], p.limits.MaxRoomNameLength)
				if !Valid(room) {
					p.sess.ShowSystemMessage("Invalid room name. Use letters, digits, _ or -")
					return
				}
				p.sess.JoinRoom(ctx, room)
			},
		},
		{
			name: "users", aliases: []string{"who", "w"}, usage: "/users",
			desc: "List the users in the current room.",
			run: func(_ context.Context, p *Processor, _ []string) {
				p.sess.ShowUserList()
			},
		},
		{
			name: "rooms", aliases: []string{"r"}, usage: "/rooms",
			desc: "List all known rooms.",
			run: func(_ context.Context, p *Processor, _ []string) {
				p.sess.ShowRoomList()
			},
		},
		{
			name: "help", aliases: []string{"h", "?"}, usage: "/help",
			desc: "Show this help.",
			run: func(_ context.Context, p *Processor, _ []string) {
				p.sess.ShowSystemMessage(p.helpText())
			},
		},
		{
			name: "quit", aliases: []string{"q", "exit"}, usage: "/quit",
			desc: "Leave the chat.",
			run: func(ctx context.Context, p *Processor, _ []string) {
				p.sess.ShowSystemMessage("Goodbye!")
				p.sess.Disconnect(ctx)
			},
		},
		{
			name: "me", usage: "/me <text>",
			desc: "Send an action message.",
			run: func(ctx context.Context, p *Processor, args []string) {
				if len(args) == 0 {
					p.sess.ShowSystemMessage("Usage: /me <text>")
					return
				}
				p.sess.SendAction(ctx, strings.Join(args, " "))
			},
		},
		{
			name: "clear", aliases: []string{"cls"}, usage: "/clear",
			desc: "Clear the message pane.",
			run: func(_ context.Context, p *Processor, _ []string) {
				p.sess.ClearMessages()
			},
		},
	}
	for _, s := range p.specs {
		p.index[s.name] = s
		for _, alias := range s.aliases {
			p.index[alias] = s
		}
	}
	return p
}

// Execute parses and runs one slash command line. Handler panics surface to
// the user as a system message instead of killing the session.
func (p *Processor) Execute(ctx context.Context, line string) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "Command handler panicked",
				zap.String("line", line), zap.Any("panic", r))
			p.sess.ShowSystemMessage(fmt.Sprintf("Command failed: %v", r))
		}
	}()

	name, args := tokenize(line)
	if name == "" {
		return
	}
	cmd, ok := p.index[name]
	if !ok {
		p.sess.ShowSystemMessage(fmt.Sprintf("Unknown command: /%s. Type /help for available commands.", name))
		return
	}
	cmd.run(ctx, p, args)
}

// tokenize strips the leading slash, splits on whitespace runs, and
// lowercases the command name.
func tokenize(line string) (string, []string) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "/")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

func (p *Processor) helpText() string {
	specs := make([]*spec, len(p.specs))
	copy(specs, p.specs)
	sort.Slice(specs, func(i, j int) bool { return specs[i].name < specs[j].name })

	lines := []string{"Available commands:"}
	for _, s := range specs {
		entry := fmt.Sprintf("  %-14s %s", s.usage, s.desc)
		if len(s.aliases) > 0 {
			entry += fmt.Sprintf(" (aliases: %s)", strings.Join(s.aliases, ", "))
		}
		lines = append(lines, wordwrap.WrapString(entry, helpWrapWidth))
	}
	return strings.Join(lines, "\n")
}
