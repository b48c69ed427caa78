// Package codec defines the chat message record and its wire form. Each
// message is encoded independently as the UTF-8 JSON text of the record.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrBadMessage marks payloads that fail to decode.
var ErrBadMessage = errors.New("bad message")

// DefaultMaxMessageSize bounds the UTF-8 byte length of text content.
const DefaultMaxMessageSize = 4096

// MessageType discriminates chat message records.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeJoin   MessageType = "join"
	TypeLeave  MessageType = "leave"
	TypeNick   MessageType = "nick"
	TypeAction MessageType = "action"
)

// ChatMessage is the wire and in-memory chat record.
type ChatMessage struct {
	ID          string      `json:"id"`
	Timestamp   int64       `json:"timestamp"` // milliseconds since epoch, producer clock
	Room        string      `json:"room"`
	Nick        string      `json:"nick"`
	Fingerprint string      `json:"fingerprint"`
	Type        MessageType `json:"type"`
	Content     string      `json:"content"`
	OldNick     string      `json:"oldNick,omitempty"` // present iff Type == TypeNick
}

func newMessage(room, nick, fp string, t MessageType, content string) ChatMessage {
	return ChatMessage{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UnixMilli(),
		Room:        room,
		Nick:        nick,
		Fingerprint: fp,
		Type:        t,
		Content:     content,
	}
}

// Text builds a plain chat message.
func Text(room, nick, fp, content string) ChatMessage {
	return newMessage(room, nick, fp, TypeText, content)
}

// Join builds the structural message announcing a user entering a room.
func Join(room, nick, fp string) ChatMessage {
	return newMessage(room, nick, fp, TypeJoin, fmt.Sprintf("%s has joined the room", nick))
}

// Leave builds the structural message announcing a user leaving a room.
func Leave(room, nick, fp string) ChatMessage {
	return newMessage(room, nick, fp, TypeLeave, fmt.Sprintf("%s has left the room", nick))
}

// Nick builds the structural message announcing a nickname change. The
// record's Nick field carries the new nickname.
func Nick(room, oldNick, newNick, fp string) ChatMessage {
	m := newMessage(room, newNick, fp, TypeNick, fmt.Sprintf("%s is now known as %s", oldNick, newNick))
	m.OldNick = oldNick
	return m
}

// Action builds a "/me" emote message.
func Action(room, nick, fp, action string) ChatMessage {
	return newMessage(room, nick, fp, TypeAction, action)
}

// Encode serializes the message to its UTF-8 wire form.
func Encode(m ChatMessage) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode is the inverse of Encode. Malformed input yields an error wrapping
// ErrBadMessage.
func Decode(data []byte) (ChatMessage, error) {
	var m ChatMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ChatMessage{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if m.ID == "" || m.Room == "" || m.Type == "" {
		return ChatMessage{}, fmt.Errorf("%w: missing required fields", ErrBadMessage)
	}
	switch m.Type {
	case TypeText, TypeJoin, TypeLeave, TypeNick, TypeAction:
	default:
		return ChatMessage{}, fmt.Errorf("%w: unknown type %q", ErrBadMessage, m.Type)
	}
	return m, nil
}

// SizeValid checks the UTF-8 byte length of content (not the full record)
// against the configured maximum.
func SizeValid(content string, max int) bool {
	return len(content) <= max
}
