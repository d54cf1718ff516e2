package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// TimestampLayout is the ISO-8601 layout used for sender-assigned timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

type MessageType string

const (
	TypeMessage MessageType = "message"
	TypeJoin    MessageType = "join"
	TypeLeave   MessageType = "leave"
	TypeTyping  MessageType = "typing"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeMessage, TypeJoin, TypeLeave, TypeTyping:
		return true
	}
	return false
}

// ChatMessage is a single frame exchanged with the gateway in either direction.
type ChatMessage struct {
	Type     MessageType `json:"type"`
	RoomID   string      `json:"roomId"`
	UserID   string      `json:"userId"`
	UserName string      `json:"userName"`
	UserRole string      `json:"userRole"`
	// Content is only set on message frames.
	Content string `json:"content,omitempty"`
	// Timestamp is assigned by the sender. Clocks are not synchronized so it
	// must never be used to order messages.
	Timestamp string `json:"timestamp"`
}

func (m ChatMessage) String() string {
	return fmt.Sprintf("ChatMessage{Type: %s, RoomID: %s, UserID: %s, Content.Size: %d}",
		m.Type, m.RoomID, m.UserID, len(m.Content))
}

// NewMessage builds an outbound message frame on behalf of id.
func NewMessage(id RoomIdentity, content string, at time.Time) ChatMessage {
	return ChatMessage{
		Type:      TypeMessage,
		RoomID:    id.RoomID,
		UserID:    id.UserID,
		UserName:  id.UserName,
		UserRole:  id.UserRole,
		Content:   content,
		Timestamp: FormatTimestamp(at),
	}
}

// NewPresence builds a join, leave or typing frame on behalf of id.
func NewPresence(t MessageType, id RoomIdentity, at time.Time) ChatMessage {
	return ChatMessage{
		Type:      t,
		RoomID:    id.RoomID,
		UserID:    id.UserID,
		UserName:  id.UserName,
		UserRole:  id.UserRole,
		Timestamp: FormatTimestamp(at),
	}
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func EncodeFrame(w io.Writer, m *ChatMessage) error {
	if err := json.NewEncoder(w).Encode(m); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return nil
}

// MarshalFrame returns the wire representation of m.
func MarshalFrame(m *ChatMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeFrame(&buf, m); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeFrame parses an inbound frame. Field values are not re-validated,
// only the JSON shape and the type discriminator.
func DecodeFrame(b []byte) (ChatMessage, error) {
	var m ChatMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return ChatMessage{}, &ParseError{Frame: b, Err: err}
	}
	if !m.Type.Valid() {
		return ChatMessage{}, &ParseError{Frame: b, Err: errors.New("unknown frame type: " + string(m.Type))}
	}
	return m, nil
}
