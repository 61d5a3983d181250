package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageTypeChat is the "type" value of inbound chat frames.
const MessageTypeChat = "chat_message"

// DisplayLayout is how timestamps are rendered next to a message,
// e.g. "1 Jan 2024, 10:00".
const DisplayLayout = "2 Jan 2006, 15:04"

// UserID is the opaque sender identifier. The backend sends it as a JSON
// integer, the wire contract describes a string; both decode to the same value.
type UserID string

// UnmarshalJSON accepts a JSON string or a JSON integer. null leaves the
// value unchanged.
func (id *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) == 0 {
		return errors.New("user id: empty")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("user id: %w", err)
		}
		*id = UserID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("user id: not a string or integer: %s", data)
	}
	*id = UserID(strconv.FormatInt(n, 10))
	return nil
}

// Message represents one chat utterance in a shelter conversation.
// Messages are values: created by decoding a history page or a live frame,
// never mutated afterwards.
type Message struct {
	// SenderID is stable per user; used to tell own messages apart
	SenderID UserID `json:"user_id"`

	// SenderName is the sender's display name
	SenderName string `json:"username"`

	// Body is the message text
	Body string `json:"mensaje"`

	// SentAt is the server-assigned timestamp, kept exactly as received
	SentAt string `json:"timestamp"`
}

// IsOwn reports whether the message was sent by the given user.
func (m Message) IsOwn(userID string) bool {
	return userID != "" && string(m.SenderID) == userID
}

// Time parses SentAt. The backend may use a space instead of "T" between
// date and time, and may omit the zone, in which case UTC is assumed.
func (m Message) Time() (time.Time, error) {
	return ParseTimestamp(m.SentAt)
}

// Format renders SentAt in the given location using DisplayLayout.
// Unparseable timestamps are returned unchanged.
func (m Message) Format(loc *time.Location) string {
	t, err := m.Time()
	if err != nil {
		return m.SentAt
	}
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DisplayLayout)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
}

// ParseTimestamp normalizes and parses a server timestamp.
func ParseTimestamp(raw string) (time.Time, error) {
	s := strings.Replace(strings.TrimSpace(raw), " ", "T", 1)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// OutboundFrame is what the client writes to the chat socket.
type OutboundFrame struct {
	Mensaje string `json:"mensaje"`
}

// HistoryEntry is one element of GET /api/chat/{id}/.
type HistoryEntry struct {
	ID        int64  `json:"id,omitempty"`
	Contenido string `json:"contenido"`
	Timestamp string `json:"timestamp"`
	UserEmail string `json:"user_email,omitempty"`
	UserID    UserID `json:"user_id"`
	Username  string `json:"username"`
}

// Message converts the history entry into a timeline Message.
func (e HistoryEntry) Message() Message {
	return Message{
		SenderID:   e.UserID,
		SenderName: e.Username,
		Body:       e.Contenido,
		SentAt:     e.Timestamp,
	}
}

// ChatEvent is the inbound chat_message frame as the backend broadcasts it.
type ChatEvent struct {
	Type      string `json:"type"`
	Mensaje   string `json:"mensaje"`
	User      string `json:"user,omitempty"`
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

// ErrorFrame is sent by the backend when it rejects an inbound frame.
type ErrorFrame struct {
	Error string `json:"error"`
}
