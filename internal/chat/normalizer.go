package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/2amu/PES-FIB/internal/models"
)

var (
	// ErrMalformedFrame means the frame is not a JSON object, or is a chat
	// message with a missing or mistyped required field.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrIgnoredFrame means the frame is well-formed but not a chat message.
	ErrIgnoredFrame = errors.New("ignored frame")
)

// ServerError carries the reason from an {"error": "..."} frame.
type ServerError struct {
	Reason string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Reason
}

// inboundFrame holds the required chat_message fields. They are pointers so
// that absence can be told apart from the zero value.
type inboundFrame struct {
	Mensaje   *string        `json:"mensaje"`
	UserID    *models.UserID `json:"user_id"`
	Username  *string        `json:"username"`
	Timestamp *string        `json:"timestamp"`
}

// Normalize turns one raw inbound frame into a Message.
// Exactly one of the results is meaningful: a Message with a nil error, or
// an error that is ErrMalformedFrame, ErrIgnoredFrame or *ServerError.
// It never panics; the caller drops the frame on error and keeps reading.
func Normalize(raw []byte) (models.Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return models.Message{}, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}

	if reason, ok := fields["error"]; ok {
		var s string
		if err := json.Unmarshal(reason, &s); err != nil {
			s = string(reason)
		}
		return models.Message{}, &ServerError{Reason: s}
	}

	var kind string
	if t, ok := fields["type"]; !ok || json.Unmarshal(t, &kind) != nil || kind != models.MessageTypeChat {
		return models.Message{}, ErrIgnoredFrame
	}

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch {
	case frame.Mensaje == nil:
		return models.Message{}, fmt.Errorf("%w: missing mensaje", ErrMalformedFrame)
	case frame.UserID == nil:
		return models.Message{}, fmt.Errorf("%w: missing user_id", ErrMalformedFrame)
	case frame.Username == nil:
		return models.Message{}, fmt.Errorf("%w: missing username", ErrMalformedFrame)
	case frame.Timestamp == nil:
		return models.Message{}, fmt.Errorf("%w: missing timestamp", ErrMalformedFrame)
	case strings.TrimSpace(*frame.Mensaje) == "":
		return models.Message{}, fmt.Errorf("%w: empty mensaje", ErrMalformedFrame)
	}

	return models.Message{
		SenderID:   *frame.UserID,
		SenderName: *frame.Username,
		Body:       *frame.Mensaje,
		SentAt:     *frame.Timestamp,
	}, nil
}

// EncodeOutbound serializes text into the single-field outbound frame.
func EncodeOutbound(text string) ([]byte, error) {
	return json.Marshal(models.OutboundFrame{Mensaje: text})
}
