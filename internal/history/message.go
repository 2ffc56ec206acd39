package history

import (
	"strings"
	"time"
)

// Role tags who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one turn in a session.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the unit of persistence. Messages are append-only and kept in
// send order.
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// Summary is the picker view of a session.
type Summary struct {
	SessionID           string    `json:"session_id"`
	UserID              string    `json:"user_id"`
	CreatedAt           time.Time `json:"created_at"`
	FirstMessagePreview string    `json:"first_message_preview"`
	MessageCount        int       `json:"message_count"`
}

// NewMessage builds a message stamped with the current UTC time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

func validateMessages(msgs []Message) error {
	for _, m := range msgs {
		if !m.Role.Valid() || strings.TrimSpace(m.Content) == "" {
			return ErrInvalidMessage
		}
	}
	return nil
}

// stamp returns a copy of msgs with missing timestamps set to now.
func stamp(msgs []Message) []Message {
	now := time.Now().UTC()
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		out[i] = m
	}
	return out
}

func (s *Session) clone() *Session {
	out := *s
	out.Messages = append([]Message{}, s.Messages...)
	return &out
}

func (s *Session) summary() Summary {
	sum := Summary{
		SessionID:    s.SessionID,
		UserID:       s.UserID,
		CreatedAt:    s.CreatedAt,
		MessageCount: len(s.Messages),
	}
	if len(s.Messages) > 0 {
		sum.FirstMessagePreview = s.Messages[0].Content
	}
	return sum
}
