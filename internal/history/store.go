// Package history persists conversation sessions.
//
// Two stores are provided: SQLiteStore for durable storage and MemoryStore for
// development and tests. Both serialize appends per session so concurrent
// writers never lose a message.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a session id is unknown.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidMessage is returned when a message has an unknown role or blank content.
	ErrInvalidMessage = errors.New("invalid message")
)

// Store is the session persistence contract.
type Store interface {
	// CreateSession stores a new, empty session owned by userID.
	CreateSession(ctx context.Context, userID string) (*Session, error)

	// GetSession returns the session with all of its messages, or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// ListSessions returns summaries of the sessions owned by userID in no
	// particular order.
	ListSessions(ctx context.Context, userID string) ([]Summary, error)

	// AppendMessages atomically appends msgs to the session and returns the
	// session as it stood right after the append.
	AppendMessages(ctx context.Context, sessionID string, msgs ...Message) (*Session, error)

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing storage.
	Close() error
}

func newSession(userID string) *Session {
	return &Session{
		SessionID: uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
		Messages:  []Message{},
	}
}
