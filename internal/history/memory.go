package history

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore keeps sessions in process memory. Returned sessions are copies,
// so callers can never mutate stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) CreateSession(_ context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	sess := newSession(userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.SessionID] = sess
	return sess.clone(), nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.clone(), nil
}

func (s *MemoryStore) ListSessions(_ context.Context, userID string) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Summary{}
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess.summary())
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendMessages(_ context.Context, sessionID string, msgs ...Message) (*Session, error) {
	if err := validateMessages(msgs); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	sess.Messages = append(sess.Messages, stamp(msgs)...)
	return sess.clone(), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
