// Package conversation runs chat round-trips against the session store and
// answers history queries for the session picker.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dudenrb/think41nikhil/internal/history"
	"github.com/dudenrb/think41nikhil/internal/logger"
)

// DefaultReplyTimeout bounds a reply generation when none is configured.
const DefaultReplyTimeout = 60 * time.Second

// ReplyGenerator produces the assistant message for a user turn, given the
// messages that came before it.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, past []history.Message, userMessage string) (string, error)
}

// ChatInput is one user submission. An empty SessionID starts a new session.
type ChatInput struct {
	UserID    string
	Message   string
	SessionID string
}

// ChatOutput carries the reply and the authoritative session history.
type ChatOutput struct {
	SessionID string
	Reply     string
	History   []history.Message
}

type Service struct {
	store   history.Store
	gen     ReplyGenerator
	timeout time.Duration
	turns   *turnLocks
}

// NewService creates a Service. A non-positive timeout selects DefaultReplyTimeout.
func NewService(store history.Store, gen ReplyGenerator, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	return &Service{
		store:   store,
		gen:     gen,
		timeout: timeout,
		turns:   newTurnLocks(),
	}
}

// HandleChat appends the user message, generates a reply and appends it.
//
// If generation fails the user message stays in the session and an
// *UpstreamError is returned. Turns on the same session run one at a time so
// each user message is directly followed by its reply; a turn whose ctx ends
// while waiting stores nothing and also returns an *UpstreamError.
func (s *Service) HandleChat(ctx context.Context, in ChatInput) (*ChatOutput, error) {
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return nil, fmt.Errorf("%w: message must not be empty", ErrInvalidInput)
	}
	if strings.TrimSpace(in.UserID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	log := logger.FromContext(ctx)

	sessionID, err := s.resolveSession(ctx, in.UserID, in.SessionID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.turns.lock(ctx, sessionID)
	if err != nil {
		log.Warn("Gave up waiting for session turn", "session_id", sessionID, "error", err)
		return nil, &UpstreamError{SessionID: sessionID, Err: fmt.Errorf("wait for turn: %w", err)}
	}
	defer unlock()

	sess, err := s.store.AppendMessages(ctx, sessionID, history.NewMessage(history.RoleUser, text))
	if err != nil {
		return nil, storageError("append user message", err)
	}
	past := sess.Messages[:len(sess.Messages)-1]

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	reply, err := s.gen.GenerateReply(genCtx, past, text)
	cancel()
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errEmptyReply
	}
	if err != nil {
		log.Error("Reply generation failed", "session_id", sessionID, "error", err)
		return nil, &UpstreamError{SessionID: sessionID, Err: err}
	}

	sess, err = s.store.AppendMessages(ctx, sessionID, history.NewMessage(history.RoleAssistant, reply))
	if err != nil {
		return nil, storageError("append assistant message", err)
	}

	log.Info("Chat turn completed", "session_id", sessionID, "messages", len(sess.Messages))
	return &ChatOutput{
		SessionID: sessionID,
		Reply:     reply,
		History:   sess.Messages,
	}, nil
}

// resolveSession returns the id of the session the turn belongs to, creating
// a new one when sessionID is empty, unknown or owned by someone else.
func (s *Service) resolveSession(ctx context.Context, userID, sessionID string) (string, error) {
	if sessionID != "" {
		sess, err := s.store.GetSession(ctx, sessionID)
		switch {
		case err == nil && sess.UserID == userID:
			return sess.SessionID, nil
		case err == nil:
			logger.FromContext(ctx).Warn("Session belongs to another user, starting a new one", "session_id", sessionID)
		case errors.Is(err, history.ErrNotFound):
			logger.FromContext(ctx).Info("Unknown session, starting a new one", "session_id", sessionID)
		default:
			return "", storageError("load session", err)
		}
	}

	sess, err := s.store.CreateSession(ctx, userID)
	if err != nil {
		return "", storageError("create session", err)
	}
	return sess.SessionID, nil
}
