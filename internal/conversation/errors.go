package conversation

import (
	"errors"
	"fmt"

	"github.com/dudenrb/think41nikhil/internal/history"
)

var (
	// ErrInvalidInput is returned for requests rejected before any state changes.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned when a session id is unknown.
	ErrNotFound = history.ErrNotFound
	// ErrUpstream is matched by every reply generation failure.
	ErrUpstream = errors.New("upstream failure")
	// ErrStorage is returned when the session store fails.
	ErrStorage = errors.New("storage failure")

	errEmptyReply = errors.New("empty reply")
)

// UpstreamError reports a turn that got no reply. The user message has been
// stored in SessionID unless the turn timed out waiting for an earlier turn
// on the same session.
type UpstreamError struct {
	SessionID string
	Err       error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("generate reply for session %s: %v", e.SessionID, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstream, e.Err}
}

func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
