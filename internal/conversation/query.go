package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dudenrb/think41nikhil/internal/history"
)

// PreviewLength is the maximum number of runes kept in a summary preview.
const PreviewLength = 80

// Query serves the session picker.
type Query struct {
	store history.Store
}

func NewQuery(store history.Store) *Query {
	return &Query{store: store}
}

// ListForUser returns the user's sessions, most recently created first.
func (q *Query) ListForUser(ctx context.Context, userID string) ([]history.Summary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	sums, err := q.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, storageError("list sessions", err)
	}

	sort.SliceStable(sums, func(i, j int) bool {
		if !sums[i].CreatedAt.Equal(sums[j].CreatedAt) {
			return sums[i].CreatedAt.After(sums[j].CreatedAt)
		}
		return sums[i].SessionID < sums[j].SessionID
	})
	for i := range sums {
		sums[i].FirstMessagePreview = preview(sums[i].FirstMessagePreview)
	}
	return sums, nil
}

// GetSession returns the full session or ErrNotFound.
func (q *Query) GetSession(ctx context.Context, sessionID string) (*history.Session, error) {
	sess, err := q.store.GetSession(ctx, sessionID)
	if errors.Is(err, history.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, storageError("load session", err)
	}
	return sess, nil
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= PreviewLength {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:PreviewLength])) + "…"
}
