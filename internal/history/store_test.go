package history

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func TestStore_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		created, err := store.CreateSession(ctx, "u1")
		require.NoError(t, err)
		require.NotEmpty(t, created.SessionID)
		require.Equal(t, "u1", created.UserID)
		require.Empty(t, created.Messages)
		require.False(t, created.CreatedAt.IsZero())

		got, err := store.GetSession(ctx, created.SessionID)
		require.NoError(t, err)
		require.Equal(t, created.SessionID, got.SessionID)
		require.Equal(t, "u1", got.UserID)
		require.True(t, created.CreatedAt.Equal(got.CreatedAt))
		require.NotNil(t, got.Messages)
	})
}

func TestStore_GetUnknown(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		_, err := store.GetSession(context.Background(), "does-not-exist")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_AppendKeepsOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess, err := store.CreateSession(ctx, "u1")
		require.NoError(t, err)

		updated, err := store.AppendMessages(ctx, sess.SessionID, NewMessage(RoleUser, "Hello!"))
		require.NoError(t, err)
		require.Len(t, updated.Messages, 1)

		updated, err = store.AppendMessages(ctx, sess.SessionID,
			NewMessage(RoleAssistant, "Hi, how can I help?"),
			NewMessage(RoleUser, "Where is my order?"),
		)
		require.NoError(t, err)
		require.Len(t, updated.Messages, 3)
		require.Equal(t, RoleUser, updated.Messages[0].Role)
		require.Equal(t, "Hello!", updated.Messages[0].Content)
		require.Equal(t, RoleAssistant, updated.Messages[1].Role)
		require.Equal(t, "Where is my order?", updated.Messages[2].Content)

		got, err := store.GetSession(ctx, sess.SessionID)
		require.NoError(t, err)
		require.Equal(t, updated.Messages, got.Messages)
	})
}

func TestStore_AppendStampsMissingTimestamp(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess, err := store.CreateSession(ctx, "u1")
		require.NoError(t, err)

		updated, err := store.AppendMessages(ctx, sess.SessionID, Message{Role: RoleUser, Content: "hi"})
		require.NoError(t, err)
		require.False(t, updated.Messages[0].Timestamp.IsZero())
	})
}

func TestStore_AppendUnknownSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		_, err := store.AppendMessages(context.Background(), "missing", NewMessage(RoleUser, "hi"))
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_AppendRejectsInvalidMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess, err := store.CreateSession(ctx, "u1")
		require.NoError(t, err)

		_, err = store.AppendMessages(ctx, sess.SessionID, NewMessage(RoleUser, "   "))
		require.ErrorIs(t, err, ErrInvalidMessage)
		_, err = store.AppendMessages(ctx, sess.SessionID, NewMessage(Role("system"), "x"))
		require.ErrorIs(t, err, ErrInvalidMessage)

		got, err := store.GetSession(ctx, sess.SessionID)
		require.NoError(t, err)
		require.Empty(t, got.Messages)
	})
}

func TestStore_GetIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess, err := store.CreateSession(ctx, "u1")
		require.NoError(t, err)
		_, err = store.AppendMessages(ctx, sess.SessionID, NewMessage(RoleUser, "a"), NewMessage(RoleAssistant, "b"))
		require.NoError(t, err)

		first, err := store.GetSession(ctx, sess.SessionID)
		require.NoError(t, err)
		second, err := store.GetSession(ctx, sess.SessionID)
		require.NoError(t, err)
		require.Equal(t, first, second)
	})
}

func TestStore_ReturnedSessionIsACopy(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess, err := store.CreateSession(ctx, "u1")
		require.NoError(t, err)
		updated, err := store.AppendMessages(ctx, sess.SessionID, NewMessage(RoleUser, "original"))
		require.NoError(t, err)

		updated.Messages[0].Content = "tampered"

		got, err := store.GetSession(ctx, sess.SessionID)
		require.NoError(t, err)
		require.Equal(t, "original", got.Messages[0].Content)
	})
}

func TestStore_ListSessionsScopedByUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		a, err := store.CreateSession(ctx, "u1")
		require.NoError(t, err)
		_, err = store.AppendMessages(ctx, a.SessionID, NewMessage(RoleUser, "first question"), NewMessage(RoleAssistant, "answer"))
		require.NoError(t, err)
		b, err := store.CreateSession(ctx, "u1")
		require.NoError(t, err)
		_, err = store.CreateSession(ctx, "u2")
		require.NoError(t, err)

		list, err := store.ListSessions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, list, 2)

		byID := map[string]Summary{}
		for _, s := range list {
			byID[s.SessionID] = s
		}
		require.Equal(t, "first question", byID[a.SessionID].FirstMessagePreview)
		require.Equal(t, 2, byID[a.SessionID].MessageCount)
		require.Equal(t, "", byID[b.SessionID].FirstMessagePreview)
		require.Equal(t, 0, byID[b.SessionID].MessageCount)

		none, err := store.ListSessions(ctx, "nobody")
		require.NoError(t, err)
		require.NotNil(t, none)
		require.Empty(t, none)
	})
}

func TestStore_ConcurrentAppendsAreNotLost(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess, err := store.CreateSession(ctx, "u1")
		require.NoError(t, err)

		const writers = 20
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.AppendMessages(ctx, sess.SessionID,
					NewMessage(RoleUser, fmt.Sprintf("q%d", i)),
					NewMessage(RoleAssistant, fmt.Sprintf("a%d", i)),
				)
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := store.GetSession(ctx, sess.SessionID)
		require.NoError(t, err)
		require.Len(t, got.Messages, 2*writers)

		// Each append is contiguous: a question is always followed by its answer.
		for i := 0; i < len(got.Messages); i += 2 {
			q, a := got.Messages[i], got.Messages[i+1]
			require.Equal(t, RoleUser, q.Role)
			require.Equal(t, RoleAssistant, a.Role)
			require.Equal(t, "a"+q.Content[1:], a.Content)
		}
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "conversations.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	sess, err := store.CreateSession(ctx, "u1")
	require.NoError(t, err)
	ts := time.Date(2025, 7, 26, 11, 0, 10, 123, time.UTC)
	_, err = store.AppendMessages(ctx, sess.SessionID, Message{Role: RoleUser, Content: "Hi there!", Timestamp: ts})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	require.True(t, ts.Equal(got.Messages[0].Timestamp))
	require.NoError(t, reopened.Ping(ctx))
}
