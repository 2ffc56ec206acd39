package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dudenrb/think41nikhil/internal/history"
)

type fakeGenerator struct {
	calls atomic.Int32
	fn    func(ctx context.Context, past []history.Message, userMessage string) (string, error)
}

func (f *fakeGenerator) GenerateReply(ctx context.Context, past []history.Message, userMessage string) (string, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, past, userMessage)
	}
	return "reply to " + userMessage, nil
}

// failingStore fails the chosen operations of an otherwise working store.
type failingStore struct {
	history.Store
	failGet    bool
	failAppend bool
	failList   bool
}

var errDiskFull = errors.New("disk full")

func (f *failingStore) GetSession(ctx context.Context, id string) (*history.Session, error) {
	if f.failGet {
		return nil, errDiskFull
	}
	return f.Store.GetSession(ctx, id)
}

func (f *failingStore) AppendMessages(ctx context.Context, id string, msgs ...history.Message) (*history.Session, error) {
	if f.failAppend {
		return nil, errDiskFull
	}
	return f.Store.AppendMessages(ctx, id, msgs...)
}

func (f *failingStore) ListSessions(ctx context.Context, userID string) ([]history.Summary, error) {
	if f.failList {
		return nil, errDiskFull
	}
	return f.Store.ListSessions(ctx, userID)
}

func newTestStore(t *testing.T) history.Store {
	t.Helper()
	store, err := history.NewSQLiteStore(history.MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestHandleChat_NewSession(t *testing.T) {
	svc := NewService(newTestStore(t), &fakeGenerator{}, time.Second)

	out, err := svc.HandleChat(context.Background(), ChatInput{UserID: "u1", Message: "Hello!"})
	require.NoError(t, err)
	require.NotEmpty(t, out.SessionID)
	require.Equal(t, "reply to Hello!", out.Reply)
	require.Len(t, out.History, 2)
	require.Equal(t, history.RoleUser, out.History[0].Role)
	require.Equal(t, "Hello!", out.History[0].Content)
	require.Equal(t, history.RoleAssistant, out.History[1].Role)
	require.NotEmpty(t, out.History[1].Content)
}

func TestHandleChat_FollowUpKeepsEarlierTurns(t *testing.T) {
	svc := NewService(newTestStore(t), &fakeGenerator{}, time.Second)
	ctx := context.Background()

	first, err := svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: "Hello!"})
	require.NoError(t, err)

	second, err := svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: "What's my order status?", SessionID: first.SessionID})
	require.NoError(t, err)
	require.Equal(t, first.SessionID, second.SessionID)
	require.Len(t, second.History, 4)
	require.Equal(t, first.History, second.History[:2])
}

func TestHandleChat_TwoMessagesPerTurnAlternating(t *testing.T) {
	svc := NewService(newTestStore(t), &fakeGenerator{}, time.Second)
	ctx := context.Background()

	sessionID := ""
	for i := 1; i <= 5; i++ {
		out, err := svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: fmt.Sprintf("question %d", i), SessionID: sessionID})
		require.NoError(t, err)
		sessionID = out.SessionID

		require.Len(t, out.History, 2*i)
		for j, m := range out.History {
			if j%2 == 0 {
				require.Equal(t, history.RoleUser, m.Role)
			} else {
				require.Equal(t, history.RoleAssistant, m.Role)
			}
		}
	}
}

func TestHandleChat_GeneratorSeesPriorMessages(t *testing.T) {
	var seen [][]history.Message
	gen := &fakeGenerator{fn: func(_ context.Context, past []history.Message, msg string) (string, error) {
		seen = append(seen, past)
		return "ok", nil
	}}
	svc := NewService(newTestStore(t), gen, time.Second)
	ctx := context.Background()

	out, err := svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: "one"})
	require.NoError(t, err)
	_, err = svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: "two", SessionID: out.SessionID})
	require.NoError(t, err)

	require.Empty(t, seen[0])
	require.Len(t, seen[1], 2)
	require.Equal(t, "one", seen[1][0].Content)
	require.Equal(t, "ok", seen[1][1].Content)
}

func TestHandleChat_InvalidInput(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{}
	svc := NewService(store, gen, time.Second)
	ctx := context.Background()

	_, err := svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: "  \n\t "})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.HandleChat(ctx, ChatInput{UserID: "", Message: "hello"})
	require.ErrorIs(t, err, ErrInvalidInput)

	require.Zero(t, gen.calls.Load())
	list, err := store.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestHandleChat_MessageIsTrimmed(t *testing.T) {
	svc := NewService(newTestStore(t), &fakeGenerator{}, time.Second)

	out, err := svc.HandleChat(context.Background(), ChatInput{UserID: "u1", Message: "  Hello!  "})
	require.NoError(t, err)
	require.Equal(t, "Hello!", out.History[0].Content)
}

func TestHandleChat_UnknownOrForeignSessionStartsNew(t *testing.T) {
	svc := NewService(newTestStore(t), &fakeGenerator{}, time.Second)
	ctx := context.Background()

	out, err := svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: "hi", SessionID: "no-such-session"})
	require.NoError(t, err)
	require.NotEqual(t, "no-such-session", out.SessionID)
	require.Len(t, out.History, 2)

	other, err := svc.HandleChat(ctx, ChatInput{UserID: "u2", Message: "hi", SessionID: out.SessionID})
	require.NoError(t, err)
	require.NotEqual(t, out.SessionID, other.SessionID)
	require.Len(t, other.History, 2)
}

func TestHandleChat_UpstreamFailureKeepsUserMessage(t *testing.T) {
	store := newTestStore(t)
	upstream := errors.New("model unavailable")
	fail := true
	gen := &fakeGenerator{fn: func(_ context.Context, _ []history.Message, msg string) (string, error) {
		if fail {
			return "", upstream
		}
		return "reply to " + msg, nil
	}}
	svc := NewService(store, gen, time.Second)
	ctx := context.Background()

	_, err := svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: "Where is my order?"})
	require.ErrorIs(t, err, ErrUpstream)
	require.ErrorIs(t, err, upstream)

	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	require.NotEmpty(t, upErr.SessionID)

	sess, err := store.GetSession(ctx, upErr.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 1)
	require.Equal(t, history.RoleUser, sess.Messages[0].Role)

	// a resubmission stacks a new user turn on the unanswered one
	fail = false
	out, err := svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: "Where is my order?", SessionID: upErr.SessionID})
	require.NoError(t, err)
	require.Len(t, out.History, 3)
	require.Equal(t, history.RoleUser, out.History[0].Role)
	require.Equal(t, history.RoleUser, out.History[1].Role)
	require.Equal(t, history.RoleAssistant, out.History[2].Role)
}

func TestHandleChat_TimeoutIsUpstreamFailure(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{fn: func(ctx context.Context, _ []history.Message, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	svc := NewService(store, gen, 20*time.Millisecond)

	_, err := svc.HandleChat(context.Background(), ChatInput{UserID: "u1", Message: "hello"})
	require.ErrorIs(t, err, ErrUpstream)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleChat_EmptyReplyIsUpstreamFailure(t *testing.T) {
	gen := &fakeGenerator{fn: func(context.Context, []history.Message, string) (string, error) { return "  ", nil }}
	svc := NewService(newTestStore(t), gen, time.Second)

	_, err := svc.HandleChat(context.Background(), ChatInput{UserID: "u1", Message: "hello"})
	require.ErrorIs(t, err, ErrUpstream)
}

func TestHandleChat_StorageFailureSkipsGeneration(t *testing.T) {
	gen := &fakeGenerator{}
	svc := NewService(&failingStore{Store: newTestStore(t), failAppend: true}, gen, time.Second)

	_, err := svc.HandleChat(context.Background(), ChatInput{UserID: "u1", Message: "hello"})
	require.ErrorIs(t, err, ErrStorage)
	require.ErrorIs(t, err, errDiskFull)
	require.Zero(t, gen.calls.Load())

	svc = NewService(&failingStore{Store: newTestStore(t), failGet: true}, gen, time.Second)
	_, err = svc.HandleChat(context.Background(), ChatInput{UserID: "u1", Message: "hello", SessionID: "abc"})
	require.ErrorIs(t, err, ErrStorage)
	require.Zero(t, gen.calls.Load())
}

func TestHandleChat_ConcurrentSameSession(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{fn: func(_ context.Context, _ []history.Message, msg string) (string, error) {
		time.Sleep(10 * time.Millisecond)
		return "reply to " + msg, nil
	}}
	svc := NewService(store, gen, time.Second)
	ctx := context.Background()

	first, err := svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: "start"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: fmt.Sprintf("parallel %d", i), SessionID: first.SessionID})
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	sess, err := store.GetSession(ctx, first.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 6)
	for i := 0; i < len(sess.Messages); i += 2 {
		require.Equal(t, history.RoleUser, sess.Messages[i].Role)
		require.Equal(t, "reply to "+sess.Messages[i].Content, sess.Messages[i+1].Content)
	}
	require.Zero(t, svc.turns.size())
}

func TestHandleChat_WaitForTurnHonoursDeadline(t *testing.T) {
	store := newTestStore(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	gen := &fakeGenerator{fn: func(ctx context.Context, _ []history.Message, msg string) (string, error) {
		if msg == "hold" {
			entered <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "reply to " + msg, nil
	}}
	svc := NewService(store, gen, 5*time.Second)
	ctx := context.Background()

	first, err := svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: "start"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: "hold", SessionID: first.SessionID})
		done <- err
	}()
	<-entered

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = svc.HandleChat(waitCtx, ChatInput{UserID: "u1", Message: "impatient", SessionID: first.SessionID})
	require.Less(t, time.Since(start), time.Second)
	require.ErrorIs(t, err, ErrUpstream)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrStorage)
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	require.Equal(t, first.SessionID, upErr.SessionID)

	close(release)
	require.NoError(t, <-done)

	sess, err := store.GetSession(ctx, first.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 4)
	for _, m := range sess.Messages {
		require.NotEqual(t, "impatient", m.Content)
	}
	require.Zero(t, svc.turns.size())
}

func TestHandleChat_SessionsDoNotBlockEachOther(t *testing.T) {
	release := make(chan struct{})
	gen := &fakeGenerator{fn: func(ctx context.Context, _ []history.Message, msg string) (string, error) {
		if msg == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "reply to " + msg, nil
	}}
	svc := NewService(newTestStore(t), gen, 5*time.Second)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: "slow"})
		done <- err
	}()

	out, err := svc.HandleChat(ctx, ChatInput{UserID: "u2", Message: "fast"})
	require.NoError(t, err)
	require.Equal(t, "reply to fast", out.Reply)

	close(release)
	require.NoError(t, <-done)
}

func TestQuery_ListForUserNewestFirst(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store, &fakeGenerator{}, time.Second)
	q := NewQuery(store)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: fmt.Sprintf("conversation %d", i)})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	_, err := svc.HandleChat(ctx, ChatInput{UserID: "u2", Message: "someone else"})
	require.NoError(t, err)

	list, err := q.ListForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 4)
	for i := 1; i < len(list); i++ {
		require.False(t, list[i].CreatedAt.After(list[i-1].CreatedAt), "summaries must be newest first")
	}
	require.Equal(t, "conversation 3", list[0].FirstMessagePreview)
	require.Equal(t, 2, list[0].MessageCount)

	empty, err := q.ListForUser(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = q.ListForUser(ctx, " ")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestQuery_PreviewIsTruncated(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store, &fakeGenerator{}, time.Second)
	ctx := context.Background()

	long := strings.Repeat("é", PreviewLength+20)
	_, err := svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: long})
	require.NoError(t, err)

	list, err := NewQuery(store).ListForUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("é", PreviewLength)+"…", list[0].FirstMessagePreview)
}

func TestQuery_GetSession(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store, &fakeGenerator{}, time.Second)
	q := NewQuery(store)
	ctx := context.Background()

	out, err := svc.HandleChat(ctx, ChatInput{UserID: "u1", Message: "Hello!"})
	require.NoError(t, err)

	first, err := q.GetSession(ctx, out.SessionID)
	require.NoError(t, err)
	second, err := q.GetSession(ctx, out.SessionID)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, out.History, first.Messages)

	_, err = q.GetSession(ctx, "a0e4d8e2-0000-4000-8000-000000000000")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQuery_StorageFailure(t *testing.T) {
	q := NewQuery(&failingStore{Store: newTestStore(t), failList: true, failGet: true})

	_, err := q.ListForUser(context.Background(), "u1")
	require.ErrorIs(t, err, ErrStorage)
	_, err = q.GetSession(context.Background(), "x")
	require.ErrorIs(t, err, ErrStorage)
	require.NotErrorIs(t, err, ErrNotFound)
}
