package conversation

import (
	"context"
	"sync"
)

// turnLocks hands out one lock per session id. Entries are dropped once no
// goroutine holds or waits on them.
type turnLocks struct {
	mu    sync.Mutex
	locks map[string]*turnLock
}

// turnLock is held while its single slot is filled.
type turnLock struct {
	slot chan struct{}
	refs int
}

func newTurnLocks() *turnLocks {
	return &turnLocks{locks: make(map[string]*turnLock)}
}

// lock waits until the caller owns the turn for sessionID and returns the
// matching unlock function. It gives up with ctx.Err() when ctx is done first.
func (l *turnLocks) lock(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[sessionID]
	if !ok {
		tl = &turnLock{slot: make(chan struct{}, 1)}
		l.locks[sessionID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.slot <- struct{}{}:
	case <-ctx.Done():
		l.release(sessionID, tl)
		return nil, ctx.Err()
	}
	return func() {
		<-tl.slot
		l.release(sessionID, tl)
	}, nil
}

func (l *turnLocks) release(sessionID string, tl *turnLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, sessionID)
	}
}

func (l *turnLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
