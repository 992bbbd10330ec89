package memory

import (
	"context"
	"sync"

	"amalive/internal/core/domain"
	"amalive/internal/core/ports"
)

type sessionLock struct {
	ch   chan struct{}
	refs int
}

// SessionLocker serializes status changes within one process.
type SessionLocker struct {
	mu    sync.Mutex
	locks map[domain.SessionID]*sessionLock
}

func NewSessionLocker() ports.SessionLocker {
	return &SessionLocker{locks: make(map[domain.SessionID]*sessionLock)}
}

// Lock blocks until the session is free or ctx is done.
func (l *SessionLocker) Lock(ctx context.Context, id domain.SessionID) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &sessionLock{ch: make(chan struct{}, 1)}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(id, lk)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.ch
			l.release(id, lk)
		})
	}, nil
}

func (l *SessionLocker) release(id domain.SessionID, lk *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}

// Held reports how many sessions have a holder or waiter.
func (l *SessionLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
