package storage

import (
	"context"
	"sync"
	"time"
)

// lockTable hands out per-record mutexes. Entries are refcounted and
// removed once the last holder releases, so the table stays proportional
// to the number of records under concurrent mutation, not to the store.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*idLock)}
}

// acquire blocks until the lock for id is held, timeout elapses
// (ErrLockTimeout) or ctx is canceled. The returned release func must be
// called on every exit path.
func (t *lockTable) acquire(ctx context.Context, id string, timeout time.Duration) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &idLock{sem: make(chan struct{}, 1)}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			t.release(id, l)
		}, nil
	case <-timer:
		t.release(id, l)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		t.release(id, l)
		return nil, ctx.Err()
	}
}

func (t *lockTable) release(id string, l *idLock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}
