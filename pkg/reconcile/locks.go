package reconcile

import (
	"context"
	"sync"
)

// clientLocks hands out one mutex per client id. Entries are dropped once
// nobody holds or waits on them.
type clientLocks struct {
	mu    sync.Mutex
	locks map[string]*clientLock
}

type clientLock struct {
	sem  chan struct{}
	refs int
}

func newClientLocks() *clientLocks {
	return &clientLocks{locks: make(map[string]*clientLock)}
}

// acquire blocks until the client's lock is held or ctx is done.
func (l *clientLocks) acquire(ctx context.Context, clientID string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[clientID]
	if !ok {
		lock = &clientLock{sem: make(chan struct{}, 1)}
		l.locks[clientID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(clientID, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.sem
			l.release(clientID, lock)
		})
	}, nil
}

func (l *clientLocks) release(clientID string, lock *clientLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, clientID)
	}
}

func (l *clientLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
