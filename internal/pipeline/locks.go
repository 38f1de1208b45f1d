package pipeline

import (
	"context"
	"sync"
)

// linkLocks hands out one critical section per link id. Waiting honours ctx so
// a caller stuck behind a slow synthesis can give up cleanly.
type linkLocks struct {
	mu    sync.Mutex
	locks map[string]*linkLock
}

type linkLock struct {
	sem  chan struct{}
	refs int
}

func newLinkLocks() *linkLocks {
	return &linkLocks{locks: make(map[string]*linkLock)}
}

// Lock blocks until the link's section is free or ctx is done.
func (l *linkLocks) Lock(ctx context.Context, linkID string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[linkID]
	if !ok {
		lk = &linkLock{sem: make(chan struct{}, 1)}
		l.locks[linkID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-lk.sem
				l.drop(linkID, lk)
			})
		}, nil
	case <-ctx.Done():
		l.drop(linkID, lk)
		return nil, ctx.Err()
	}
}

func (l *linkLocks) drop(linkID string, lk *linkLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, linkID)
	}
}

// held reports how many links currently have a waiter or holder.
func (l *linkLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
