package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// txLock is the binary, FIFO lock guarding one connection within one
// transaction. Callers are served in arrival order.
type txLock struct {
	sem   *semaphore.Weighted
	users atomic.Int64 // holders plus waiters
}

func newTxLock() *txLock {
	return &txLock{sem: semaphore.NewWeighted(1)}
}

// lockHandle releases its lock exactly once.
type lockHandle struct {
	l    *txLock
	once sync.Once
}

func (h *lockHandle) release() {
	h.once.Do(func() {
		h.l.sem.Release(1)
		h.l.users.Add(-1)
	})
}

func (l *txLock) acquire(ctx context.Context) (*lockHandle, error) {
	l.users.Add(1)
	if err := l.sem.Acquire(ctx, 1); err != nil {
		l.users.Add(-1)
		return nil, err
	}
	return &lockHandle{l: l}, nil
}

// tryAcquire takes the lock only if it is free and nobody is queued.
func (l *txLock) tryAcquire() (*lockHandle, bool) {
	if !l.sem.TryAcquire(1) {
		return nil, false
	}
	l.users.Add(1)
	return &lockHandle{l: l}, true
}

// acquireWatched is acquire with onWait called every interval while waiting.
func (l *txLock) acquireWatched(ctx context.Context, interval time.Duration, onWait func(waited time.Duration)) (*lockHandle, error) {
	stop := make(chan struct{})
	defer close(stop)

	start := time.Now()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				onWait(time.Since(start))
			}
		}
	}()

	return l.acquire(ctx)
}

// pending returns the number of holders and waiters.
func (l *txLock) pending() int {
	return int(l.users.Load())
}
