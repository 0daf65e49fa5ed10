package redisclient

import (
	"context"
	"sync"
	"time"
)

// localLocker is an in-process Locker for single-instance runs without Redis.
type localLocker struct {
	mu    sync.Mutex
	held  map[string]struct{}
	retry time.Duration
}

func NewLocalLocker() Locker {
	return &localLocker{
		held:  make(map[string]struct{}),
		retry: defaultRetryInterval,
	}
}

func (l *localLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if !l.tryAcquire(key) {
		return ErrLockNotAcquired
	}
	defer l.release(key)
	return fn(ctx)
}

func (l *localLocker) WithLockWait(ctx context.Context, key string, wait time.Duration, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(wait)
	for !l.tryAcquire(key) {
		if !time.Now().Before(deadline) {
			return ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}
	defer l.release(key)
	return fn(ctx)
}

func (l *localLocker) tryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *localLocker) release(key string) {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
}
