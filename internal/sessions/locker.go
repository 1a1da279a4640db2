package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a session lock cannot be acquired before
// the configured deadline.
var ErrLockTimeout = errors.New("timed out acquiring session lock")

// KeyedLocker serializes operations per session key. Locks are created
// lazily and removed when the last waiter releases, so the map does not grow
// with the number of sessions ever seen.
type KeyedLocker struct {
	mu      sync.Mutex
	locks   map[string]*keyedLock
	timeout time.Duration
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocker creates a locker with the given acquire timeout.
// A timeout of 0 waits indefinitely (until context cancellation).
func NewKeyedLocker(timeout time.Duration) *KeyedLocker {
	return &KeyedLocker{
		locks:   make(map[string]*keyedLock),
		timeout: timeout,
	}
}

// Lock acquires the lock for sessionID, honoring ctx and the configured
// acquire timeout.
func (l *KeyedLocker) Lock(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	l.mu.Lock()
	lock := l.locks[sessionID]
	if lock == nil {
		lock = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[sessionID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	var timeoutC <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case lock.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(sessionID, lock)
		return ctx.Err()
	case <-timeoutC:
		l.release(sessionID, lock)
		return ErrLockTimeout
	}
}

// Unlock releases the lock for sessionID.
func (l *KeyedLocker) Unlock(sessionID string) {
	if sessionID == "" {
		return
	}
	l.mu.Lock()
	lock := l.locks[sessionID]
	l.mu.Unlock()
	if lock == nil {
		return
	}
	select {
	case <-lock.ch:
	default:
	}
	l.release(sessionID, lock)
}

func (l *KeyedLocker) release(sessionID string, lock *keyedLock) {
	l.mu.Lock()
	lock.refs--
	if lock.refs <= 0 {
		delete(l.locks, sessionID)
	}
	l.mu.Unlock()
}
