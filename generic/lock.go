package generic

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultLockTimeout bounds how long an operation waits for a busy key.
const DefaultLockTimeout = 5 * time.Second

// KeyedLocker serializes work per key (a ledger tuple or a claim id).
// Waiting is bounded by Timeout; expiry surfaces as *LockTimeoutError.
// Lock state for a key is dropped once nobody holds or waits on it.
type KeyedLocker struct {
	Timeout time.Duration

	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  *semaphore.Weighted
	refs int
}

func NewKeyedLocker(timeout time.Duration) *KeyedLocker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &KeyedLocker{Timeout: timeout, locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free, the timeout elapses, or ctx is done.
// The returned func releases the lock and must be called exactly once.
func (k *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	l := k.acquireRef(key)

	lockCtx, cancel := context.WithTimeout(ctx, k.Timeout)
	defer cancel()

	if err := l.sem.Acquire(lockCtx, 1); err != nil {
		k.releaseRef(key, l)
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, ctxErr
		}
		return nil, &LockTimeoutError{Key: key, Waited: k.Timeout}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(1)
			k.releaseRef(key, l)
		})
	}, nil
}

func (k *KeyedLocker) acquireRef(key string) *keyedLock {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{sem: semaphore.NewWeighted(1)}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *KeyedLocker) releaseRef(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
