// Package syncutil provides locking primitives shared across packages.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex serialises work per key. Waiters can give up when their
// context ends. Lock state for a key is released once no goroutine holds or
// waits for it, so memory stays proportional to active keys.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is a channel-based mutex so acquisition can select on ctx.Done.
type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// LockContext acquires the lock for key. On success it returns an unlock
// function the caller MUST call exactly once. If ctx ends first it returns
// the context error and holds nothing.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	l := m.acquireRef(key)

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.releaseRef(key)
			})
		}, nil
	case <-ctx.Done():
		m.releaseRef(key)
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key without waiting.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	l := m.acquireRef(key)
	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.releaseRef(key)
			})
		}, true
	default:
		m.releaseRef(key)
		return nil, false
	}
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquireRef(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) releaseRef(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
