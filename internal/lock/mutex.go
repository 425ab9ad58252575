package lock

import (
	"context"
	"sync"
	"time"
)

// Mutex is a single-holder mutex with a FIFO wait queue and delayed release.
//
// On release, ownership passes directly to the longest-waiting caller, so the
// lock is never observed as free while someone is queued.
type Mutex struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// New creates an unlocked Mutex.
func New() *Mutex {
	return &Mutex{}
}

// Acquire blocks until the caller holds the lock.
//
// If the lock is free it is taken immediately. Otherwise the caller joins the
// back of the queue. If ctx is cancelled while waiting, the caller leaves the
// queue and ctx.Err() is returned; the caller does not hold the lock.
func (m *Mutex) Acquire(ctx context.Context) error {
	m.mu.Lock()
	if !m.held {
		m.held = true
		m.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	m.waiters = append(m.waiters, ready)
	m.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	for i, w := range m.waiters {
		if w == ready {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.mu.Unlock()
			return ctx.Err()
		}
	}
	m.mu.Unlock()

	// The grant raced with cancellation: we own the lock, pass it on.
	m.handOff()
	return ctx.Err()
}

// Release frees the lock after delay.
//
// It returns immediately. When the delay elapses, the longest waiter (if any)
// becomes the holder; otherwise the lock is marked free. Each call wakes at
// most one waiter. Releasing an already free lock is a no-op.
func (m *Mutex) Release(delay time.Duration) {
	if delay <= 0 {
		m.handOff()
		return
	}
	time.AfterFunc(delay, m.handOff)
}

// handOff transfers ownership to the next waiter or marks the lock free.
func (m *Mutex) handOff() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.waiters) == 0 {
		m.held = false
		return
	}

	next := m.waiters[0]
	m.waiters[0] = nil
	m.waiters = m.waiters[1:]
	m.held = true
	close(next)
}

// Locked reports whether the lock is currently held.
func (m *Mutex) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Waiting returns the number of callers queued in Acquire.
func (m *Mutex) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
