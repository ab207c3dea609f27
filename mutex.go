package qsync

import (
	"context"
	"time"
)

// Mutex is a non-reentrant mutual exclusion lock built on Sync.
//
// Unlike sync.Mutex it records its owner: Unlock by a goroutine that does not
// hold the lock panics with ErrIllegalState, and it supports conditions,
// interruptible and timed acquisition. Locking twice from the same goroutine
// deadlocks; use ReentrantLock for recursive locking.
//
// State: 0 = unlocked, 1 = locked.
type Mutex struct {
	_ noCopy
	s mutexSync
}

type mutexSync struct {
	Sync
	UnsupportedHooks
	fair bool
}

// NewMutex creates an unlocked Mutex. With WithFair the lock is granted in
// arrival order.
func NewMutex(options ...func(*Config)) *Mutex {
	cfg := newConfig(options)
	m := &Mutex{}
	m.s.fair = cfg.fairness == FIFO
	m.s.Init(&m.s)
	return m
}

func (m *mutexSync) TryAcquire(int64) bool {
	return m.tryAcquire(m.fair)
}

func (m *mutexSync) tryAcquire(fair bool) bool {
	if fair && m.HasQueuedPredecessors() {
		return false
	}
	if m.CompareAndSetState(0, 1) {
		m.SetExclusiveOwner(CurrentThread())
		return true
	}
	return false
}

func (m *mutexSync) TryRelease(int64) bool {
	if m.State() == 0 || m.ExclusiveOwner() != CurrentThread() {
		panic(illegalState("unlock of unowned Mutex"))
	}
	m.SetExclusiveOwner(nil)
	m.SetState(0)
	return true
}

func (m *mutexSync) IsHeldExclusively() bool {
	return m.State() == 1 && m.ExclusiveOwner() == CurrentThread()
}

// Lock acquires the lock, blocking until it is available.
func (m *Mutex) Lock() {
	m.s.Acquire(1)
}

// LockInterruptibly acquires the lock unless the goroutine is interrupted.
func (m *Mutex) LockInterruptibly() error {
	return m.s.AcquireInterruptibly(1)
}

// LockContext acquires the lock unless ctx is done or the goroutine is
// interrupted first.
func (m *Mutex) LockContext(ctx context.Context) error {
	return m.s.AcquireContext(ctx, 1)
}

// TryLock acquires the lock only if it is free at the time of the call,
// even if m is fair and other goroutines are queued.
func (m *Mutex) TryLock() bool {
	return m.s.tryAcquire(false)
}

// TryLockTimeout acquires the lock if it becomes free within d.
func (m *Mutex) TryLockTimeout(d time.Duration) (bool, error) {
	return m.s.TryAcquireTimeout(1, d)
}

// Unlock releases the lock. It panics if the caller does not hold it.
func (m *Mutex) Unlock() {
	m.s.Release(1)
}

// NewCondition returns a condition bound to m.
func (m *Mutex) NewCondition() *Condition {
	return m.s.NewCondition()
}

// IsLocked reports whether the lock is held by any goroutine.
func (m *Mutex) IsLocked() bool {
	return m.s.State() != 0
}

// HasQueuedThreads reports whether any goroutine may be waiting for m.
func (m *Mutex) HasQueuedThreads() bool {
	return m.s.HasQueuedThreads()
}

// IsFair reports whether m grants the lock in arrival order.
func (m *Mutex) IsFair() bool {
	return m.s.fair
}

// QueueLength returns an estimate of the number of goroutines waiting for m.
func (m *Mutex) QueueLength() int {
	return m.s.QueueLength()
}
