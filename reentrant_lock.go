package qsync

import (
	"context"
	"fmt"
	"time"
)

// ReentrantLock is a reentrant mutual exclusion lock with optional fairness.
//
// The goroutine that last locked it successfully, and has not yet unlocked
// it, owns it; it may lock again and must unlock as many times. The state
// word holds the hold count.
//
// With WithFair the lock is granted to the longest-waiting goroutine; by
// default newly arriving goroutines may barge. TryLock always barges.
type ReentrantLock struct {
	_ noCopy
	s reentrantSync
}

type reentrantSync struct {
	Sync
	UnsupportedHooks
	fair bool
}

// NewReentrantLock creates an unlocked ReentrantLock.
func NewReentrantLock(options ...func(*Config)) *ReentrantLock {
	cfg := newConfig(options)
	l := &ReentrantLock{}
	l.s.fair = cfg.fairness == FIFO
	l.s.Init(&l.s)
	return l
}

func (r *reentrantSync) TryAcquire(acquires int64) bool {
	return r.tryAcquire(acquires, r.fair)
}

func (r *reentrantSync) tryAcquire(acquires int64, fair bool) bool {
	t := CurrentThread()
	c := r.State()
	if c == 0 {
		if (!fair || !r.HasQueuedPredecessors()) && r.CompareAndSetState(0, acquires) {
			r.SetExclusiveOwner(t)
			return true
		}
		return false
	}
	if r.ExclusiveOwner() == t {
		next := c + acquires
		if next < 0 {
			panic(overflow("lock count"))
		}
		r.SetState(next)
		return true
	}
	return false
}

func (r *reentrantSync) TryRelease(releases int64) bool {
	if r.ExclusiveOwner() != CurrentThread() {
		panic(illegalState("unlock of unowned ReentrantLock"))
	}
	c := r.State() - releases
	free := c == 0
	if free {
		r.SetExclusiveOwner(nil)
	}
	r.SetState(c)
	return free
}

func (r *reentrantSync) IsHeldExclusively() bool {
	return r.ExclusiveOwner() == CurrentThread()
}

func (r *reentrantSync) holder() *Thread {
	if r.State() == 0 {
		return nil
	}
	return r.ExclusiveOwner()
}

// Lock acquires the lock, blocking until it is available. If the caller
// already holds it, the hold count is incremented.
func (l *ReentrantLock) Lock() {
	l.s.Acquire(1)
}

// LockInterruptibly acquires the lock unless the goroutine is interrupted.
func (l *ReentrantLock) LockInterruptibly() error {
	return l.s.AcquireInterruptibly(1)
}

// LockContext acquires the lock unless ctx is done or the goroutine is
// interrupted first.
func (l *ReentrantLock) LockContext(ctx context.Context) error {
	return l.s.AcquireContext(ctx, 1)
}

// TryLock acquires the lock if it is free or already held by the caller.
// It barges even when the lock is fair.
func (l *ReentrantLock) TryLock() bool {
	return l.s.tryAcquire(1, false)
}

// TryLockTimeout acquires the lock if it becomes available within d,
// honouring the fairness setting.
func (l *ReentrantLock) TryLockTimeout(d time.Duration) (bool, error) {
	return l.s.TryAcquireTimeout(1, d)
}

// Unlock decrements the hold count and releases the lock when it reaches
// zero. It panics with ErrIllegalState if the caller does not hold the lock.
func (l *ReentrantLock) Unlock() {
	l.s.Release(1)
}

// NewCondition returns a condition bound to l.
func (l *ReentrantLock) NewCondition() *Condition {
	return l.s.NewCondition()
}

// HoldCount returns the number of holds on l by the calling goroutine.
func (l *ReentrantLock) HoldCount() int {
	if !l.s.IsHeldExclusively() {
		return 0
	}
	return int(l.s.State())
}

// IsHeldByCurrentThread reports whether the calling goroutine holds l.
func (l *ReentrantLock) IsHeldByCurrentThread() bool {
	return l.s.IsHeldExclusively()
}

// IsLocked reports whether l is held by any goroutine.
func (l *ReentrantLock) IsLocked() bool {
	return l.s.State() != 0
}

// IsFair reports whether l was created with WithFair.
func (l *ReentrantLock) IsFair() bool {
	return l.s.fair
}

// Owner returns the thread holding l, or nil.
func (l *ReentrantLock) Owner() *Thread {
	return l.s.holder()
}

// HasQueuedThreads reports whether any goroutine may be waiting for l.
func (l *ReentrantLock) HasQueuedThreads() bool {
	return l.s.HasQueuedThreads()
}

// HasQueuedThread reports whether t is waiting for l.
func (l *ReentrantLock) HasQueuedThread(t *Thread) bool {
	return l.s.IsQueued(t)
}

// QueueLength returns an estimate of the number of goroutines waiting for l.
func (l *ReentrantLock) QueueLength() int {
	return l.s.QueueLength()
}

// HasWaiters reports whether any goroutine waits on c, which must have been
// created by l. The caller must hold l.
func (l *ReentrantLock) HasWaiters(c *Condition) bool {
	return l.s.HasWaiters(c)
}

// WaitQueueLength returns an estimate of the number of goroutines waiting
// on c. The caller must hold l.
func (l *ReentrantLock) WaitQueueLength(c *Condition) int {
	return l.s.WaitQueueLength(c)
}

func (l *ReentrantLock) String() string {
	if o := l.s.holder(); o != nil {
		return fmt.Sprintf("ReentrantLock[Locked by %v]", o)
	}
	return "ReentrantLock[Unlocked]"
}
