package qsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/llxisdsh/pb"
)

// RWLock is a reentrant reader/writer lock built on Sync.
//
// The write lock is exclusive and reentrant like ReentrantLock. The read
// lock is shared; each goroutine may hold it several times and must release
// it as often. A goroutine holding the write lock may also take the read
// lock, which allows downgrading: Lock, RLock, Unlock. Upgrading a read hold
// to the write lock is not possible and deadlocks.
//
// The state word keeps the shared count in its high half and the exclusive
// hold count in its low half:
//
//	bits 32-62: read holds (all goroutines)
//	bits 0-31:  write holds (owner only)
//
// By default readers do not queue behind each other, but a reader that finds
// a writer first in the queue waits so writers are not starved. With
// WithFair both modes are granted in arrival order.
type RWLock struct {
	_ noCopy
	s rwSync
}

const (
	rwSharedShift   = 32
	rwSharedUnit    = 1 << rwSharedShift
	rwMaxCount      = 1<<31 - 1
	rwExclusiveMask = 1<<rwSharedShift - 1
)

func sharedCount(c int64) int64    { return c >> rwSharedShift }
func exclusiveCount(c int64) int64 { return c & rwExclusiveMask }

type rwSync struct {
	Sync
	fair bool
	// holds counts read holds per goroutine id. An entry is only touched by
	// the goroutine it belongs to.
	holds pb.MapOf[int64, *readHold]
}

type readHold struct {
	count int
}

// NewRWLock creates an unlocked RWLock.
func NewRWLock(options ...func(*Config)) *RWLock {
	cfg := newConfig(options)
	l := &RWLock{}
	l.s.fair = cfg.fairness == FIFO
	l.s.Init(&l.s)
	return l
}

func (r *rwSync) writerShouldBlock() bool {
	return r.fair && r.HasQueuedPredecessors()
}

func (r *rwSync) readerShouldBlock() bool {
	if r.fair {
		return r.HasQueuedPredecessors()
	}
	return r.ApparentlyFirstQueuedIsExclusive()
}

func (r *rwSync) TryAcquire(acquires int64) bool {
	t := CurrentThread()
	c := r.State()
	if c != 0 {
		// Readers present, or another writer.
		w := exclusiveCount(c)
		if w == 0 || r.ExclusiveOwner() != t {
			return false
		}
		if w+acquires > rwMaxCount {
			panic(overflow("write lock count"))
		}
		r.SetState(c + acquires)
		return true
	}
	if r.writerShouldBlock() || !r.CompareAndSetState(c, c+acquires) {
		return false
	}
	r.SetExclusiveOwner(t)
	return true
}

func (r *rwSync) TryRelease(releases int64) bool {
	if !r.IsHeldExclusively() {
		panic(illegalState("write unlock of unowned RWLock"))
	}
	next := r.State() - releases
	free := exclusiveCount(next) == 0
	if free {
		r.SetExclusiveOwner(nil)
	}
	r.SetState(next)
	return free
}

func (r *rwSync) TryAcquireShared(int64) int64 {
	t := CurrentThread()
	c := r.State()
	if exclusiveCount(c) != 0 && r.ExclusiveOwner() != t {
		return -1
	}
	if !r.readerShouldBlock() && sharedCount(c) < rwMaxCount &&
		r.CompareAndSetState(c, c+rwSharedUnit) {
		r.addReadHold(t)
		return 1
	}
	return r.fullTryAcquireShared(t)
}

// fullTryAcquireShared handles CAS misses and reentrant reads that the fast
// path in TryAcquireShared refuses.
func (r *rwSync) fullTryAcquireShared(t *Thread) int64 {
	for {
		c := r.State()
		if exclusiveCount(c) != 0 {
			if r.ExclusiveOwner() != t {
				return -1
			}
			// Holding the write lock; blocking here would deadlock.
		} else if r.readerShouldBlock() && r.readHoldCount(t) == 0 {
			// Only reentrant reads may pass a queued waiter.
			return -1
		}
		if sharedCount(c) == rwMaxCount {
			panic(overflow("read lock count"))
		}
		if r.CompareAndSetState(c, c+rwSharedUnit) {
			r.addReadHold(t)
			return 1
		}
	}
}

func (r *rwSync) TryReleaseShared(int64) bool {
	r.removeReadHold(CurrentThread())
	for {
		c := r.State()
		next := c - rwSharedUnit
		if r.CompareAndSetState(c, next) {
			// Releasing a read lock has no effect on readers, but it may let
			// a waiting writer proceed once both counts reach zero.
			return next == 0
		}
	}
}

func (r *rwSync) IsHeldExclusively() bool {
	return r.ExclusiveOwner() == CurrentThread()
}

// tryWriteLock is TryAcquire without the fairness check.
func (r *rwSync) tryWriteLock() bool {
	t := CurrentThread()
	c := r.State()
	if c != 0 {
		w := exclusiveCount(c)
		if w == 0 || r.ExclusiveOwner() != t {
			return false
		}
		if w == rwMaxCount {
			panic(overflow("write lock count"))
		}
	}
	if !r.CompareAndSetState(c, c+1) {
		return false
	}
	r.SetExclusiveOwner(t)
	return true
}

// tryReadLock is TryAcquireShared without the blocking policy.
func (r *rwSync) tryReadLock() bool {
	t := CurrentThread()
	for {
		c := r.State()
		if exclusiveCount(c) != 0 && r.ExclusiveOwner() != t {
			return false
		}
		if sharedCount(c) == rwMaxCount {
			panic(overflow("read lock count"))
		}
		if r.CompareAndSetState(c, c+rwSharedUnit) {
			r.addReadHold(t)
			return true
		}
	}
}

func (r *rwSync) addReadHold(t *Thread) {
	if h, ok := loadEntry(&r.holds, t.id); ok {
		h.count++
		return
	}
	r.holds.Store(t.id, &readHold{count: 1})
}

func (r *rwSync) removeReadHold(t *Thread) {
	h, ok := loadEntry(&r.holds, t.id)
	if !ok || h.count <= 0 {
		panic(illegalState("read unlock of unlocked RWLock"))
	}
	if h.count--; h.count == 0 {
		r.holds.Delete(t.id)
	}
}

func (r *rwSync) readHoldCount(t *Thread) int {
	if h, ok := loadEntry(&r.holds, t.id); ok {
		return h.count
	}
	return 0
}

// RLock acquires the read lock, blocking while another goroutine holds the
// write lock.
func (l *RWLock) RLock() {
	l.s.AcquireShared(1)
}

// RLockInterruptibly acquires the read lock unless the goroutine is
// interrupted first.
func (l *RWLock) RLockInterruptibly() error {
	return l.s.AcquireSharedInterruptibly(1)
}

// RLockContext acquires the read lock unless ctx is done or the goroutine is
// interrupted first.
func (l *RWLock) RLockContext(ctx context.Context) error {
	return l.s.AcquireSharedContext(ctx, 1)
}

// TryRLock acquires the read lock if the write lock is not held by another
// goroutine. It barges even when the lock is fair.
func (l *RWLock) TryRLock() bool {
	return l.s.tryReadLock()
}

// TryRLockTimeout acquires the read lock if it becomes available within d.
func (l *RWLock) TryRLockTimeout(d time.Duration) (bool, error) {
	return l.s.TryAcquireSharedTimeout(1, d)
}

// RUnlock releases one read hold of the calling goroutine. It panics with
// ErrIllegalState if the caller holds no read lock.
func (l *RWLock) RUnlock() {
	l.s.ReleaseShared(1)
}

// Lock acquires the write lock, blocking until no other goroutine holds
// either lock.
func (l *RWLock) Lock() {
	l.s.Acquire(1)
}

// LockInterruptibly acquires the write lock unless the goroutine is
// interrupted first.
func (l *RWLock) LockInterruptibly() error {
	return l.s.AcquireInterruptibly(1)
}

// LockContext acquires the write lock unless ctx is done or the goroutine is
// interrupted first.
func (l *RWLock) LockContext(ctx context.Context) error {
	return l.s.AcquireContext(ctx, 1)
}

// TryLock acquires the write lock if it is free or already held by the
// caller. It barges even when the lock is fair.
func (l *RWLock) TryLock() bool {
	return l.s.tryWriteLock()
}

// TryLockTimeout acquires the write lock if it becomes available within d.
func (l *RWLock) TryLockTimeout(d time.Duration) (bool, error) {
	return l.s.TryAcquireTimeout(1, d)
}

// Unlock releases one write hold. It panics with ErrIllegalState if the
// caller does not hold the write lock.
func (l *RWLock) Unlock() {
	l.s.Release(1)
}

// NewCondition returns a condition bound to the write lock.
func (l *RWLock) NewCondition() *Condition {
	return l.s.NewCondition()
}

// RLocker returns a sync.Locker that locks and unlocks the read lock.
func (l *RWLock) RLocker() sync.Locker {
	return (*rlocker)(l)
}

type rlocker RWLock

func (r *rlocker) Lock()   { (*RWLock)(r).RLock() }
func (r *rlocker) Unlock() { (*RWLock)(r).RUnlock() }

// ReadLockCount returns the number of read holds across all goroutines.
func (l *RWLock) ReadLockCount() int {
	return int(sharedCount(l.s.State()))
}

// ReadHoldCount returns the number of read holds of the calling goroutine.
func (l *RWLock) ReadHoldCount() int {
	if l.ReadLockCount() == 0 {
		return 0
	}
	return l.s.readHoldCount(CurrentThread())
}

// WriteHoldCount returns the number of write holds of the calling goroutine.
func (l *RWLock) WriteHoldCount() int {
	if !l.s.IsHeldExclusively() {
		return 0
	}
	return int(exclusiveCount(l.s.State()))
}

// IsWriteLocked reports whether any goroutine holds the write lock.
func (l *RWLock) IsWriteLocked() bool {
	return exclusiveCount(l.s.State()) != 0
}

// IsWriteLockedByCurrentThread reports whether the calling goroutine holds
// the write lock.
func (l *RWLock) IsWriteLockedByCurrentThread() bool {
	return l.s.IsHeldExclusively()
}

// IsFair reports whether l was created with WithFair.
func (l *RWLock) IsFair() bool {
	return l.s.fair
}

// Owner returns the thread holding the write lock, or nil.
func (l *RWLock) Owner() *Thread {
	if exclusiveCount(l.s.State()) == 0 {
		return nil
	}
	return l.s.ExclusiveOwner()
}

// HasQueuedThreads reports whether any goroutine may be waiting for l.
func (l *RWLock) HasQueuedThreads() bool {
	return l.s.HasQueuedThreads()
}

// QueueLength returns an estimate of the number of goroutines waiting for
// either lock.
func (l *RWLock) QueueLength() int {
	return l.s.QueueLength()
}

func (l *RWLock) String() string {
	c := l.s.State()
	return fmt.Sprintf("RWLock[Write locks = %d, Read locks = %d]", exclusiveCount(c), sharedCount(c))
}
