package qsync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/llxisdsh/qsync/internal/opt"
)

// Hooks is the acquisition policy of a synchronizer built on Sync.
//
// The policy owns the meaning of the state word; Sync only queues, parks and
// wakes goroutines and calls back into the hooks to test and update state.
// A policy implements the methods of the modes it supports and may embed
// UnsupportedHooks for the rest.
type Hooks interface {
	// TryAcquire attempts to acquire in exclusive mode without blocking.
	// A failed attempt must have no side effects.
	TryAcquire(arg int64) bool

	// TryRelease releases in exclusive mode. It returns true if the
	// synchronizer is now fully released and queued waiters may proceed.
	// It panics with ErrIllegalState if the caller does not hold it.
	TryRelease(arg int64) bool

	// TryAcquireShared attempts to acquire in shared mode without blocking.
	// A negative result means failure, zero means success with nothing left
	// for further shared acquirers, and a positive value means success where
	// a subsequent shared acquire may also succeed.
	TryAcquireShared(arg int64) int64

	// TryReleaseShared releases in shared mode. It returns true if the
	// release may allow a waiting acquire (shared or exclusive) to succeed.
	TryReleaseShared(arg int64) bool

	// IsHeldExclusively reports whether the calling goroutine holds the
	// synchronizer exclusively. Only conditions use it.
	IsHeldExclusively() bool
}

// UnsupportedHooks implements every Hooks method by panicking with
// ErrUnsupported. Embed it in a policy that supports only some modes.
type UnsupportedHooks struct{}

func (UnsupportedHooks) TryAcquire(int64) bool {
	panic(fmt.Errorf("%w: exclusive acquire", ErrUnsupported))
}

func (UnsupportedHooks) TryRelease(int64) bool {
	panic(fmt.Errorf("%w: exclusive release", ErrUnsupported))
}

func (UnsupportedHooks) TryAcquireShared(int64) int64 {
	panic(fmt.Errorf("%w: shared acquire", ErrUnsupported))
}

func (UnsupportedHooks) TryReleaseShared(int64) bool {
	panic(fmt.Errorf("%w: shared release", ErrUnsupported))
}

func (UnsupportedHooks) IsHeldExclusively() bool {
	panic(fmt.Errorf("%w: conditions", ErrUnsupported))
}

// Sync is a framework for blocking locks and related synchronizers
// (semaphores, latches, barriers) that rely on a single int64 state word and
// a FIFO wait queue.
//
// The queue is a variant of a CLH lock queue: it is mutated only through
// CAS, each node records whether its predecessor will wake it, and threads
// may always barge (acquire without queueing) if the hooks allow it.
// Fairness is a property a policy opts into via HasQueuedPredecessors.
//
// A Sync must be initialized with Init before use and must not be copied.
type Sync struct {
	_ noCopy

	// head is the sentinel of the queue; lazily initialized and non-nil
	// forever after the first contention. Only the acquiring thread moves it.
	head atomic.Pointer[node]
	_    opt.Pad_
	// tail is only modified by enq and cancellation (CAS).
	tail atomic.Pointer[node]

	state atomic.Int64
	owner atomic.Pointer[Thread]
	hooks Hooks
}

// Init installs the acquisition policy. It must be called before any other
// method and only once.
func (s *Sync) Init(h Hooks) {
	s.hooks = h
}

// State returns the current value of the synchronization state.
func (s *Sync) State() int64 {
	return s.state.Load()
}

// SetState sets the synchronization state.
func (s *Sync) SetState(v int64) {
	s.state.Store(v)
}

// CompareAndSetState atomically sets the state to new if it equals old.
func (s *Sync) CompareAndSetState(old, new int64) bool {
	return s.state.CompareAndSwap(old, new)
}

// SetExclusiveOwner records t as the exclusive owner. A nil t clears it.
func (s *Sync) SetExclusiveOwner(t *Thread) {
	s.owner.Store(t)
}

// ExclusiveOwner returns the thread last recorded by SetExclusiveOwner.
func (s *Sync) ExclusiveOwner() *Thread {
	return s.owner.Load()
}

// ============================================================================
// Exclusive mode
// ============================================================================

// Acquire acquires in exclusive mode, ignoring interrupts. If the calling
// goroutine is interrupted while waiting, the acquisition still completes
// and the interrupt flag is set again before returning.
func (s *Sync) Acquire(arg int64) {
	if s.hooks.TryAcquire(arg) {
		return
	}
	t := CurrentThread()
	if _, interrupted, _ := s.acquireQueued(s.addWaiter(t, modeExclusive), t, arg, nil); interrupted {
		t.reassertInterrupt()
	}
}

// AcquireInterruptibly acquires in exclusive mode, returning ErrInterrupted
// if the calling goroutine is interrupted before or while waiting.
func (s *Sync) AcquireInterruptibly(arg int64) error {
	t := CurrentThread()
	if t.clearInterrupt() {
		return ErrInterrupted
	}
	if s.hooks.TryAcquire(arg) {
		return nil
	}
	_, _, err := s.acquireQueued(s.addWaiter(t, modeExclusive), t, arg, &waitSpec{})
	return err
}

// AcquireContext acquires in exclusive mode, giving up with ctx.Err() when
// ctx is done and with ErrInterrupted when interrupted.
func (s *Sync) AcquireContext(ctx context.Context, arg int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := CurrentThread()
	if t.clearInterrupt() {
		return ErrInterrupted
	}
	if s.hooks.TryAcquire(arg) {
		return nil
	}
	_, _, err := s.acquireQueued(s.addWaiter(t, modeExclusive), t, arg, &waitSpec{ctx: ctx})
	return err
}

// TryAcquireNanos attempts to acquire in exclusive mode, waiting at most
// nanos nanoseconds. It returns false if the time elapses first; a
// non-positive nanos means no waiting at all.
func (s *Sync) TryAcquireNanos(arg, nanos int64) (bool, error) {
	return s.TryAcquireTimeout(arg, time.Duration(nanos))
}

// TryAcquireTimeout is TryAcquireNanos with a time.Duration.
func (s *Sync) TryAcquireTimeout(arg int64, d time.Duration) (bool, error) {
	t := CurrentThread()
	if t.clearInterrupt() {
		return false, ErrInterrupted
	}
	if s.hooks.TryAcquire(arg) {
		return true, nil
	}
	if d <= 0 {
		return false, nil
	}
	ok, _, err := s.acquireQueued(s.addWaiter(t, modeExclusive), t, arg, until(time.Now().Add(d)))
	return ok, err
}

// Release releases in exclusive mode and unblocks a waiter if TryRelease
// reports the synchronizer fully released. It returns the TryRelease result.
func (s *Sync) Release(arg int64) bool {
	if !s.hooks.TryRelease(arg) {
		return false
	}
	if h := s.head.Load(); h != nil && h.status.Load() != statusInitial {
		s.unparkSuccessor(h)
	}
	return true
}

// ============================================================================
// Shared mode
// ============================================================================

// AcquireShared acquires in shared mode, ignoring interrupts (see Acquire).
func (s *Sync) AcquireShared(arg int64) {
	if s.hooks.TryAcquireShared(arg) >= 0 {
		return
	}
	t := CurrentThread()
	if _, interrupted, _ := s.acquireQueued(s.addWaiter(t, modeShared), t, arg, nil); interrupted {
		t.reassertInterrupt()
	}
}

// AcquireSharedInterruptibly acquires in shared mode, returning
// ErrInterrupted if interrupted before or while waiting.
func (s *Sync) AcquireSharedInterruptibly(arg int64) error {
	t := CurrentThread()
	if t.clearInterrupt() {
		return ErrInterrupted
	}
	if s.hooks.TryAcquireShared(arg) >= 0 {
		return nil
	}
	_, _, err := s.acquireQueued(s.addWaiter(t, modeShared), t, arg, &waitSpec{})
	return err
}

// AcquireSharedContext acquires in shared mode, giving up with ctx.Err()
// when ctx is done and with ErrInterrupted when interrupted.
func (s *Sync) AcquireSharedContext(ctx context.Context, arg int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := CurrentThread()
	if t.clearInterrupt() {
		return ErrInterrupted
	}
	if s.hooks.TryAcquireShared(arg) >= 0 {
		return nil
	}
	_, _, err := s.acquireQueued(s.addWaiter(t, modeShared), t, arg, &waitSpec{ctx: ctx})
	return err
}

// TryAcquireSharedNanos attempts to acquire in shared mode, waiting at most
// nanos nanoseconds.
func (s *Sync) TryAcquireSharedNanos(arg, nanos int64) (bool, error) {
	return s.TryAcquireSharedTimeout(arg, time.Duration(nanos))
}

// TryAcquireSharedTimeout is TryAcquireSharedNanos with a time.Duration.
func (s *Sync) TryAcquireSharedTimeout(arg int64, d time.Duration) (bool, error) {
	t := CurrentThread()
	if t.clearInterrupt() {
		return false, ErrInterrupted
	}
	if s.hooks.TryAcquireShared(arg) >= 0 {
		return true, nil
	}
	if d <= 0 {
		return false, nil
	}
	ok, _, err := s.acquireQueued(s.addWaiter(t, modeShared), t, arg, until(time.Now().Add(d)))
	return ok, err
}

// ReleaseShared releases in shared mode and propagates the release to queued
// waiters if TryReleaseShared returns true. It returns that result.
func (s *Sync) ReleaseShared(arg int64) bool {
	if !s.hooks.TryReleaseShared(arg) {
		return false
	}
	s.doReleaseShared()
	return true
}

// ============================================================================
// Queue inspection
//
// These methods are best-effort snapshots for monitoring. Except for
// HasQueuedPredecessors they must not drive synchronization decisions.
// ============================================================================

// HasQueuedThreads reports whether any goroutine may be waiting to acquire.
func (s *Sync) HasQueuedThreads() bool {
	return s.head.Load() != s.tail.Load()
}

// HasContended reports whether any goroutine has ever contended for this
// synchronizer, i.e. whether the queue was ever initialized.
func (s *Sync) HasContended() bool {
	return s.head.Load() != nil
}

// FirstQueuedThread returns the longest-waiting queued thread, or nil.
func (s *Sync) FirstQueuedThread() *Thread {
	if s.head.Load() == s.tail.Load() {
		return nil
	}
	// Fast path: the successor of head, if its links are consistent.
	for range 2 {
		if h := s.head.Load(); h != nil {
			if n := h.next.Load(); n != nil && n.prev.Load() == s.head.Load() {
				if t := n.thread.Load(); t != nil {
					return t
				}
			}
		}
	}
	// head.next may be stale; walk back from tail.
	var first *Thread
	h := s.head.Load()
	for p := s.tail.Load(); p != nil && p != h; p = p.prev.Load() {
		if t := p.thread.Load(); t != nil {
			first = t
		}
	}
	return first
}

// IsQueued reports whether t is currently queued.
func (s *Sync) IsQueued(t *Thread) bool {
	if t == nil {
		return false
	}
	for p := s.tail.Load(); p != nil; p = p.prev.Load() {
		if p.thread.Load() == t {
			return true
		}
	}
	return false
}

// HasQueuedPredecessors reports whether some other goroutine has been
// waiting longer than the calling goroutine. Fair policies call it from
// TryAcquire/TryAcquireShared and refuse to barge when it returns true.
func (s *Sync) HasQueuedPredecessors() bool {
	// tail must be read before head: head is initialized before tail, so a
	// nil tail with a non-nil head can only mean "just initialized".
	tl := s.tail.Load()
	h := s.head.Load()
	if h == tl {
		return false
	}
	n := h.next.Load()
	return n == nil || n.thread.Load() != CurrentThread()
}

// ApparentlyFirstQueuedIsExclusive reports whether the first queued waiter,
// if it is visible, waits in exclusive mode. Reader/writer policies use it
// to keep readers from starving a queued writer.
func (s *Sync) ApparentlyFirstQueuedIsExclusive() bool {
	h := s.head.Load()
	if h == nil {
		return false
	}
	n := h.next.Load()
	return n != nil && !n.isShared() && n.thread.Load() != nil
}

// QueueLength returns an estimate of the number of queued goroutines.
func (s *Sync) QueueLength() int {
	n := 0
	for p := s.tail.Load(); p != nil; p = p.prev.Load() {
		if p.thread.Load() != nil {
			n++
		}
	}
	return n
}

// QueuedThreads returns the queued threads, most recently queued first.
func (s *Sync) QueuedThreads() []*Thread {
	return s.queuedThreads(func(*node) bool { return true })
}

// ExclusiveQueuedThreads returns the threads queued in exclusive mode.
func (s *Sync) ExclusiveQueuedThreads() []*Thread {
	return s.queuedThreads(func(n *node) bool { return !n.isShared() })
}

// SharedQueuedThreads returns the threads queued in shared mode.
func (s *Sync) SharedQueuedThreads() []*Thread {
	return s.queuedThreads((*node).isShared)
}

func (s *Sync) queuedThreads(match func(*node) bool) []*Thread {
	var list []*Thread
	for p := s.tail.Load(); p != nil; p = p.prev.Load() {
		if !match(p) {
			continue
		}
		if t := p.thread.Load(); t != nil {
			list = append(list, t)
		}
	}
	return list
}

// Owns reports whether c was created by s.
func (s *Sync) Owns(c *Condition) bool {
	return c != nil && c.s == s
}

// HasWaiters reports whether any goroutine is waiting on c.
// It panics with ErrIllegalState if c does not belong to s or s is not held
// exclusively by the caller.
func (s *Sync) HasWaiters(c *Condition) bool {
	s.checkOwns(c)
	return c.hasWaiters()
}

// WaitQueueLength returns an estimate of the number of goroutines waiting
// on c. It panics like HasWaiters.
func (s *Sync) WaitQueueLength(c *Condition) int {
	s.checkOwns(c)
	return c.waitQueueLength()
}

// WaitingThreads returns the threads waiting on c. It panics like HasWaiters.
func (s *Sync) WaitingThreads(c *Condition) []*Thread {
	s.checkOwns(c)
	return c.waitingThreads()
}

func (s *Sync) checkOwns(c *Condition) {
	if !s.Owns(c) {
		panic(illegalState("condition not owned by this synchronizer"))
	}
}

func (s *Sync) String() string {
	q := "empty"
	if s.HasQueuedThreads() {
		q = "nonempty"
	}
	return fmt.Sprintf("Sync[State = %d, %s queue]", s.State(), q)
}
