package qsync

import (
	"context"
	"time"
)

// Condition is a condition variable bound to a Sync that supports exclusive
// mode and IsHeldExclusively.
//
// Waiters sit in a per-condition list while they wait for a signal. Signal
// transfers the longest-waiting node from that list into the sync queue of
// the owning Sync, where it competes to reacquire exactly like any other
// exclusive waiter. All list manipulation happens while the Sync is held
// exclusively, so the list itself needs no synchronization.
type Condition struct {
	_           noCopy
	s           *Sync
	firstWaiter *node
	lastWaiter  *node
}

// NewCondition returns a new condition bound to s.
func (s *Sync) NewCondition() *Condition {
	return &Condition{s: s}
}

// How a wait ended with respect to interruption.
type interruptMode int8

const (
	noInterrupt interruptMode = iota
	// reinterrupt: interrupted after being signalled; re-assert the flag.
	reinterrupt
	// abortWait: interrupted (or context done) before being signalled.
	abortWait
)

// Await releases the synchronizer, waits until signalled or interrupted,
// and reacquires it before returning. If interrupted before being signalled
// it returns ErrInterrupted (after reacquiring). If interrupted after being
// signalled it returns nil and the interrupt flag remains set.
func (c *Condition) Await() error {
	_, err := c.await(nil)
	return err
}

// AwaitContext is like Await but also stops waiting when ctx is done, in
// which case it returns ctx.Err() after reacquiring.
func (c *Condition) AwaitContext(ctx context.Context) error {
	_, err := c.await(&waitSpec{ctx: ctx})
	return err
}

// AwaitNanos is like Await but gives up after nanos nanoseconds. It returns
// an estimate of the time left; a non-positive result means it timed out.
// A non-positive nanos does not wait, though the lock is still released and
// reacquired.
func (c *Condition) AwaitNanos(nanos int64) (int64, error) {
	deadline := time.Now().Add(time.Duration(nanos))
	_, err := c.await(until(deadline))
	return int64(time.Until(deadline)), err
}

// AwaitUntil is like Await but gives up at deadline. It returns false if the
// deadline elapsed before a signal arrived; a deadline already past,
// including the zero time, times out at once.
func (c *Condition) AwaitUntil(deadline time.Time) (bool, error) {
	timedOut, err := c.await(until(deadline))
	return !timedOut, err
}

// AwaitTimeout is like AwaitUntil with a relative timeout.
func (c *Condition) AwaitTimeout(d time.Duration) (bool, error) {
	return c.AwaitUntil(time.Now().Add(d))
}

// AwaitUninterruptibly is like Await but keeps waiting when interrupted.
// The interrupt flag is set again on return if an interrupt arrived.
func (c *Condition) AwaitUninterruptibly() {
	t := CurrentThread()
	n := c.addConditionWaiter(t)
	saved := c.s.fullyRelease(n)
	interrupted := false
	for !c.s.isOnSyncQueue(n) {
		t.park(0, nil)
		if t.clearInterrupt() {
			interrupted = true
		}
	}
	if _, reacquireInterrupted, _ := c.s.acquireQueued(n, t, saved, nil); reacquireInterrupted || interrupted {
		t.reassertInterrupt()
	}
}

// await implements every interruptible wait. A nil w waits without a
// deadline or a context.
func (c *Condition) await(w *waitSpec) (timedOut bool, err error) {
	t := CurrentThread()
	if t.clearInterrupt() {
		return false, ErrInterrupted
	}
	var ctx context.Context
	if w != nil && w.ctx != nil {
		ctx = w.ctx
		if err = ctx.Err(); err != nil {
			return false, err
		}
	}
	done := w.done()

	n := c.addConditionWaiter(t)
	saved := c.s.fullyRelease(n)
	timed := w.timed()
	mode := noInterrupt
	var cause error
	for !c.s.isOnSyncQueue(n) {
		var timeout time.Duration
		if timed {
			if timeout = time.Until(w.deadline); timeout <= 0 {
				timedOut = c.s.transferAfterCancelledWait(n)
				break
			}
		}
		if !timed || timeout > spinForTimeoutThreshold {
			t.park(timeout, done)
		}
		if mode, cause = c.checkInterruptWhileWaiting(n, t, ctx); mode != noInterrupt {
			break
		}
	}

	if _, interrupted, _ := c.s.acquireQueued(n, t, saved, nil); interrupted && mode != abortWait {
		mode = reinterrupt
	}
	if n.nextWaiter != nil {
		c.unlinkCancelledWaiters()
	}
	switch mode {
	case abortWait:
		return timedOut, cause
	case reinterrupt:
		t.reassertInterrupt()
	}
	return timedOut, nil
}

// checkInterruptWhileWaiting decides what an interrupt (or a done context)
// observed during a wait means: abort if it came before a signal, re-assert
// it if a signal won the race.
func (c *Condition) checkInterruptWhileWaiting(n *node, t *Thread, ctx context.Context) (interruptMode, error) {
	var cause error
	if t.clearInterrupt() {
		cause = ErrInterrupted
	} else if ctx != nil {
		cause = ctx.Err()
	}
	if cause == nil {
		return noInterrupt, nil
	}
	if c.s.transferAfterCancelledWait(n) {
		return abortWait, cause
	}
	if cause == ErrInterrupted {
		return reinterrupt, nil
	}
	// Signalled before the context was observed done: complete normally.
	return noInterrupt, nil
}

// Signal moves the longest-waiting goroutine, if any, from c to the sync
// queue of the owning synchronizer. It panics with ErrIllegalState unless
// the caller holds the synchronizer exclusively.
func (c *Condition) Signal() {
	c.checkHeld()
	if first := c.firstWaiter; first != nil {
		c.doSignal(first)
	}
}

// SignalAll moves every waiting goroutine from c to the sync queue.
func (c *Condition) SignalAll() {
	c.checkHeld()
	if first := c.firstWaiter; first != nil {
		c.doSignalAll(first)
	}
}

func (c *Condition) checkHeld() {
	if !c.s.hooks.IsHeldExclusively() {
		panic(illegalState("condition used without holding the lock"))
	}
}

// addConditionWaiter appends a new waiter for t, first clearing out
// cancelled waiters at the tail.
func (c *Condition) addConditionWaiter(t *Thread) *node {
	c.checkHeld()
	last := c.lastWaiter
	if last != nil && last.status.Load() != statusCondition {
		c.unlinkCancelledWaiters()
		last = c.lastWaiter
	}
	n := newNode(t, modeExclusive)
	n.status.Store(statusCondition)
	if last == nil {
		c.firstWaiter = n
	} else {
		last.nextWaiter = n
	}
	c.lastWaiter = n
	return n
}

// doSignal transfers first, or the next live waiter after it.
func (c *Condition) doSignal(first *node) {
	for {
		c.firstWaiter = first.nextWaiter
		if c.firstWaiter == nil {
			c.lastWaiter = nil
		}
		first.nextWaiter = nil
		if c.s.transferForSignal(first) {
			return
		}
		if first = c.firstWaiter; first == nil {
			return
		}
	}
}

func (c *Condition) doSignalAll(first *node) {
	c.firstWaiter, c.lastWaiter = nil, nil
	for first != nil {
		next := first.nextWaiter
		first.nextWaiter = nil
		c.s.transferForSignal(first)
		first = next
	}
}

// unlinkCancelledWaiters drops every waiter no longer in CONDITION status.
func (c *Condition) unlinkCancelledWaiters() {
	var trail *node
	for n := c.firstWaiter; n != nil; {
		next := n.nextWaiter
		if n.status.Load() != statusCondition {
			n.nextWaiter = nil
			if trail == nil {
				c.firstWaiter = next
			} else {
				trail.nextWaiter = next
			}
			if next == nil {
				c.lastWaiter = trail
			}
		} else {
			trail = n
		}
		n = next
	}
}

func (c *Condition) hasWaiters() bool {
	c.checkHeld()
	for n := c.firstWaiter; n != nil; n = n.nextWaiter {
		if n.status.Load() == statusCondition {
			return true
		}
	}
	return false
}

func (c *Condition) waitQueueLength() int {
	c.checkHeld()
	cnt := 0
	for n := c.firstWaiter; n != nil; n = n.nextWaiter {
		if n.status.Load() == statusCondition {
			cnt++
		}
	}
	return cnt
}

func (c *Condition) waitingThreads() []*Thread {
	c.checkHeld()
	var list []*Thread
	for n := c.firstWaiter; n != nil; n = n.nextWaiter {
		if n.status.Load() == statusCondition {
			if t := n.thread.Load(); t != nil {
				list = append(list, t)
			}
		}
	}
	return list
}

// ============================================================================
// Transfer between the condition list and the sync queue
// ============================================================================

// fullyRelease releases the whole current state on behalf of a condition
// waiter and returns it for reacquisition.
func (s *Sync) fullyRelease(n *node) int64 {
	saved := s.State()
	released := false
	defer func() {
		if !released {
			n.status.Store(statusCancelled)
		}
	}()
	if !s.Release(saved) {
		panic(illegalState("full release did not free the synchronizer"))
	}
	released = true
	return saved
}

// isOnSyncQueue reports whether n, initially placed on a condition list, is
// now waiting to reacquire on the sync queue.
func (s *Sync) isOnSyncQueue(n *node) bool {
	if n.status.Load() == statusCondition || n.prev.Load() == nil {
		return false
	}
	if n.next.Load() != nil {
		return true
	}
	// prev may be set while the tail CAS has not succeeded yet, so confirm
	// by walking back from tail. n is almost always near the tail.
	return s.findNodeFromTail(n)
}

func (s *Sync) findNodeFromTail(n *node) bool {
	for p := s.tail.Load(); p != nil; p = p.prev.Load() {
		if p == n {
			return true
		}
	}
	return false
}

// transferForSignal moves n to the sync queue. It returns false if n was
// cancelled before the signal.
func (s *Sync) transferForSignal(n *node) bool {
	if !n.status.CompareAndSwap(statusCondition, statusInitial) {
		return false
	}
	// Ask the predecessor to signal n. If it is cancelled or the request
	// fails, wake n now so it resyncs itself; otherwise the signal could be
	// lost while the signaller keeps holding the lock.
	p := s.enq(n)
	if ws := p.status.Load(); ws > 0 || !p.status.CompareAndSwap(ws, statusSignal) {
		if t := n.thread.Load(); t != nil {
			t.unpark()
		}
	}
	return true
}

// transferAfterCancelledWait moves n to the sync queue after a cancelled
// wait. It returns true if the cancellation happened before a signal.
func (s *Sync) transferAfterCancelledWait(n *node) bool {
	if n.status.CompareAndSwap(statusCondition, statusInitial) {
		s.enq(n)
		return true
	}
	// A signal won the race; it cannot be undone, so wait until its
	// enq completes. This is rare and short.
	var spins int
	for !s.isOnSyncQueue(n) {
		spinOrYield(&spins)
	}
	return false
}
