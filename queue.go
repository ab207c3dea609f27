package qsync

import (
	"context"
	"sync/atomic"
	"time"
)

type nodeMode uint8

const (
	modeExclusive nodeMode = iota
	modeShared
)

// Wait status of a node.
const (
	statusInitial int32 = 0
	// statusCancelled is terminal: a cancelled node never changes status again.
	statusCancelled int32 = 1
	// statusSignal means the successor is (or soon will be) parked, so the
	// node must unpark it when it releases or cancels.
	statusSignal int32 = -1
	// statusCondition marks a node sitting in a condition queue. It is reset
	// to statusInitial when the node is transferred to the sync queue.
	statusCondition int32 = -2
	// statusPropagate is only set on the head node by doReleaseShared to
	// record that a shared release must be propagated further.
	statusPropagate int32 = -3
)

// spinForTimeoutThreshold is the remaining time below which a timed wait
// spins instead of parking; parking with a timer that short is less precise
// than spinning.
const spinForTimeoutThreshold = time.Microsecond

// node is a wait record in the sync queue or in a condition queue.
//
// prev is set before a node is published by the tail CAS, next only after,
// so next may lag behind and a nil next does not mean "no successor".
// Traversals that must be exact walk prev backwards from tail.
type node struct {
	prev   atomic.Pointer[node]
	next   atomic.Pointer[node]
	thread atomic.Pointer[Thread]
	status atomic.Int32
	mode   nodeMode

	// nextWaiter links condition queue nodes. It is only accessed while the
	// synchronizer is held exclusively.
	nextWaiter *node
}

func newNode(t *Thread, mode nodeMode) *node {
	n := &node{mode: mode}
	n.thread.Store(t)
	return n
}

func (n *node) isShared() bool {
	return n.mode == modeShared
}

// waitSpec describes how a queued acquisition may give up. A nil *waitSpec is
// an uninterruptible, untimed wait: interrupts are recorded and reported
// back to the caller instead of aborting the wait.
type waitSpec struct {
	deadline time.Time
	bounded  bool // deadline applies, even if it is the zero time
	ctx      context.Context
}

func until(deadline time.Time) *waitSpec {
	return &waitSpec{deadline: deadline, bounded: true}
}

func (w *waitSpec) timed() bool {
	return w != nil && w.bounded
}

func (w *waitSpec) done() <-chan struct{} {
	if w == nil || w.ctx == nil {
		return nil
	}
	return w.ctx.Done()
}

// abort returns the reason an interruptible wait must stop, if any.
func (w *waitSpec) abort(t *Thread) error {
	if t.clearInterrupt() {
		return ErrInterrupted
	}
	if w.ctx != nil {
		return w.ctx.Err()
	}
	return nil
}

// enq inserts n into the queue, initializing it if necessary.
// It returns n's predecessor.
func (s *Sync) enq(n *node) *node {
	for {
		t := s.tail.Load()
		if t == nil {
			if s.head.CompareAndSwap(nil, &node{}) {
				s.tail.Store(s.head.Load())
			}
			continue
		}
		n.prev.Store(t)
		if s.tail.CompareAndSwap(t, n) {
			t.next.Store(n)
			return t
		}
	}
}

func (s *Sync) addWaiter(t *Thread, mode nodeMode) *node {
	n := newNode(t, mode)
	s.enq(n)
	return n
}

// setHead makes n the head sentinel. Only the thread that just acquired
// through n calls it, so no CAS is needed.
func (s *Sync) setHead(n *node) {
	s.head.Store(n)
	n.thread.Store(nil)
	n.prev.Store(nil)
}

// unparkSuccessor wakes the first live successor of n, if any.
func (s *Sync) unparkSuccessor(n *node) {
	if ws := n.status.Load(); ws < 0 {
		n.status.CompareAndSwap(ws, statusInitial)
	}

	// The successor is normally n.next. If next is missing or cancelled,
	// walk back from tail to find the earliest live node after n.
	succ := n.next.Load()
	if succ == nil || succ.status.Load() > 0 {
		succ = nil
		for p := s.tail.Load(); p != nil && p != n; p = p.prev.Load() {
			if p.status.Load() <= 0 {
				succ = p
			}
		}
	}
	if succ != nil {
		if t := succ.thread.Load(); t != nil {
			t.unpark()
		}
	}
}

// doReleaseShared signals the successor of head and makes sure the release
// propagates. It loops while head changes underneath it.
func (s *Sync) doReleaseShared() {
	for {
		h := s.head.Load()
		if h != nil && h != s.tail.Load() {
			ws := h.status.Load()
			if ws == statusSignal {
				if !h.status.CompareAndSwap(statusSignal, statusInitial) {
					continue
				}
				s.unparkSuccessor(h)
			} else if ws == statusInitial &&
				!h.status.CompareAndSwap(statusInitial, statusPropagate) {
				continue
			}
		}
		if h == s.head.Load() {
			return
		}
	}
}

// setHeadAndPropagate sets n as head and, if the shared acquire reported
// spare capacity or either the old or the new head carries a pending signal,
// continues the release to the next shared waiter. The status reads may be
// stale; a spurious extra wakeup is harmless, a missing one is not.
func (s *Sync) setHeadAndPropagate(n *node, propagate int64) {
	h := s.head.Load()
	s.setHead(n)
	if propagate > 0 || h == nil || h.status.Load() < 0 {
		s.propagate(n)
		return
	}
	if h = s.head.Load(); h == nil || h.status.Load() < 0 {
		s.propagate(n)
	}
}

func (s *Sync) propagate(n *node) {
	if succ := n.next.Load(); succ == nil || succ.isShared() {
		s.doReleaseShared()
	}
}

// cancelAcquire removes n from contention. It never drops a wakeup that n
// may have absorbed: if n cannot hand its predecessor's signal obligation
// on to its successor, it wakes the successor directly.
func (s *Sync) cancelAcquire(n *node) {
	if n == nil {
		return
	}
	n.thread.Store(nil)

	pred := n.prev.Load()
	for pred.status.Load() > 0 {
		pred = pred.prev.Load()
		n.prev.Store(pred)
	}
	predNext := pred.next.Load()

	// After this store other nodes may skip past n.
	n.status.Store(statusCancelled)

	if n == s.tail.Load() && s.tail.CompareAndSwap(n, pred) {
		pred.next.CompareAndSwap(predNext, nil)
		return
	}

	if pred != s.head.Load() && markSignal(pred) && pred.thread.Load() != nil {
		if next := n.next.Load(); next != nil && next.status.Load() <= 0 {
			pred.next.CompareAndSwap(predNext, next)
		}
	} else {
		s.unparkSuccessor(n)
	}
	n.next.Store(n)
}

// markSignal makes sure pred will signal its successor.
func markSignal(pred *node) bool {
	ws := pred.status.Load()
	return ws == statusSignal ||
		(ws <= 0 && pred.status.CompareAndSwap(ws, statusSignal))
}

// shouldParkAfterFailedAcquire reports whether n may park. It only returns
// true once pred has promised to signal; otherwise it skips cancelled
// predecessors or sets the promise and asks the caller to retry first.
func shouldParkAfterFailedAcquire(pred, n *node) bool {
	ws := pred.status.Load()
	if ws == statusSignal {
		return true
	}
	if ws > 0 {
		for {
			pred = pred.prev.Load()
			n.prev.Store(pred)
			if pred.status.Load() <= 0 {
				break
			}
		}
		pred.next.Store(n)
	} else {
		pred.status.CompareAndSwap(ws, statusSignal)
	}
	return false
}

// acquireQueued runs the acquisition loop for n, which is already in the
// sync queue. t is the thread owning n.
//
// With a nil w the wait is uninterruptible: interrupts are swallowed and
// reported through interrupted, and acquired is always true. Otherwise the
// wait aborts with ErrInterrupted, the context's error, or acquired == false
// once the deadline passes; n is cancelled in all of those cases.
func (s *Sync) acquireQueued(n *node, t *Thread, arg int64, w *waitSpec) (acquired, interrupted bool, err error) {
	failed := true
	defer func() {
		if failed {
			s.cancelAcquire(n)
		}
	}()

	for {
		p := n.prev.Load()
		if p == s.head.Load() {
			if n.isShared() {
				if r := s.hooks.TryAcquireShared(arg); r >= 0 {
					s.setHeadAndPropagate(n, r)
					p.next.Store(nil)
					failed = false
					return true, interrupted, nil
				}
			} else if s.hooks.TryAcquire(arg) {
				s.setHead(n)
				p.next.Store(nil)
				failed = false
				return true, interrupted, nil
			}
		}

		var timeout time.Duration
		if w.timed() {
			if timeout = time.Until(w.deadline); timeout <= 0 {
				return false, interrupted, nil
			}
		}
		if shouldParkAfterFailedAcquire(p, n) &&
			(!w.timed() || timeout > spinForTimeoutThreshold) {
			t.park(timeout, w.done())
		}

		if w != nil {
			if err = w.abort(t); err != nil {
				return false, interrupted, err
			}
		} else if t.clearInterrupt() {
			interrupted = true
		}
	}
}
