package qsync

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"weak"

	"github.com/llxisdsh/pb"

	"github.com/llxisdsh/qsync/internal/opt"
)

// Thread is the handle of a goroutine taking part in queued synchronization.
//
// A Thread carries the two capabilities the queue needs from the runtime:
//   - a one-shot park permit (Unpark deposits it, parking consumes it), and
//   - an interrupt flag that interruptible waits observe and report.
//
// Handles are obtained with CurrentThread. A goroutine has at most one live
// handle at a time; it is reclaimed once nothing references it and neither
// an interrupt nor a permit is pending on it.
type Thread struct {
	id int64
	// permit holds at most one token. Parking with a token present returns
	// immediately; Unpark on a full permit is a no-op.
	permit      chan struct{}
	interrupted atomic.Bool
}

type threadRef struct {
	id int64
	w  weak.Pointer[Thread]
}

var (
	// threads maps goroutine ids to their live handles.
	threads pb.MapOf[int64, weak.Pointer[Thread]]
	// pinned keeps handles alive while an interrupt or a permit is pending,
	// so that neither is lost when delivered to an idle goroutine.
	pinned pb.MapOf[int64, *Thread]
)

// CurrentThread returns the handle of the calling goroutine.
func CurrentThread() *Thread {
	id := goid()
	if w, ok := loadEntry(&threads, id); ok {
		if t := w.Value(); t != nil {
			return t
		}
	}

	nt := &Thread{id: id, permit: make(chan struct{}, 1)}
	nw := weak.Make(nt)
	var t *Thread
	threads.ProcessEntry(
		id,
		func(l *pb.EntryOf[int64, weak.Pointer[Thread]]) (*pb.EntryOf[int64, weak.Pointer[Thread]], weak.Pointer[Thread], bool) {
			if l != nil {
				if v := l.Value.Value(); v != nil {
					t = v
					return l, l.Value, true
				}
			}
			t = nt
			return &pb.EntryOf[int64, weak.Pointer[Thread]]{Value: nw}, nw, false
		},
	)
	if t == nt {
		runtime.AddCleanup(nt, dropThread, threadRef{id, nw})
	}
	return t
}

func dropThread(ref threadRef) {
	threads.ProcessEntry(
		ref.id,
		func(l *pb.EntryOf[int64, weak.Pointer[Thread]]) (*pb.EntryOf[int64, weak.Pointer[Thread]], weak.Pointer[Thread], bool) {
			if l != nil && l.Value == ref.w {
				return nil, ref.w, true
			}
			return l, ref.w, false
		},
	)
}

// loadEntry reads key from m. MapOf.Load reads buckets without
// synchronization the race detector can see, so race builds read under the
// bucket lock instead.
func loadEntry[K comparable, V any](m *pb.MapOf[K, V], key K) (V, bool) {
	if !opt.Race_ {
		return m.Load(key)
	}
	return m.ProcessEntry(
		key,
		func(l *pb.EntryOf[K, V]) (*pb.EntryOf[K, V], V, bool) {
			if l != nil {
				return l, l.Value, true
			}
			var zero V
			return l, zero, false
		},
	)
}

// ID returns the goroutine id of the thread.
func (t *Thread) ID() int64 {
	return t.id
}

// Interrupt sets the interrupt flag of t and wakes it if it is parked.
// Interruptible waits of t abort with ErrInterrupted; non-interruptible waits
// complete and leave the flag set.
func (t *Thread) Interrupt() {
	t.interrupted.Store(true)
	t.pin()
	t.unpark()
}

// IsInterrupted reports whether the interrupt flag of t is set. The flag is
// not cleared.
func (t *Thread) IsInterrupted() bool {
	return t.interrupted.Load()
}

// reassertInterrupt sets the interrupt flag again after a wait that
// swallowed it. Unlike Interrupt it deposits no permit, so the next park is
// not woken.
func (t *Thread) reassertInterrupt() {
	t.interrupted.Store(true)
	t.pin()
}

// clearInterrupt clears the interrupt flag and reports whether it was set.
func (t *Thread) clearInterrupt() bool {
	if !t.interrupted.Swap(false) {
		return false
	}
	t.pin()
	return true
}

// pin reconciles the pinned registry with the pending state of t: a handle
// with a pending interrupt or an unconsumed permit stays reachable.
// Updates are serialized per goroutine id, so the last reconciliation always
// sees the latest state.
func (t *Thread) pin() {
	pinned.ProcessEntry(
		t.id,
		func(l *pb.EntryOf[int64, *Thread]) (*pb.EntryOf[int64, *Thread], *Thread, bool) {
			if t.interrupted.Load() || len(t.permit) > 0 {
				if l != nil {
					return l, l.Value, true
				}
				return &pb.EntryOf[int64, *Thread]{Value: t}, t, false
			}
			if l != nil {
				return nil, nil, true
			}
			return l, nil, false
		},
	)
}

// Unpark makes the permit of t available. If t is parked it resumes;
// otherwise its next park returns immediately.
func (t *Thread) Unpark() {
	if t.unpark() {
		t.pin()
	}
}

// unpark deposits the permit and reports whether it was empty before.
// Queue code uses it directly: a queued thread is reachable from its node,
// so its permit cannot be lost.
func (t *Thread) unpark() bool {
	select {
	case t.permit <- struct{}{}:
		return true
	default:
		return false
	}
}

// park blocks until the permit is available, the thread is interrupted,
// timeout elapses (if positive) or done is closed (if non-nil). It may also
// return spuriously, so callers re-check their predicate.
func (t *Thread) park(timeout time.Duration, done <-chan struct{}) {
	if t.interrupted.Load() {
		return
	}
	if timeout <= 0 && done == nil {
		<-t.permit
		t.consumed()
		return
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-t.permit:
		t.consumed()
	case <-expired:
	case <-done:
	}
}

// consumed drops the pin a public Unpark may have left behind.
func (t *Thread) consumed() {
	if _, ok := loadEntry(&pinned, t.id); ok {
		t.pin()
	}
}

func (t *Thread) String() string {
	return fmt.Sprintf("Thread[goroutine %d]", t.id)
}

// Interrupted reports whether the calling goroutine has been interrupted and
// clears its interrupt flag.
func Interrupted() bool {
	t, ok := loadEntry(&pinned, goid())
	if !ok {
		return false
	}
	return t.clearInterrupt()
}

// Park disables the calling goroutine until its permit is made available by
// Unpark or it is interrupted. It may return spuriously.
func Park() {
	CurrentThread().park(0, nil)
}

// ParkTimeout is like Park but also returns once d has elapsed.
// It returns immediately if d <= 0.
func ParkTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	CurrentThread().park(d, nil)
}
