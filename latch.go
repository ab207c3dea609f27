package qsync

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Latch is a count-down latch: goroutines Wait until the count reaches zero.
// It supports multiple waiters.
//
// CountDown decrements the count; Open drops it to zero at once. Once the
// count is zero all current and future Wait calls return immediately. A
// Latch cannot be reset; use Gate for a reopenable door.
//
// The state word holds the remaining count.
type Latch struct {
	_ noCopy
	s latchSync
}

type latchSync struct {
	Sync
	UnsupportedHooks
}

// NewLatch creates a Latch that opens after count calls to CountDown.
// A zero count creates an open latch.
func NewLatch(count int64) *Latch {
	if count < 0 {
		panic("qsync: negative latch count")
	}
	l := &Latch{}
	l.s.SetState(count)
	l.s.Init(&l.s)
	return l
}

func (l *latchSync) TryAcquireShared(int64) int64 {
	if l.State() == 0 {
		return 1
	}
	return -1
}

// TryReleaseShared subtracts n from the count and reports whether this
// release brought it to zero.
func (l *latchSync) TryReleaseShared(n int64) bool {
	for {
		c := l.State()
		if c == 0 {
			return false
		}
		next := max(c-n, 0)
		if l.CompareAndSetState(c, next) {
			return next == 0
		}
	}
}

// CountDown decrements the count, waking all waiters when it reaches zero.
// It does nothing once the count is zero.
func (l *Latch) CountDown() {
	l.s.ReleaseShared(1)
}

// Open sets the count to zero and wakes all waiters.
// Open is idempotent.
func (l *Latch) Open() {
	l.s.ReleaseShared(math.MaxInt64)
}

// Wait blocks until the count reaches zero.
// If it already is zero, it returns immediately.
func (l *Latch) Wait() {
	l.s.AcquireShared(1)
}

// WaitInterruptibly is like Wait but returns ErrInterrupted if the goroutine
// is interrupted first.
func (l *Latch) WaitInterruptibly() error {
	return l.s.AcquireSharedInterruptibly(1)
}

// WaitTimeout is like Wait but gives up after d. It reports whether the
// count reached zero.
func (l *Latch) WaitTimeout(d time.Duration) (bool, error) {
	return l.s.TryAcquireSharedTimeout(1, d)
}

// WaitContext is like Wait but returns ctx.Err() once ctx is done.
func (l *Latch) WaitContext(ctx context.Context) error {
	return l.s.AcquireSharedContext(ctx, 1)
}

// Count returns the current count.
func (l *Latch) Count() int64 {
	return l.s.State()
}

func (l *Latch) String() string {
	return fmt.Sprintf("Latch[Count = %d]", l.s.State())
}
