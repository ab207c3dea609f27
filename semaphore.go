package qsync

import (
	"context"
	"fmt"
	"time"
)

// Semaphore is a counting semaphore built on Sync in shared mode.
// It allows a bounded number of concurrent accesses to a resource.
//
// The state word holds the number of available permits. Like the Dijkstra
// semaphore it has no owner: any goroutine may release permits it never
// acquired.
//
// A fair semaphore (WithFair or NewFairSemaphore) grants permits in FIFO
// order; a barging one lets arriving goroutines take free permits ahead of
// queued ones. TryAcquire always barges.
type Semaphore struct {
	_ noCopy
	s semaphoreSync
}

type semaphoreSync struct {
	Sync
	UnsupportedHooks
	fair bool
}

// NewSemaphore creates a new Semaphore with a given number of initial permits.
func NewSemaphore(permits int64, options ...func(*Config)) *Semaphore {
	cfg := newConfig(options)
	s := &Semaphore{}
	s.s.fair = cfg.fairness == FIFO
	s.s.SetState(permits)
	s.s.Init(&s.s)
	return s
}

// NewFairSemaphore creates a Semaphore that grants permits in arrival order.
func NewFairSemaphore(permits int64) *Semaphore {
	return NewSemaphore(permits, WithFair())
}

func (s *semaphoreSync) TryAcquireShared(acquires int64) int64 {
	return s.tryAcquireShared(acquires, s.fair)
}

func (s *semaphoreSync) tryAcquireShared(acquires int64, fair bool) int64 {
	for {
		if fair && s.HasQueuedPredecessors() {
			return -1
		}
		avail := s.State()
		remaining := avail - acquires
		if remaining < 0 || s.CompareAndSetState(avail, remaining) {
			return remaining
		}
	}
}

func (s *semaphoreSync) TryReleaseShared(releases int64) bool {
	for {
		cur := s.State()
		next := cur + releases
		if next < cur {
			panic(overflow("permit count"))
		}
		if s.CompareAndSetState(cur, next) {
			return true
		}
	}
}

// Acquire acquires n permits, blocking until they are available.
// Interrupts are deferred until the permits are acquired.
func (s *Semaphore) Acquire(n int64) {
	if n <= 0 {
		return
	}
	s.s.AcquireShared(n)
}

// AcquireInterruptibly acquires n permits unless the goroutine is
// interrupted first.
func (s *Semaphore) AcquireInterruptibly(n int64) error {
	if n <= 0 {
		return nil
	}
	return s.s.AcquireSharedInterruptibly(n)
}

// AcquireContext acquires n permits unless ctx is done or the goroutine is
// interrupted first.
func (s *Semaphore) AcquireContext(ctx context.Context, n int64) error {
	if n <= 0 {
		return ctx.Err()
	}
	return s.s.AcquireSharedContext(ctx, n)
}

// TryAcquire attempts to acquire n permits without blocking.
// Returns true on success.
func (s *Semaphore) TryAcquire(n int64) bool {
	if n <= 0 {
		return true
	}
	return s.s.tryAcquireShared(n, false) >= 0
}

// TryAcquireTimeout acquires n permits if they become available within d.
func (s *Semaphore) TryAcquireTimeout(n int64, d time.Duration) (bool, error) {
	if n <= 0 {
		return true, nil
	}
	return s.s.TryAcquireSharedTimeout(n, d)
}

// Release releases n permits.
func (s *Semaphore) Release(n int64) {
	if n <= 0 {
		return
	}
	s.s.ReleaseShared(n)
}

// AvailablePermits returns the number of permits currently available.
// It is negative after ReducePermits took more than was free.
func (s *Semaphore) AvailablePermits() int64 {
	return s.s.State()
}

// DrainPermits acquires and returns all immediately available permits.
func (s *Semaphore) DrainPermits() int64 {
	for {
		cur := s.s.State()
		if cur == 0 || s.s.CompareAndSetState(cur, 0) {
			return cur
		}
	}
}

// ReducePermits shrinks the number of available permits by reduction.
// Unlike Acquire it does not block.
func (s *Semaphore) ReducePermits(reduction int64) {
	if reduction < 0 {
		panic("qsync: negative permit reduction")
	}
	for {
		cur := s.s.State()
		next := cur - reduction
		if next > cur {
			panic(fmt.Errorf("%w: permit count underflow", ErrOverflow))
		}
		if s.s.CompareAndSetState(cur, next) {
			return
		}
	}
}

// IsFair reports whether s grants permits in arrival order.
func (s *Semaphore) IsFair() bool {
	return s.s.fair
}

// HasQueuedThreads reports whether any goroutine may be waiting for permits.
func (s *Semaphore) HasQueuedThreads() bool {
	return s.s.HasQueuedThreads()
}

// QueueLength returns an estimate of the number of goroutines waiting.
func (s *Semaphore) QueueLength() int {
	return s.s.QueueLength()
}

func (s *Semaphore) String() string {
	return fmt.Sprintf("Semaphore[Permits = %d]", s.s.State())
}
