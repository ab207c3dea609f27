package stress

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/llxisdsh/qsync"
)

// ErrViolation marks a broken invariant. Any other error from a step is
// treated as the run winding down.
var ErrViolation = errors.New("stress: invariant violated")

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrViolation}, args...)...)
}

// Scenario exercises one primitive from many workers at once.
type Scenario interface {
	// Step performs one operation for worker w. It must return promptly once
	// ctx is done.
	Step(ctx context.Context, w int) error
	// Check verifies the final state after every worker stopped.
	Check() error
}

type factory func(cfg *Config) Scenario

var registry = map[string]factory{
	"mutex":     newMutexScenario,
	"semaphore": newSemaphoreScenario,
	"rwlock":    newRWLockScenario,
	"latch":     newLatchScenario,
	"condition": newConditionScenario,
	"cancel":    newCancelScenario,
}

// Names returns the registered scenario names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func fairness(cfg *Config) func(*qsync.Config) {
	if cfg.Fair {
		return qsync.WithFair()
	}
	return qsync.WithFairness(qsync.Barging)
}

// mutex: a reentrant lock guards a plain counter; at most one worker may be
// inside, and no increment may be lost.

type mutexScenario struct {
	lock    *qsync.ReentrantLock
	inside  atomic.Int32
	counter int64
	ops     atomic.Int64
}

func newMutexScenario(cfg *Config) Scenario {
	return &mutexScenario{lock: qsync.NewReentrantLock(fairness(cfg))}
}

func (s *mutexScenario) Step(ctx context.Context, _ int) error {
	if err := s.lock.LockContext(ctx); err != nil {
		return err
	}
	defer s.lock.Unlock()
	if n := s.inside.Add(1); n != 1 {
		return violation("%d holders inside the lock", n)
	}
	s.lock.Lock()
	if h := s.lock.HoldCount(); h != 2 {
		s.lock.Unlock()
		return violation("hold count %d after reentrant lock", h)
	}
	s.counter++
	s.lock.Unlock()
	s.inside.Add(-1)
	s.ops.Add(1)
	return nil
}

func (s *mutexScenario) Check() error {
	if s.lock.IsLocked() {
		return violation("lock still held: %v", s.lock)
	}
	if s.counter != s.ops.Load() {
		return violation("counter %d, want %d", s.counter, s.ops.Load())
	}
	return nil
}

// semaphore: never more than Permits workers inside.

type semaphoreScenario struct {
	sem     *qsync.Semaphore
	permits int64
	inside  atomic.Int64
}

func newSemaphoreScenario(cfg *Config) Scenario {
	return &semaphoreScenario{
		sem:     qsync.NewSemaphore(cfg.Permits, fairness(cfg)),
		permits: cfg.Permits,
	}
}

func (s *semaphoreScenario) Step(ctx context.Context, _ int) error {
	if err := s.sem.AcquireContext(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	n := s.inside.Add(1)
	defer s.inside.Add(-1)
	if n > s.permits {
		return violation("%d workers inside a semaphore of %d", n, s.permits)
	}
	return nil
}

func (s *semaphoreScenario) Check() error {
	if got := s.sem.AvailablePermits(); got != s.permits {
		return violation("%d permits available, want %d", got, s.permits)
	}
	return nil
}

// rwlock: writers are alone; readers never see a writer.

type rwlockScenario struct {
	lock    *qsync.RWLock
	readers atomic.Int32
	writers atomic.Int32
}

func newRWLockScenario(cfg *Config) Scenario {
	return &rwlockScenario{lock: qsync.NewRWLock(fairness(cfg))}
}

func (s *rwlockScenario) Step(ctx context.Context, w int) error {
	if w%4 == 0 {
		if err := s.lock.LockContext(ctx); err != nil {
			return err
		}
		defer s.lock.Unlock()
		n := s.writers.Add(1)
		defer s.writers.Add(-1)
		if r := s.readers.Load(); n != 1 || r != 0 {
			return violation("writer inside with %d writers and %d readers", n, r)
		}
		return nil
	}

	if err := s.lock.RLockContext(ctx); err != nil {
		return err
	}
	defer s.lock.RUnlock()
	s.readers.Add(1)
	defer s.readers.Add(-1)
	if n := s.writers.Load(); n != 0 {
		return violation("reader inside with %d writers", n)
	}
	return nil
}

func (s *rwlockScenario) Check() error {
	if s.lock.IsWriteLocked() || s.lock.ReadLockCount() != 0 {
		return violation("lock still held: %v", s.lock)
	}
	return nil
}

// latch: a fresh latch of three counted down by helpers must release its
// waiter.

type latchScenario struct{}

const latchCount = 3

func newLatchScenario(*Config) Scenario {
	return latchScenario{}
}

func (latchScenario) Step(ctx context.Context, _ int) error {
	l := qsync.NewLatch(latchCount)
	for range latchCount {
		go l.CountDown()
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := l.WaitContext(wctx)
	switch {
	case err == nil:
		if c := l.Count(); c != 0 {
			return violation("waiter released at count %d", c)
		}
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return violation("latch stuck at count %d: %v", l.Count(), err)
	}
}

func (latchScenario) Check() error { return nil }

// condition: bounded buffer with producers and consumers on one lock and two
// conditions.

const bufferSize = 4

type conditionScenario struct {
	lock     *qsync.Mutex
	notFull  *qsync.Condition
	notEmpty *qsync.Condition

	// Guarded by lock.
	buf      []int
	produced int64
	consumed int64
}

func newConditionScenario(cfg *Config) Scenario {
	m := qsync.NewMutex(fairness(cfg))
	return &conditionScenario{
		lock:     m,
		notFull:  m.NewCondition(),
		notEmpty: m.NewCondition(),
	}
}

func (s *conditionScenario) Step(ctx context.Context, w int) error {
	if err := s.lock.LockContext(ctx); err != nil {
		return err
	}
	defer s.lock.Unlock()

	if w%2 == 0 {
		for len(s.buf) == bufferSize {
			if err := s.notFull.AwaitContext(ctx); err != nil {
				return err
			}
		}
		s.buf = append(s.buf, w)
		s.produced++
		s.notEmpty.Signal()
	} else {
		for len(s.buf) == 0 {
			if err := s.notEmpty.AwaitContext(ctx); err != nil {
				return err
			}
		}
		s.buf = s.buf[1:]
		s.consumed++
		s.notFull.Signal()
	}
	if n := len(s.buf); n < 0 || n > bufferSize {
		return violation("buffer length %d", n)
	}
	return nil
}

func (s *conditionScenario) Check() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if got := s.produced - s.consumed; got != int64(len(s.buf)) {
		return violation("produced-consumed = %d, buffer holds %d", got, len(s.buf))
	}
	return nil
}

// cancel: most waiters give up after a short timeout while the lock is held
// for a while; cancelled nodes must leave the queue and never strand the
// live waiters.

type cancelScenario struct {
	lock     *qsync.Mutex
	timeouts atomic.Int64
}

func newCancelScenario(cfg *Config) Scenario {
	return &cancelScenario{lock: qsync.NewMutex(fairness(cfg))}
}

func (s *cancelScenario) Step(ctx context.Context, w int) error {
	if w == 0 {
		if err := s.lock.LockContext(ctx); err != nil {
			return err
		}
		time.Sleep(200 * time.Microsecond)
		s.lock.Unlock()
		return nil
	}
	timeout := time.Duration(w%5) * 50 * time.Microsecond
	ok, err := s.lock.TryLockTimeout(timeout)
	if err != nil {
		return err
	}
	if !ok {
		s.timeouts.Add(1)
		return nil
	}
	s.lock.Unlock()
	return nil
}

func (s *cancelScenario) Check() error {
	if s.lock.IsLocked() {
		return violation("lock still held")
	}
	if n := s.lock.QueueLength(); n != 0 {
		return violation("%d waiters left in queue", n)
	}
	return nil
}
