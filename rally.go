package qsync

import (
	"fmt"
	"time"
)

// Rally is a reusable synchronization primitive that allows a set of
// goroutines to wait for each other to reach a common barrier point.
//
// It is useful in programs involving a fixed sized party of goroutines that
// must occasionally wait for each other. The barrier is called "cyclic"
// because it can be re-used after the waiting goroutines are released.
//
// If a party is interrupted or times out while waiting, the barrier breaks:
// every other party of that generation returns ErrBrokenBarrier, as do later
// arrivals until Reset is called.
type Rally struct {
	_       noCopy
	lock    *ReentrantLock
	trip    *Condition
	parties int
	action  func()

	// Guarded by lock.
	gen   *rallyGeneration
	count int // parties still expected in the current generation
}

// Each use of the barrier is a generation. Waiters compare pointers to tell
// whether they were released by a trip or by a break.
type rallyGeneration struct {
	broken bool
}

// NewRally creates a Rally for parties goroutines. If action is not nil, the
// last goroutine to arrive runs it before the others are released.
//
// panic if parties <= 0.
func NewRally(parties int, action func()) *Rally {
	if parties <= 0 {
		panic("qsync: parties must be positive")
	}
	lock := NewReentrantLock()
	return &Rally{
		lock:    lock,
		trip:    lock.NewCondition(),
		parties: parties,
		action:  action,
		gen:     &rallyGeneration{},
		count:   parties,
	}
}

// Meet waits until all parties have called Meet on this barrier.
//
// If the current goroutine is the last to arrive, it runs the barrier action,
// wakes up all other waiting goroutines and resets the barrier for the next
// generation.
//
// Returns the arrival index (0 to parties-1), where parties-1 indicates
// the caller was the last to arrive (the one who tripped the barrier).
// It returns ErrInterrupted if the caller was interrupted while waiting and
// ErrBrokenBarrier if another party broke the barrier.
func (b *Rally) Meet() (int, error) {
	return b.meet(false, time.Time{})
}

// MeetTimeout is like Meet but gives up after d, breaking the barrier and
// returning ErrTimeout.
func (b *Rally) MeetTimeout(d time.Duration) (int, error) {
	return b.meet(true, time.Now().Add(d))
}

func (b *Rally) meet(timed bool, deadline time.Time) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	g := b.gen
	if g.broken {
		return -1, ErrBrokenBarrier
	}
	if Interrupted() {
		b.breakBarrier()
		return -1, ErrInterrupted
	}

	b.count--
	index := b.parties - 1 - b.count
	if b.count == 0 {
		ran := false
		defer func() {
			if !ran {
				b.breakBarrier()
			}
		}()
		if b.action != nil {
			b.action()
		}
		ran = true
		b.nextGeneration()
		return index, nil
	}

	for {
		var err error
		if !timed {
			err = b.trip.Await()
		} else if time.Until(deadline) > 0 {
			_, err = b.trip.AwaitUntil(deadline)
		}
		if err != nil {
			if g == b.gen && !g.broken {
				b.breakBarrier()
				return -1, err
			}
			// Tripped or broken by someone else meanwhile: the interrupt
			// belongs to whatever the caller does next.
			CurrentThread().reassertInterrupt()
		}

		if g.broken {
			return -1, ErrBrokenBarrier
		}
		if g != b.gen {
			return index, nil
		}
		if timed && time.Until(deadline) <= 0 {
			b.breakBarrier()
			return -1, ErrTimeout
		}
	}
}

// nextGeneration wakes the current generation and starts a new one.
// Called with lock held.
func (b *Rally) nextGeneration() {
	b.trip.SignalAll()
	b.count = b.parties
	b.gen = &rallyGeneration{}
}

// breakBarrier marks the current generation broken and wakes everyone.
// Called with lock held.
func (b *Rally) breakBarrier() {
	b.gen.broken = true
	b.count = b.parties
	b.trip.SignalAll()
}

// Reset breaks the current generation, releasing its waiters with
// ErrBrokenBarrier, and starts a new one.
func (b *Rally) Reset() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.breakBarrier()
	b.nextGeneration()
}

// IsBroken reports whether the current generation is broken.
func (b *Rally) IsBroken() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.gen.broken
}

// Waiting returns the number of parties currently waiting at the barrier.
func (b *Rally) Waiting() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.parties - b.count
}

// Parties returns the number of parties required to trip the barrier.
func (b *Rally) Parties() int {
	return b.parties
}

func (b *Rally) String() string {
	return fmt.Sprintf("Rally[Parties = %d, Waiting = %d]", b.parties, b.Waiting())
}
