package qsync

import (
	"context"
	"time"
)

// Pulse is a reusable synchronization primitive (Pulse / Auto-Closing Door).
// It separates waiters into "generations".
//
// Behavior:
//   - Wait(): Blocks until the NEXT Beat() call.
//   - Beat(): Wakes up all currently waiting goroutines.
//     IMMEDIATELY closes the door for any new Wait() calls (they will wait for the NEXT Beat).
type Pulse struct {
	_    noCopy
	mu   *Mutex
	cond *Condition
	gen  uint64 // guarded by mu
}

// NewPulse creates a Pulse.
func NewPulse() *Pulse {
	mu := NewMutex()
	return &Pulse{mu: mu, cond: mu.NewCondition()}
}

// Beat wakes up all goroutines currently waiting on the pulse.
// It advances the generation, ensuring that any subsequent calls to Wait()
// will block until the *next* Beat().
func (b *Pulse) Beat() {
	b.mu.Lock()
	b.gen++
	b.cond.SignalAll()
	b.mu.Unlock()
}

// Wait blocks until Beat() is called. Interrupts do not end the wait.
func (b *Pulse) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for g := b.gen; g == b.gen; {
		b.cond.AwaitUninterruptibly()
	}
}

// WaitTimeout is like Wait but gives up after d. It reports whether a Beat
// was observed.
func (b *Pulse) WaitTimeout(d time.Duration) (bool, error) {
	deadline := time.Now().Add(d)
	b.mu.Lock()
	defer b.mu.Unlock()
	for g := b.gen; g == b.gen; {
		ok, err := b.cond.AwaitUntil(deadline)
		if err != nil {
			return false, err
		}
		if !ok {
			return g != b.gen, nil
		}
	}
	return true, nil
}

// WaitContext is like Wait but returns ctx.Err() once ctx is done and
// ErrInterrupted if the goroutine is interrupted.
func (b *Pulse) WaitContext(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for g := b.gen; g == b.gen; {
		if err := b.cond.AwaitContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Generation returns the number of Beat calls so far.
func (b *Pulse) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}
