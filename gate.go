package qsync

import (
	"context"
	"time"
)

// Gate is a synchronization primitive that can be manually opened and closed.
//
// State:
//   - Open: Wait returns immediately.
//   - Close: Wait blocks.
//
// A new Gate starts closed. Open wakes the queued goroutines one after
// another through the shared queue; each re-checks the gate when it runs, so
// a waiter that only gets to run after a following Close keeps waiting.
type Gate struct {
	_ noCopy
	s gateSync
}

type gateSync struct {
	Sync
	UnsupportedHooks
}

// NewGate creates a closed Gate.
func NewGate() *Gate {
	g := &Gate{}
	g.s.Init(&g.s)
	return g
}

func (g *gateSync) TryAcquireShared(int64) int64 {
	if g.State() != 0 {
		return 1
	}
	return -1
}

func (g *gateSync) TryReleaseShared(int64) bool {
	g.SetState(1)
	return true
}

// Open opens the gate. All current waiters are woken up, and future calls to
// Wait return immediately until Close is called.
func (g *Gate) Open() {
	g.s.ReleaseShared(1)
}

// Close closes the gate. Future calls to Wait will block.
func (g *Gate) Close() {
	g.s.SetState(0)
}

// Wait blocks until the gate is opened.
// If the gate is already open, it returns immediately.
func (g *Gate) Wait() {
	g.s.AcquireShared(1)
}

// WaitTimeout is like Wait but gives up after d. It reports whether the gate
// was observed open.
func (g *Gate) WaitTimeout(d time.Duration) (bool, error) {
	return g.s.TryAcquireSharedTimeout(1, d)
}

// WaitContext is like Wait but returns ctx.Err() once ctx is done and
// ErrInterrupted if the goroutine is interrupted.
func (g *Gate) WaitContext(ctx context.Context) error {
	return g.s.AcquireSharedContext(ctx, 1)
}

// IsOpen returns true if the gate is currently open.
func (g *Gate) IsOpen() bool {
	return g.s.State() != 0
}
