package qsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func expectIllegalState(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if err, ok := r.(error); !ok || !errors.Is(err, ErrIllegalState) {
			t.Fatalf("recover() = %v, want ErrIllegalState", r)
		}
	}()
	f()
}

func TestCondition_NotHeld(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()
	expectIllegalState(t, func() { _ = c.Await() })
	expectIllegalState(t, func() { c.Signal() })
	expectIllegalState(t, func() { c.SignalAll() })
	expectIllegalState(t, func() { c.AwaitUninterruptibly() })
	if m.IsLocked() {
		t.Fatal("failed condition call left the mutex locked")
	}
}

func TestCondition_ForeignCondition(t *testing.T) {
	a := NewReentrantLock()
	b := NewReentrantLock()
	c := b.NewCondition()
	if a.s.Owns(c) || !b.s.Owns(c) {
		t.Fatal("Owns mismatch")
	}
	a.Lock()
	defer a.Unlock()
	expectIllegalState(t, func() { a.HasWaiters(c) })
	expectIllegalState(t, func() { a.WaitQueueLength(c) })
}

func TestCondition_SignalWithoutWaiters(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()
	m.Lock()
	c.Signal()
	c.SignalAll()
	m.Unlock()
}

func TestCondition_AwaitReleasesLock(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()
	ready := false

	done := make(chan error, 1)
	go func() {
		m.Lock()
		defer m.Unlock()
		for !ready {
			if err := c.Await(); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	// The waiter releases m while it waits, so this Lock succeeds.
	for {
		m.Lock()
		if m.s.HasWaiters(c) {
			break
		}
		m.Unlock()
		time.Sleep(time.Millisecond)
	}
	if n := m.s.WaitQueueLength(c); n != 1 {
		t.Fatalf("WaitQueueLength = %d, want 1", n)
	}
	if ths := m.s.WaitingThreads(c); len(ths) != 1 {
		t.Fatalf("WaitingThreads = %d, want 1", len(ths))
	}
	ready = true
	c.Signal()
	m.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Await: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("signalled waiter did not return")
	}
}

func TestCondition_SignalAll(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()
	const n = 10
	gen := 0

	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			m.Lock()
			defer m.Unlock()
			for gen == 0 {
				c.AwaitUninterruptibly()
			}
		}()
	}
	for {
		m.Lock()
		if m.s.WaitQueueLength(c) == n {
			break
		}
		m.Unlock()
		time.Sleep(time.Millisecond)
	}
	gen = 1
	c.SignalAll()
	if m.s.HasWaiters(c) {
		t.Fatal("waiters left after SignalAll")
	}
	m.Unlock()
	wg.Wait()
}

// Signal wakes waiters in FIFO order.
func TestCondition_SignalOrder(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()
	const n = 4
	order := make(chan int, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock()
			defer m.Unlock()
			c.AwaitUninterruptibly()
			order <- i
		}()
		for {
			m.Lock()
			k := m.s.WaitQueueLength(c)
			m.Unlock()
			if k == i+1 {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
	for range n {
		m.Lock()
		c.Signal()
		m.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()
	close(order)
	want := 0
	for got := range order {
		if got != want {
			t.Fatalf("woken %d, want %d", got, want)
		}
		want++
	}
}

func TestCondition_InterruptBeforeSignal(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()

	th := make(chan *Thread)
	res := make(chan error, 1)
	go func() {
		m.Lock()
		th <- CurrentThread()
		err := c.Await()
		if !m.s.IsHeldExclusively() {
			err = errors.New("lock not reacquired")
		}
		m.Unlock()
		res <- err
	}()
	w := <-th
	time.Sleep(10 * time.Millisecond)
	w.Interrupt()
	if err := <-res; !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Await = %v, want ErrInterrupted", err)
	}
	if w.IsInterrupted() {
		t.Fatal("reported interrupt left the flag set")
	}
}

// An interrupt that arrives after the signal does not fail the wait; it is
// left on the thread instead.
func TestCondition_InterruptAfterSignal(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()

	th := make(chan *Thread)
	type result struct {
		err         error
		interrupted bool
	}
	res := make(chan result, 1)
	go func() {
		m.Lock()
		th <- CurrentThread()
		err := c.Await()
		r := result{err: err, interrupted: Interrupted()}
		m.Unlock()
		res <- r
	}()
	w := <-th
	m.Lock() // held until the waiter is parked in Await
	c.Signal()
	w.Interrupt()
	m.Unlock()

	r := <-res
	if r.err != nil {
		t.Fatalf("Await = %v, want nil", r.err)
	}
	if !r.interrupted {
		t.Fatal("interrupt after signal was lost")
	}
}

func TestCondition_AwaitTimeout(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()
	m.Lock()
	defer m.Unlock()

	start := time.Now()
	ok, err := c.AwaitTimeout(20 * time.Millisecond)
	if ok || err != nil {
		t.Fatalf("AwaitTimeout = %v, %v; want false, nil", ok, err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("AwaitTimeout returned early")
	}
	if !m.s.IsHeldExclusively() {
		t.Fatal("lock not reacquired after timeout")
	}

	left, err := c.AwaitNanos(int64(10 * time.Millisecond))
	if left > 0 || err != nil {
		t.Fatalf("AwaitNanos = %d, %v; want <= 0, nil", left, err)
	}
	if m.s.HasWaiters(c) {
		t.Fatal("timed out waiters left on the condition")
	}
}

func TestCondition_AwaitPastDeadline(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Lock()
		defer m.Unlock()
		for _, deadline := range []time.Time{{}, time.Now().Add(-time.Second)} {
			if ok, err := c.AwaitUntil(deadline); ok || err != nil {
				t.Errorf("AwaitUntil(%v) = %v, %v; want false, nil", deadline, ok, err)
			}
		}
		if ok, err := c.AwaitTimeout(-time.Millisecond); ok || err != nil {
			t.Errorf("AwaitTimeout(-1ms) = %v, %v; want false, nil", ok, err)
		}
		if left, err := c.AwaitNanos(0); left > 0 || err != nil {
			t.Errorf("AwaitNanos(0) = %d, %v; want <= 0, nil", left, err)
		}
		if !m.s.IsHeldExclusively() {
			t.Error("lock not reacquired")
		}
		if m.s.HasWaiters(c) {
			t.Error("expired waiters left on the condition")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("wait with an expired deadline blocked")
	}
}

func TestCondition_AwaitUntilSignalled(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()
	m.Lock()
	go func() {
		m.Lock()
		c.Signal()
		m.Unlock()
	}()
	ok, err := c.AwaitUntil(time.Now().Add(5 * time.Second))
	m.Unlock()
	if !ok || err != nil {
		t.Fatalf("AwaitUntil = %v, %v; want true, nil", ok, err)
	}
}

func TestCondition_AwaitContext(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()
	ctx, cancel := context.WithCancel(context.Background())
	res := make(chan error, 1)
	go func() {
		m.Lock()
		err := c.AwaitContext(ctx)
		held := m.s.IsHeldExclusively()
		m.Unlock()
		if !held {
			err = errors.New("lock not reacquired")
		}
		res <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-res; !errors.Is(err, context.Canceled) {
		t.Fatalf("AwaitContext = %v, want Canceled", err)
	}

	m.Lock()
	if err := c.AwaitContext(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("AwaitContext on done ctx = %v", err)
	}
	m.Unlock()
}

func TestCondition_AwaitUninterruptibly(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()
	signalled := false

	th := make(chan *Thread)
	res := make(chan bool, 1)
	go func() {
		m.Lock()
		th <- CurrentThread()
		for !signalled {
			c.AwaitUninterruptibly()
		}
		res <- Interrupted()
		m.Unlock()
	}()
	w := <-th
	time.Sleep(10 * time.Millisecond)
	w.Interrupt()

	select {
	case <-res:
		t.Fatal("interrupt ended an uninterruptible wait")
	case <-time.After(20 * time.Millisecond):
	}

	m.Lock()
	signalled = true
	c.Signal()
	m.Unlock()
	if !<-res {
		t.Fatal("interrupt flag not re-asserted")
	}
}
