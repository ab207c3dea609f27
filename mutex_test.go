package qsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var _ sync.Locker = (*Mutex)(nil)

func TestMutex_MutualExclusion(t *testing.T) {
	m := NewMutex()
	const goroutines = 16
	const iterations = 2000
	counter := 0

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()

	if counter != goroutines*iterations {
		t.Fatalf("counter = %d, want %d", counter, goroutines*iterations)
	}
	if m.IsLocked() {
		t.Fatal("mutex still locked")
	}
}

func TestMutex_TryLock(t *testing.T) {
	m := NewMutex()
	if !m.TryLock() {
		t.Fatal("TryLock on free mutex failed")
	}
	if m.TryLock() {
		t.Fatal("TryLock on held mutex succeeded")
	}
	ok, err := m.TryLockTimeout(10 * time.Millisecond)
	if ok || err != nil {
		t.Fatalf("TryLockTimeout = %v, %v; want false, nil", ok, err)
	}
	m.Unlock()
	if m.HasQueuedThreads() {
		t.Fatal("timed out waiter left in queue")
	}
}

func TestMutex_UnlockNotHeld(t *testing.T) {
	m := NewMutex()
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrIllegalState) {
			t.Fatalf("recover() = %v, want ErrIllegalState", r)
		}
	}()
	m.Unlock()
}

func TestMutex_UnlockByOtherGoroutine(t *testing.T) {
	m := NewMutex()
	m.Lock()
	defer m.Unlock()

	res := make(chan any, 1)
	go func() {
		defer func() { res <- recover() }()
		m.Unlock()
	}()
	r := <-res
	if err, ok := r.(error); !ok || !errors.Is(err, ErrIllegalState) {
		t.Fatalf("recover() = %v, want ErrIllegalState", r)
	}
	if !m.IsLocked() {
		t.Fatal("failed Unlock released the mutex")
	}
}

func TestMutex_LockContext(t *testing.T) {
	m := NewMutex()
	m.Lock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- m.LockContext(ctx)
	}()
	if err := <-errc; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("LockContext = %v, want DeadlineExceeded", err)
	}
	if n := m.QueueLength(); n != 0 {
		t.Fatalf("QueueLength = %d, want 0", n)
	}
	m.Unlock()

	if err := m.LockContext(context.Background()); err != nil {
		t.Fatalf("LockContext on free mutex = %v", err)
	}
	m.Unlock()
}

func TestMutex_LockInterruptibly(t *testing.T) {
	m := NewMutex()
	m.Lock()

	th := make(chan *Thread)
	errc := make(chan error, 1)
	go func() {
		th <- CurrentThread()
		errc <- m.LockInterruptibly()
	}()
	w := <-th
	for m.QueueLength() == 0 {
		time.Sleep(time.Millisecond)
	}
	w.Interrupt()
	if err := <-errc; !errors.Is(err, ErrInterrupted) {
		t.Fatalf("LockInterruptibly = %v, want ErrInterrupted", err)
	}
	m.Unlock()
}

// An uninterruptible Lock still completes after an interrupt and leaves the
// interrupt flag set for the caller to observe.
func TestMutex_LockReassertsInterrupt(t *testing.T) {
	m := NewMutex()
	m.Lock()

	th := make(chan *Thread)
	res := make(chan bool, 1)
	spare := make(chan int, 1)
	go func() {
		self := CurrentThread()
		th <- self
		m.Lock()
		spare <- len(self.permit)
		res <- Interrupted()
		m.Unlock()
	}()
	w := <-th
	for m.QueueLength() == 0 {
		time.Sleep(time.Millisecond)
	}
	w.Interrupt()
	time.Sleep(10 * time.Millisecond)
	select {
	case <-res:
		t.Fatal("Lock returned while the mutex was held")
	default:
	}
	m.Unlock()
	if n := <-spare; n != 0 {
		t.Fatalf("re-asserting the interrupt left %d permits behind", n)
	}
	if !<-res {
		t.Fatal("interrupt flag lost by uninterruptible Lock")
	}
}

func TestMutex_FairOrder(t *testing.T) {
	m := NewMutex(WithFair())
	if !m.IsFair() || NewMutex().IsFair() {
		t.Fatal("IsFair does not reflect the option")
	}
	m.Lock()

	const n = 5
	order := make(chan int, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock()
			order <- i
			m.Unlock()
		}()
		waitQueued(t, &m.s.Sync, i+1)
	}
	m.Unlock()
	wg.Wait()
	close(order)

	want := 0
	for got := range order {
		if got != want {
			t.Fatalf("acquired by %d, want %d", got, want)
		}
		want++
	}
}

func TestMutex_FairDoesNotBarge(t *testing.T) {
	m := NewMutex(WithFair())
	m.Lock()

	got := make(chan struct{})
	go func() {
		m.Lock()
		close(got)
		m.Unlock()
	}()
	waitQueued(t, &m.s.Sync, 1)
	for m.s.head.Load().status.Load() != statusSignal {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond) // let the waiter park

	// Free the lock without waking the waiter.
	m.s.SetExclusiveOwner(nil)
	m.s.SetState(0)

	if m.s.TryAcquire(1) {
		t.Fatal("fair acquire barged past a queued waiter")
	}
	if !m.TryLock() {
		t.Fatal("TryLock did not barge on a free lock")
	}
	m.Unlock()
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("queued waiter never acquired")
	}
}
