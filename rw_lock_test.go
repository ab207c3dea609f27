package qsync

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRWLock_ReadersShare(t *testing.T) {
	l := NewRWLock()
	const readers = 5
	var inside atomic.Int32
	all := NewLatch(readers)
	release := NewLatch(1)

	var wg sync.WaitGroup
	wg.Add(readers)
	for range readers {
		go func() {
			defer wg.Done()
			l.RLock()
			inside.Add(1)
			all.CountDown()
			release.Wait()
			l.RUnlock()
		}()
	}
	if ok, _ := all.WaitTimeout(time.Second); !ok {
		t.Fatalf("only %d readers got in concurrently", inside.Load())
	}
	if n := l.ReadLockCount(); n != readers {
		t.Errorf("ReadLockCount = %d, want %d", n, readers)
	}
	if l.TryLock() {
		t.Fatal("TryLock succeeded while readers hold the lock")
	}
	release.Open()
	wg.Wait()
	if !l.TryLock() {
		t.Fatal("TryLock failed after all readers left")
	}
	l.Unlock()
}

func TestRWLock_WriterExcludes(t *testing.T) {
	l := NewRWLock()
	var writers, readers atomic.Int32
	var bad atomic.Int32
	var wg sync.WaitGroup

	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 300 {
				if i%3 == 0 {
					l.Lock()
					if writers.Add(1) != 1 || readers.Load() != 0 {
						bad.Add(1)
					}
					writers.Add(-1)
					l.Unlock()
				} else {
					l.RLock()
					readers.Add(1)
					if writers.Load() != 0 {
						bad.Add(1)
					}
					readers.Add(-1)
					l.RUnlock()
				}
			}
		}()
	}
	wg.Wait()
	if n := bad.Load(); n != 0 {
		t.Fatalf("%d exclusion violations", n)
	}
}

func TestRWLock_ReentrantRead(t *testing.T) {
	l := NewRWLock()
	l.RLock()
	l.RLock()
	if n := l.ReadHoldCount(); n != 2 {
		t.Fatalf("ReadHoldCount = %d, want 2", n)
	}

	// Queue a writer; a reentrant read must still pass it.
	got := make(chan struct{})
	go func() {
		l.Lock()
		close(got)
		l.Unlock()
	}()
	for l.QueueLength() == 0 {
		time.Sleep(time.Millisecond)
	}
	done := make(chan struct{})
	go func() {
		// Not reentrant: must wait behind the queued writer.
		l.RLock()
		l.RUnlock()
		close(done)
	}()
	l.RLock()
	if n := l.ReadHoldCount(); n != 3 {
		t.Fatalf("ReadHoldCount = %d, want 3", n)
	}
	select {
	case <-done:
		t.Fatal("new reader barged past a queued writer")
	case <-time.After(20 * time.Millisecond):
	}

	l.RUnlock()
	l.RUnlock()
	l.RUnlock()
	if n := l.ReadHoldCount(); n != 0 {
		t.Fatalf("ReadHoldCount = %d, want 0", n)
	}
	<-got
	<-done
}

func TestRWLock_Downgrade(t *testing.T) {
	l := NewRWLock()
	l.Lock()
	l.RLock()
	l.Unlock()
	if l.IsWriteLocked() {
		t.Fatal("write lock still held after downgrade")
	}
	if n := l.ReadHoldCount(); n != 1 {
		t.Fatalf("ReadHoldCount = %d, want 1", n)
	}

	other := make(chan bool)
	go func() {
		ok := l.TryRLock()
		if ok {
			l.RUnlock()
		}
		other <- ok
	}()
	if !<-other {
		t.Fatal("reader blocked after downgrade")
	}
	l.RUnlock()
}

func TestRWLock_WriteReentrant(t *testing.T) {
	l := NewRWLock()
	l.Lock()
	l.Lock()
	if n := l.WriteHoldCount(); n != 2 {
		t.Fatalf("WriteHoldCount = %d, want 2", n)
	}
	if !l.IsWriteLockedByCurrentThread() {
		t.Fatal("IsWriteLockedByCurrentThread = false")
	}
	if l.Owner() != CurrentThread() {
		t.Fatal("Owner is not the current thread")
	}
	l.Unlock()
	l.Unlock()
	if l.IsWriteLocked() {
		t.Fatal("IsWriteLocked after matching Unlocks")
	}
}

func TestRWLock_RUnlockNotHeld(t *testing.T) {
	l := NewRWLock()
	defer func() {
		r := recover()
		if err, ok := r.(error); !ok || !errors.Is(err, ErrIllegalState) {
			t.Fatalf("recover() = %v, want ErrIllegalState", r)
		}
	}()
	l.RUnlock()
}

func TestRWLock_UnlockNotHeld(t *testing.T) {
	l := NewRWLock()
	l.RLock()
	defer l.RUnlock()
	defer func() {
		r := recover()
		if err, ok := r.(error); !ok || !errors.Is(err, ErrIllegalState) {
			t.Fatalf("recover() = %v, want ErrIllegalState", r)
		}
	}()
	l.Unlock()
}

func TestRWLock_RLocker(t *testing.T) {
	l := NewRWLock()
	rl := l.RLocker()
	rl.Lock()
	if n := l.ReadLockCount(); n != 1 {
		t.Fatalf("ReadLockCount = %d, want 1", n)
	}
	rl.Unlock()
	if n := l.ReadLockCount(); n != 0 {
		t.Fatalf("ReadLockCount = %d, want 0", n)
	}
}

func TestRWLock_Timeouts(t *testing.T) {
	l := NewRWLock(WithFair())
	l.Lock()
	res := make(chan bool)
	go func() {
		ok, _ := l.TryRLockTimeout(10 * time.Millisecond)
		res <- ok
	}()
	if <-res {
		t.Fatal("TryRLockTimeout succeeded under a writer")
	}
	l.Unlock()

	l.RLock()
	go func() {
		ok, _ := l.TryLockTimeout(10 * time.Millisecond)
		res <- ok
	}()
	if <-res {
		t.Fatal("TryLockTimeout succeeded under a reader")
	}
	l.RUnlock()
	if l.HasQueuedThreads() {
		t.Fatal("timed out waiters left in queue")
	}
}

func TestRWLock_Condition(t *testing.T) {
	l := NewRWLock()
	c := l.NewCondition()
	l.RLock()
	defer l.RUnlock()
	defer func() {
		r := recover()
		if err, ok := r.(error); !ok || !errors.Is(err, ErrIllegalState) {
			t.Fatalf("recover() = %v, want ErrIllegalState", r)
		}
	}()
	c.Signal()
}
