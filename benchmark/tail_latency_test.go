package benchmark

import (
	"runtime"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/llxisdsh/qsync"
)

// ============================================================================
// Lock acquisition tail latency
// ============================================================================

const (
	opsPerWorker = 20000
	batchSize    = 16 // measure per batch to overcome coarse timers
)

type latencyResult struct {
	p50, p99, max time.Duration
}

func measureLatency(l sync.Locker, workers int) latencyResult {
	samples := make([][]time.Duration, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := range workers {
		go func() {
			defer wg.Done()
			var n int
			local := make([]time.Duration, 0, opsPerWorker/batchSize)
			for range opsPerWorker / batchSize {
				start := time.Now()
				for range batchSize {
					l.Lock()
					work(&n)
					l.Unlock()
				}
				local = append(local, time.Since(start)/batchSize)
			}
			samples[w] = local
		}()
	}
	wg.Wait()

	all := slices.Concat(samples...)
	slices.Sort(all)
	return latencyResult{
		p50: all[len(all)/2],
		p99: all[len(all)*99/100],
		max: all[len(all)-1],
	}
}

func TestTailLatency(t *testing.T) {
	if testing.Short() {
		t.Skip("latency report skipped in short mode")
	}
	workers := runtime.GOMAXPROCS(0) * 2
	lockers := []struct {
		name string
		l    sync.Locker
	}{
		{"sync.Mutex", &sync.Mutex{}},
		{"qsync.Mutex", qsync.NewMutex()},
		{"qsync.ReentrantLock", qsync.NewReentrantLock()},
		{"qsync.ReentrantLock(fair)", qsync.NewReentrantLock(qsync.WithFair())},
	}
	for _, lc := range lockers {
		r := measureLatency(lc.l, workers)
		t.Logf("%-28s p50=%-10v p99=%-10v max=%v", lc.name, r.p50, r.p99, r.max)
	}
}
