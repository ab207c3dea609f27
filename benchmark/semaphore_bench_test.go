package benchmark

import (
	"context"
	"testing"

	"github.com/llxisdsh/qsync"
	"golang.org/x/sync/semaphore"
)

const permits = 4

func BenchmarkSemaphore_Qsync(b *testing.B) {
	b.ReportAllocs()
	s := qsync.NewSemaphore(permits)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			s.Acquire(1)
			s.Release(1)
		}
	})
}

func BenchmarkSemaphore_QsyncFair(b *testing.B) {
	b.ReportAllocs()
	s := qsync.NewFairSemaphore(permits)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			s.Acquire(1)
			s.Release(1)
		}
	})
}

func BenchmarkSemaphore_QsyncContext(b *testing.B) {
	b.ReportAllocs()
	s := qsync.NewSemaphore(permits)
	ctx := context.Background()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := s.AcquireContext(ctx, 1); err != nil {
				b.Error(err)
				return
			}
			s.Release(1)
		}
	})
}

// x/sync/semaphore.Weighted is FIFO and context-aware.
func BenchmarkSemaphore_XSyncWeighted(b *testing.B) {
	b.ReportAllocs()
	s := semaphore.NewWeighted(permits)
	ctx := context.Background()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := s.Acquire(ctx, 1); err != nil {
				b.Error(err)
				return
			}
			s.Release(1)
		}
	})
}
