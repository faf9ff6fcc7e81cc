package mrbridge

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// workerPool runs native calls that must never execute on the caller's
// context. Every task gets its own goroutine, locked to an OS thread for the
// duration of the call, and at most size tasks run at once.
type workerPool struct {
	sem  *semaphore.Weighted
	size int
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 2
	}
	return &workerPool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// submit schedules fn and returns immediately. If ctx ends before a worker
// slot frees up, rejected is called with the context error instead.
func (p *workerPool) submit(ctx context.Context, fn func(ctx context.Context), rejected func(err error)) {
	go func() {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			rejected(err)
			return
		}
		defer p.sem.Release(1)

		// Platform capture APIs reject calls from threads that own UI or
		// capture resources; a freshly locked worker thread owns neither.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		fn(ctx)
	}()
}
