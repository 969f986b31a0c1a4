package treecrypt

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
)

// MaxWorkers is the upper bound accepted for Config.Workers
const MaxWorkers = 1024

// newPool creates a bounded pool of at most workers goroutines, and never
// more than there are tasks.
func newPool(workers, tasks int, log *logrus.Entry) (*ants.Pool, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > tasks {
		workers = tasks
	}
	if workers < 1 {
		workers = 1
	}
	return ants.NewPool(workers, ants.WithPanicHandler(func(r any) {
		log.WithField("panic", r).Error("worker panic escaped task recovery")
	}))
}

// runParallel calls task for every index in [0, n) on pool. Results are
// handed to collect from a single goroutine, so collect needs no locking
// of its own. A task that panics, cannot be submitted, or is skipped
// because ctx ended is reported through failed instead.
func runParallel[T any](
	ctx context.Context,
	pool *ants.Pool,
	n int,
	task func(ctx context.Context, i int) T,
	failed func(i int, err error) T,
	collect func(T),
) {
	results := make(chan T, pool.Cap())
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for r := range results {
			collect(r)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			results <- failed(i, err)
			continue
		}
		i := i
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results <- safeTask(ctx, i, task, failed)
		})
		if err != nil {
			wg.Done()
			results <- failed(i, fmt.Errorf("submit: %w", err))
		}
	}

	wg.Wait()
	close(results)
	<-collected
}

// safeTask converts a panic in task into a failed result
func safeTask[T any](ctx context.Context, i int, task func(context.Context, int) T, failed func(int, error) T) (res T) {
	defer func() {
		if r := recover(); r != nil {
			res = failed(i, fmt.Errorf("panic in worker: %v", r))
		}
	}()
	return task(ctx, i)
}
