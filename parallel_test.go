package treecrypt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type taskResult struct {
	i   int
	err error
}

func testPool(t *testing.T, workers, tasks int) *ants.Pool {
	t.Helper()
	pool, err := newPool(workers, tasks, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	return pool
}

func collectAll(ctx context.Context, pool *ants.Pool, n int, task func(context.Context, int) taskResult) []taskResult {
	var out []taskResult
	runParallel(ctx, pool, n, task,
		func(i int, err error) taskResult { return taskResult{i: i, err: err} },
		func(r taskResult) { out = append(out, r) },
	)
	sort.Slice(out, func(a, b int) bool { return out[a].i < out[b].i })
	return out
}

func TestNewPool_Size(t *testing.T) {
	require.Equal(t, 3, testPool(t, 8, 3).Cap())
	require.Equal(t, 2, testPool(t, 2, 100).Cap())
	require.Equal(t, 1, testPool(t, 4, 0).Cap())
	require.GreaterOrEqual(t, testPool(t, 0, 1000).Cap(), 1)
}

func TestRunParallel_All(t *testing.T) {
	var inFlight, peak int32
	out := collectAll(context.Background(), testPool(t, 4, 50), 50, func(_ context.Context, i int) taskResult {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		defer atomic.AddInt32(&inFlight, -1)
		if i%10 == 0 {
			return taskResult{i: i, err: fmt.Errorf("task %d", i)}
		}
		return taskResult{i: i}
	})

	require.Len(t, out, 50)
	failed := 0
	for i, r := range out {
		require.Equal(t, i, r.i)
		if r.err != nil {
			failed++
		}
	}
	require.Equal(t, 5, failed)
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4))
}

func TestRunParallel_Panic(t *testing.T) {
	out := collectAll(context.Background(), testPool(t, 2, 4), 4, func(_ context.Context, i int) taskResult {
		if i == 2 {
			panic("boom")
		}
		return taskResult{i: i}
	})

	require.Len(t, out, 4)
	require.Error(t, out[2].err)
	require.Contains(t, out[2].err.Error(), "panic in worker: boom")
	require.NoError(t, out[1].err)
}

func TestRunParallel_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran int32
	out := collectAll(ctx, testPool(t, 2, 10), 10, func(context.Context, int) taskResult {
		atomic.AddInt32(&ran, 1)
		return taskResult{}
	})

	require.Len(t, out, 10)
	require.Zero(t, atomic.LoadInt32(&ran))
	for _, r := range out {
		require.True(t, errors.Is(r.err, context.Canceled))
	}
}
