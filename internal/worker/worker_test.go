package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, panic recovery, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

// scoreExecutor completes every attempt with a fixed score
var scoreExecutor = ExecutorFunc(func(ctx context.Context, id types.ApplicationID, attempt int) Result {
	return Completed(types.MatchResult{Score: 4.2, ComputedAt: time.Now()})
})

func startPool(t *testing.T, buffer, workers int, exec Executor) *Pool {
	t.Helper()
	pool := NewPool(buffer, exec)
	require.NoError(t, pool.Start(workers))
	t.Cleanup(pool.Stop)
	return pool
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10, scoreExecutor)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10, scoreExecutor)

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Starting twice is an error
	assert.Error(t, pool.Start(4))

	pool.Stop()
}

func TestWorkerExecution(t *testing.T) {
	pool := startPool(t, 10, 1, scoreExecutor)

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(Task{ApplicationID: types.ApplicationID(i + 1), Attempt: 1, Timeout: time.Second}))
	}

	results := make(map[types.ApplicationID]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.ApplicationID] = result
	}

	assert.Len(t, results, taskCount)
	for id, r := range results {
		assert.Equal(t, OutcomeCompleted, r.Outcome, "application %d", id)
		require.NotNil(t, r.Result)
		assert.Equal(t, 4.2, r.Result.Score)
		assert.Equal(t, 1, r.Attempt)
		assert.Positive(t, r.Duration)
	}
}

func TestOutcomesPassThrough(t *testing.T) {
	errBusy := errors.New("database busy")
	errTooLarge := errors.New("too large")
	pool := startPool(t, 10, 2, ExecutorFunc(func(ctx context.Context, id types.ApplicationID, attempt int) Result {
		switch id {
		case 1:
			return Retryable(errBusy)
		case 2:
			return Terminal(errTooLarge)
		default:
			return Result{Outcome: OutcomeCompleted, Skipped: true}
		}
	}))

	for id := types.ApplicationID(1); id <= 3; id++ {
		require.NoError(t, pool.Submit(Task{ApplicationID: id, Attempt: 2}))
	}

	got := map[types.ApplicationID]Result{}
	for i := 0; i < 3; i++ {
		r, err := pool.ReceiveResult()
		require.NoError(t, err)
		got[r.ApplicationID] = r
	}

	assert.Equal(t, OutcomeRetryable, got[1].Outcome)
	assert.ErrorIs(t, got[1].Err, errBusy)
	assert.Equal(t, OutcomeTerminal, got[2].Outcome)
	assert.ErrorIs(t, got[2].Err, errTooLarge)
	assert.Equal(t, OutcomeCompleted, got[3].Outcome)
	assert.True(t, got[3].Skipped)
	assert.Equal(t, 2, got[3].Attempt)
}

func TestTimeout(t *testing.T) {
	pool := startPool(t, 10, 1, ExecutorFunc(func(ctx context.Context, id types.ApplicationID, attempt int) Result {
		<-ctx.Done()
		return Retryable(ctx.Err())
	}))

	require.NoError(t, pool.Submit(Task{ApplicationID: 1, Attempt: 1, Timeout: time.Millisecond}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryable, result.Outcome)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
	assert.Contains(t, result.Err.Error(), "timed out")
}

func TestPanicRecovery(t *testing.T) {
	var calls atomic.Int32
	pool := startPool(t, 10, 1, ExecutorFunc(func(ctx context.Context, id types.ApplicationID, attempt int) Result {
		calls.Add(1)
		if id == 1 {
			panic("nil profile")
		}
		return Completed(types.MatchResult{Score: 1})
	}))

	require.NoError(t, pool.Submit(Task{ApplicationID: 1, Attempt: 1}))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryable, result.Outcome)
	assert.ErrorIs(t, result.Err, ErrPanic)
	assert.Equal(t, types.ApplicationID(1), result.ApplicationID)

	// the worker survives the panic
	require.NoError(t, pool.Submit(Task{ApplicationID: 2, Attempt: 1}))
	result, err = pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		o    Outcome
		want string
	}{
		{OutcomeCompleted, "completed"},
		{OutcomeRetryable, "retryable_failure"},
		{OutcomeTerminal, "terminal_failure"},
		{Outcome(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.o.String())
	}
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, id types.ApplicationID, attempt int) Result {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return Completed(types.MatchResult{})
	})

	workerCount, taskCount := 8, 100
	pool := startPool(t, 100, workerCount, exec)

	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(Task{ApplicationID: types.ApplicationID(i), Attempt: 1, Timeout: 2 * time.Second}))
	}
	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, int(peak.Load()), workerCount)
	assert.Greater(t, peak.Load(), int32(1))
}

func TestConcurrentSubmit(t *testing.T) {
	pool := startPool(t, 100, 4, scoreExecutor)

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(Task{ApplicationID: types.ApplicationID(i), Attempt: 1}))
		}(i)
	}
	wg.Wait()

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

// TestSubmitDuringStop exercises Submit racing Stop; it must never panic.
func TestSubmitDuringStop(t *testing.T) {
	pool := NewPool(1, scoreExecutor)
	require.NoError(t, pool.Start(1))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := pool.Submit(Task{ApplicationID: types.ApplicationID(i)})
			if err != nil {
				assert.ErrorIs(t, err, ErrPoolClosed)
			}
		}(i)
	}
	assert.NotPanics(t, pool.Stop)
	wg.Wait()
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(50, scoreExecutor)
	require.NoError(t, pool.Start(4))

	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(Task{ApplicationID: types.ApplicationID(i)}))
	}
	for i := 0; i < 10; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	goroutinesBefore := runtime.NumGoroutine()
	pool.Stop()
	time.Sleep(100 * time.Millisecond)
	goroutinesAfter := runtime.NumGoroutine()

	assert.LessOrEqual(t, goroutinesAfter, goroutinesBefore)
	t.Logf("Goroutines before: %d, after: %d", goroutinesBefore, goroutinesAfter)
}

func TestLifecycleErrors(t *testing.T) {
	t.Run("stop before start", func(t *testing.T) {
		pool := NewPool(10, scoreExecutor)
		assert.NotPanics(t, pool.Stop)
		assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)
	})

	t.Run("submit before start", func(t *testing.T) {
		pool := NewPool(10, scoreExecutor)
		assert.Equal(t, ErrPoolNotStarted, pool.Submit(Task{ApplicationID: 1}))
	})

	t.Run("submit after stop", func(t *testing.T) {
		pool := NewPool(10, scoreExecutor)
		require.NoError(t, pool.Start(2))
		pool.Stop()
		assert.Equal(t, ErrPoolClosed, pool.Submit(Task{ApplicationID: 1}))
	})

	t.Run("receive after stop", func(t *testing.T) {
		pool := NewPool(10, scoreExecutor)
		require.NoError(t, pool.Start(2))
		pool.Stop()
		_, err := pool.ReceiveResult()
		assert.Equal(t, ErrPoolClosed, err)
	})

	t.Run("double stop", func(t *testing.T) {
		pool := NewPool(10, scoreExecutor)
		require.NoError(t, pool.Start(1))
		pool.Stop()
		assert.NotPanics(t, pool.Stop)
	})
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000, scoreExecutor)
	pool.Start(8)
	defer pool.Stop()

	go func() {
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit(Task{ApplicationID: types.ApplicationID(i), Attempt: 1, Timeout: time.Second})
	}
}

func TestExecute_Synchronous(t *testing.T) {
	slow := ExecutorFunc(func(ctx context.Context, id types.ApplicationID, attempt int) Result {
		<-ctx.Done()
		return Retryable(ctx.Err())
	})

	res := Execute(context.Background(), slow, Task{ApplicationID: 3, Attempt: 2, Timeout: 20 * time.Millisecond})
	assert.Equal(t, OutcomeRetryable, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, types.ApplicationID(3), res.ApplicationID)
	assert.Equal(t, 2, res.Attempt)

	// parent cancellation reaches the executor
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = Execute(ctx, slow, Task{ApplicationID: 4, Attempt: 1})
	assert.ErrorIs(t, res.Err, context.Canceled)

	res = Execute(context.Background(), scoreExecutor, Task{ApplicationID: 5, Attempt: 1})
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	require.NotNil(t, res.Result)
	assert.Equal(t, 4.2, res.Result.Score)
}
