// ============================================================================
// Talent-Match Worker - Scoring Attempt Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs scoring attempts, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker loops until the pool's stop channel closes:
//   1. Receive task from taskCh
//   2. Run the Executor under a per-task timeout
//   3. Send result to resultCh
//
// Failure classification:
//   - Executor panic: recovered, reported as a retryable failure
//   - Deadline exceeded without a completed result: retryable failure
//   - Everything else is whatever the Executor returned
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

var log = slog.Default()

// ErrPanic wraps a recovered executor panic.
var ErrPanic = errors.New("executor panicked")

// Worker represents a work execution unit
type Worker struct {
	id       int
	exec     Executor
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, exec Executor, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		exec:     exec,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker. A result that cannot be delivered before
// stop is dropped; the task stays in progress and is requeued on restore.
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.run(task)
			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				log.Warn("Dropping result on shutdown",
					"worker", w.id,
					"application_id", task.ApplicationID,
					"outcome", result.Outcome)
				return
			}
		}
	}
}

func (w *Worker) run(task Task) Result {
	return Execute(context.Background(), w.exec, task)
}

// Execute runs one attempt of task under its timeout. It is used by the
// pool workers and by callers that score synchronously.
func Execute(parent context.Context, exec Executor, task Task) (result Result) {
	start := time.Now()

	ctx, cancel := parent, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("Executor panic",
				"application_id", task.ApplicationID,
				"attempt", task.Attempt,
				"panic", r,
				"stack", string(debug.Stack()))
			result = Retryable(fmt.Errorf("%w: %v", ErrPanic, r))
		}
		cancel()
		result.ApplicationID = task.ApplicationID
		result.Attempt = task.Attempt
		result.Duration = time.Since(start)
	}()

	result = exec.Execute(ctx, task.ApplicationID, task.Attempt)
	if result.Outcome == OutcomeRetryable && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Err = fmt.Errorf("attempt timed out after %s: %w", task.Timeout, errors.Join(context.DeadlineExceeded, result.Err))
	}
	return result
}
