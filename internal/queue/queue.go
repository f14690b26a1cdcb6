// Package queue carries application ids from Enqueue to the scoring
// scheduler. Delivery is at-least-once; the task manager and the executor's
// idempotency guard absorb duplicates.
package queue

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

var log = slog.Default()

// ErrQueueClosed is returned once a queue has been closed.
var ErrQueueClosed = errors.New("task queue is closed")

// TaskQueue is the hand-off between producers and the scheduler.
type TaskQueue interface {
	// Enqueue never waits for scoring, except for Inline.
	Enqueue(ctx context.Context, id types.ApplicationID) error
	// Consume blocks until an id is available, ctx is done or the queue closes.
	Consume(ctx context.Context) (types.ApplicationID, error)
	// Ack drops a consumed id from any redelivery bookkeeping.
	Ack(ctx context.Context, id types.ApplicationID) error
	Close() error
}
