package queue

import (
	"context"
	"sync/atomic"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

// Handler processes one application to completion.
type Handler func(ctx context.Context, id types.ApplicationID) error

// Inline runs the handler in the caller's goroutine. It is the synchronous
// fallback used when no broker or worker pool is wanted.
type Inline struct {
	handle Handler
	closed atomic.Bool
}

// NewInline wraps handle.
func NewInline(handle Handler) *Inline {
	return &Inline{handle: handle}
}

// Enqueue returns after the handler has finished.
func (q *Inline) Enqueue(ctx context.Context, id types.ApplicationID) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	return q.handle(ctx, id)
}

// Consume never yields an id; it blocks until ctx is done.
func (q *Inline) Consume(ctx context.Context) (types.ApplicationID, error) {
	if q.closed.Load() {
		return 0, ErrQueueClosed
	}
	<-ctx.Done()
	return 0, ctx.Err()
}

func (q *Inline) Ack(context.Context, types.ApplicationID) error { return nil }

func (q *Inline) Close() error {
	q.closed.Store(true)
	return nil
}
