package queue

import (
	"context"
	"sync"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

// Memory is an unbounded in-process FIFO queue.
type Memory struct {
	mu     sync.Mutex
	items  []types.ApplicationID
	notify chan struct{}
	done   chan struct{}
	closed bool
}

// NewMemory returns an empty queue.
func NewMemory() *Memory {
	return &Memory{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *Memory) Enqueue(_ context.Context, id types.ApplicationID) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, id)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *Memory) Consume(ctx context.Context) (types.ApplicationID, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// pass the wake-up on to the next consumer
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return id, nil
		}
		if q.closed {
			q.mu.Unlock()
			return 0, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-q.done:
		case <-q.notify:
		}
	}
}

// Ack is a no-op; consumed items are already gone.
func (q *Memory) Ack(context.Context, types.ApplicationID) error { return nil }

// Close wakes blocked consumers. Items still queued are drained first.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

// Len returns the number of queued ids.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
