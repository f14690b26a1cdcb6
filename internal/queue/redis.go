package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

// RedisKeys names the two lists of the reliable queue.
type RedisKeys struct {
	Queue      string
	Processing string
}

// DefaultRedisKeys returns keys under prefix.
func DefaultRedisKeys(prefix string) RedisKeys {
	if prefix == "" {
		prefix = "talent_match"
	}
	return RedisKeys{
		Queue:      prefix + ":scoring:queue",
		Processing: prefix + ":scoring:processing",
	}
}

// Redis is a reliable queue over two Redis lists.
//
//	Enqueue: LPUSH queue
//	Consume: BRPOPLPUSH queue -> processing
//	Ack:     LREM processing
//
// Ids left in processing by a crashed consumer are moved back by RequeueStale.
type Redis struct {
	rdb    *redis.Client
	keys   RedisKeys
	slot   time.Duration
	closed atomic.Bool
}

// NewRedis returns a queue on rdb; the caller owns the client.
func NewRedis(rdb *redis.Client, keys RedisKeys) *Redis {
	return &Redis{rdb: rdb, keys: keys, slot: time.Second}
}

func (q *Redis) Enqueue(ctx context.Context, id types.ApplicationID) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if err := q.rdb.LPush(ctx, q.keys.Queue, encodeID(id)).Err(); err != nil {
		return fmt.Errorf("redis enqueue %d: %w", id, err)
	}
	return nil
}

// Consume blocks in short slots so that ctx cancellation and Close are
// noticed promptly.
func (q *Redis) Consume(ctx context.Context) (types.ApplicationID, error) {
	for {
		if q.closed.Load() {
			return 0, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		raw, err := q.rdb.BRPopLPush(ctx, q.keys.Queue, q.keys.Processing, q.slot).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("redis consume: %w", err)
		}

		id, err := decodeID(raw)
		if err != nil {
			// drop garbage so it is not redelivered forever
			_ = q.rdb.LRem(ctx, q.keys.Processing, 1, raw).Err()
			log.Warn("Dropping malformed queue entry", "value", raw, "error", err)
			continue
		}
		return id, nil
	}
}

func (q *Redis) Ack(ctx context.Context, id types.ApplicationID) error {
	if err := q.rdb.LRem(ctx, q.keys.Processing, 1, encodeID(id)).Err(); err != nil {
		return fmt.Errorf("redis ack %d: %w", id, err)
	}
	return nil
}

// RequeueStale moves up to max ids from processing back to the queue; max
// <= 0 moves all of them. Call it before consumers start.
func (q *Redis) RequeueStale(ctx context.Context, max int64) (int64, error) {
	var moved int64
	for max <= 0 || moved < max {
		_, err := q.rdb.RPopLPush(ctx, q.keys.Processing, q.keys.Queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return moved, fmt.Errorf("redis requeue: %w", err)
		}
		moved++
	}
	return moved, nil
}

// Len returns the queued and processing list lengths.
func (q *Redis) Len(ctx context.Context) (queued, processing int64, err error) {
	pipe := q.rdb.Pipeline()
	qc := pipe.LLen(ctx, q.keys.Queue)
	pc := pipe.LLen(ctx, q.keys.Processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return qc.Val(), pc.Val(), nil
}

func (q *Redis) Close() error {
	q.closed.Store(true)
	return nil
}

func encodeID(id types.ApplicationID) string {
	return strconv.FormatInt(int64(id), 10)
}

func decodeID(s string) (types.ApplicationID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return types.ApplicationID(n), nil
}
