// Package redisqueue implements queue.Queue on top of a Redis list
// pair using BRPOPLPUSH/RPOPLPUSH, the same atomic list-move primitive
// the upstream source relies on.
package redisqueue

import (
	"context"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/go-redis/redis/v7"
)

// Queue is a queue.Queue backed by a Redis list named key and its
// in-flight counterpart, key + ":t".
type Queue struct {
	client      redis.Cmdable
	key         string
	inflightKey string
	log         btclog.Logger
}

// New wraps an existing Redis client/cluster-client as a reliable
// queue over the given key.
func New(client redis.Cmdable, key string, log btclog.Logger) *Queue {
	return &Queue{
		client:      client,
		key:         key,
		inflightKey: key + ":t",
		log:         log,
	}
}

// Push adds item at the head (left end) of the list; Pop takes from the
// right end, so items leave in the order they were pushed.
func (q *Queue) Push(_ context.Context, item string) error {
	return q.client.LPush(q.key, item).Err()
}

// Pop atomically moves one item to the in-flight list, blocking up to
// block (0 = forever). Redis itself implements the blocking semantics,
// so this call ignores ctx cancellation mid-block.
func (q *Queue) Pop(_ context.Context, block time.Duration) (string, bool, error) {
	item, err := q.client.BRPopLPush(q.key, q.inflightKey, block).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return item, true, nil
}

// Ack removes exactly one occurrence of item from the in-flight list.
func (q *Queue) Ack(_ context.Context, item string) error {
	return q.client.LRem(q.inflightKey, -1, item).Err()
}

// Reclaim drains the in-flight list back onto the queue, returning the
// number of items moved.
func (q *Queue) Reclaim(_ context.Context) (int64, error) {
	var n int64
	for {
		item, err := q.client.RPopLPush(q.inflightKey, q.key).Result()
		if err == redis.Nil {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
		q.log.Debugf("reclaimed %q from %s to %s", item, q.inflightKey, q.key)
	}
}

// InflightLen reports the current size of the in-flight list.
func (q *Queue) InflightLen(_ context.Context) (int64, error) {
	return q.client.LLen(q.inflightKey).Result()
}
