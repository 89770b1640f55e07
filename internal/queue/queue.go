// Package queue defines the reliable, durable, blocking work queue
// contract shared by the ingest and delivery queues.
package queue

import (
	"context"
	"time"
)

// Queue is a durable FIFO work queue with a paired in-flight staging
// list for crash-safe handoff. Items are opaque short strings.
//
// Guarantees:
//   - At-least-once delivery: an item enters the in-flight list before
//     a consumer sees it, and leaves only on an explicit Ack.
//   - Crash safety: a consumer that restarts must call Reclaim before
//     its first Pop to recover anything it (or a prior instance) left
//     in-flight.
//   - FIFO per single consumer; order is not preserved across retries.
type Queue interface {
	// Push adds item at the head of the queue, the end opposite the
	// one Pop takes from.
	Push(ctx context.Context, item string) error

	// Pop atomically moves one item from the tail of the queue to the
	// head of its in-flight list, blocking up to block. A block of 0
	// waits indefinitely. Returns ("", false, nil) on timeout.
	Pop(ctx context.Context, block time.Duration) (item string, ok bool, err error)

	// Ack removes exactly one occurrence of item from the in-flight
	// list, completing its delivery.
	Ack(ctx context.Context, item string) error

	// Reclaim atomically moves every item in the in-flight list back
	// onto the queue and returns the count moved.
	Reclaim(ctx context.Context) (int64, error)

	// InflightLen returns the number of items currently in-flight.
	InflightLen(ctx context.Context) (int64, error)
}
