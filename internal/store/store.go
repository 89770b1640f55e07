// Package store defines the read-only query and delivery-status write
// contract the pipeline needs from the subscriber store (§1: the
// store's registration side is an external collaborator; only this
// contract surface is part of the core).
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is an outbound event record's lifecycle state. The empty
// string is the "pending" state, matching the nullable status column
// of the logical schema.
type Status string

const (
	StatusPending  Status = ""
	StatusSent     Status = "sent"
	StatusRetrying Status = "retrying"
	StatusGaveUp   Status = "gaveup"
)

// Subscriber identifies one registered subscriber by its opaque public
// id, the only identifier ever exposed in a delivered payload.
type Subscriber struct {
	ID       int64
	PublicID uuid.UUID
}

// AddressMatch pairs a subscriber with the one watched address that
// matched a transaction. A subscriber watching two matched addresses
// appears twice, once per address, per §4.2's fan-out rule.
type AddressMatch struct {
	Subscriber Subscriber
	Hook       string
	Address    string
}

// OutboundEvent is a durable per-(raw event, subscriber) delivery
// record, created once by the Processor and mutated only by the
// Dispatcher.
type OutboundEvent struct {
	ID            int64
	SubscriberID  int64
	PublicID      uuid.UUID
	PayloadBytes  []byte
	CreatedAt     time.Time
	Attempts      int
	LastAttemptAt *time.Time
	Status        Status
}

// SubscriberStore is the pipeline's only shared mutable resource: read
// queries used by the Processor's matching step, and delivery-status
// writes used by the Dispatcher. The Processor never modifies
// subscriber or subscription rows; the Dispatcher only ever writes the
// status/attempt fields of a row it itself popped.
type SubscriberStore interface {
	// SubscribersForAddresses returns one AddressMatch per (active,
	// authorized) subscriber/address pair among the given addresses.
	SubscribersForAddresses(ctx context.Context, addresses []string) ([]AddressMatch, error)

	// SubscribersForNewBlock returns every active, authorized
	// "new block" subscriber.
	SubscribersForNewBlock(ctx context.Context) ([]Subscriber, error)

	// SubscribersForDiscBlock returns every active, authorized
	// "disc block" subscriber.
	SubscribersForDiscBlock(ctx context.Context) ([]Subscriber, error)

	// CreateOutboundEvents inserts one outbound record per
	// (subscriberIDs[i], payloads[i]) pair in a single transaction and
	// returns the assigned ids, in the same order.
	CreateOutboundEvents(ctx context.Context, subscriberIDs []int64, payloads [][]byte) ([]int64, error)

	// LoadDeliverable returns the outbound record and its subscriber's
	// webhook URL, filtered to active subscribers and records whose
	// status is pending or retrying. A nil record with a nil error
	// means the id doesn't match that predicate any more (already
	// sent, gave up, or the subscriber was cancelled) — the
	// Dispatcher's non-retryable "not found" case.
	LoadDeliverable(ctx context.Context, outboundID int64) (*OutboundEvent, string, error)

	// MarkSent, MarkRetrying and MarkGaveUp record the outcome of one
	// delivery attempt, with attempts and lastAttempt already
	// incremented/stamped by the caller.
	MarkSent(ctx context.Context, outboundID int64, attempts int, lastAttempt time.Time) error
	MarkRetrying(ctx context.Context, outboundID int64, attempts int, lastAttempt time.Time) error
	MarkGaveUp(ctx context.Context, outboundID int64, attempts int, lastAttempt time.Time) error
}
