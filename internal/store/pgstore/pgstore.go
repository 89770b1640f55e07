// Package pgstore implements store.SubscriberStore on PostgreSQL via
// jackc/pgx/v4's pgxpool, and provides the Postgres advisory-lock
// primitive the dispatcher uses to enforce its singleton-runner
// invariant. Acquire/backoff on pool loss follows the reconnect idiom
// in persistorai-persistor's NotifyBridge.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/yablo/webhookd/internal/store"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Store is a store.SubscriberStore backed by a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and verifies reachability before returning.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

var _ store.SubscriberStore = (*Store)(nil)

func (s *Store) SubscribersForAddresses(ctx context.Context, addresses []string) ([]store.AddressMatch, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT sub.id, sub.public_id, wh.hook, wa.address
		FROM subscriber_watchaddy saw
		JOIN watchaddy wa ON wa.id = saw.watchaddy_id
		JOIN subscriber sub ON sub.id = saw.subscriber_id
		JOIN webhook_subscriber wh ON wh.subscriber_id = sub.id
		WHERE wa.address = ANY($1) AND wh.active AND wh.authorized IS NOT NULL`,
		addresses)
	if err != nil {
		return nil, fmt.Errorf("pgstore: subscribers for addresses: %w", err)
	}
	defer rows.Close()

	var out []store.AddressMatch
	for rows.Next() {
		var m store.AddressMatch
		if err := rows.Scan(&m.Subscriber.ID, &m.Subscriber.PublicID, &m.Hook, &m.Address); err != nil {
			return nil, fmt.Errorf("pgstore: scan address match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) subscribersFor(ctx context.Context, table string) ([]store.Subscriber, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT sub.id, sub.public_id
		FROM %s t
		JOIN subscriber sub ON sub.id = t.subscriber_id
		JOIN webhook_subscriber wh ON wh.subscriber_id = sub.id
		WHERE wh.active AND wh.authorized IS NOT NULL`, table))
	if err != nil {
		return nil, fmt.Errorf("pgstore: subscribers for %s: %w", table, err)
	}
	defer rows.Close()

	var out []store.Subscriber
	for rows.Next() {
		var sub store.Subscriber
		if err := rows.Scan(&sub.ID, &sub.PublicID); err != nil {
			return nil, fmt.Errorf("pgstore: scan subscriber: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) SubscribersForNewBlock(ctx context.Context) ([]store.Subscriber, error) {
	return s.subscribersFor(ctx, "subscriber_newblock")
}

func (s *Store) SubscribersForDiscBlock(ctx context.Context) ([]store.Subscriber, error) {
	return s.subscribersFor(ctx, "subscriber_discblock")
}

// CreateOutboundEvents inserts one event row per (subscriberIDs[i],
// payloads[i]) pair inside a single transaction, so a Processor crash
// mid-insert never leaves a partial fan-out behind.
func (s *Store) CreateOutboundEvents(ctx context.Context, subscriberIDs []int64, payloads [][]byte) ([]int64, error) {
	if len(subscriberIDs) != len(payloads) {
		return nil, fmt.Errorf("pgstore: mismatched subscriber/payload counts: %d != %d", len(subscriberIDs), len(payloads))
	}
	if len(subscriberIDs) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]int64, len(subscriberIDs))
	for i := range subscriberIDs {
		err := tx.QueryRow(ctx, `
			INSERT INTO event (subscriber_id, public_id, payload_bytes, created_at, attempts)
			VALUES ($1, $2, $3, now(), 0)
			RETURNING id`,
			subscriberIDs[i], uuid.New(), payloads[i]).Scan(&ids[i])
		if err != nil {
			return nil, fmt.Errorf("pgstore: insert event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pgstore: commit: %w", err)
	}
	return ids, nil
}

func (s *Store) LoadDeliverable(ctx context.Context, outboundID int64) (*store.OutboundEvent, string, error) {
	var e store.OutboundEvent
	var status *string
	var hook string
	err := s.pool.QueryRow(ctx, `
		SELECT e.id, e.subscriber_id, e.public_id, e.payload_bytes, e.created_at,
		       e.attempts, e.last_attempt_at, e.status, wh.hook
		FROM event e
		JOIN webhook_subscriber wh ON wh.subscriber_id = e.subscriber_id
		WHERE e.id = $1 AND wh.active AND (e.status IS NULL OR e.status = 'retrying')`,
		outboundID).Scan(&e.ID, &e.SubscriberID, &e.PublicID, &e.PayloadBytes, &e.CreatedAt,
		&e.Attempts, &e.LastAttemptAt, &status, &hook)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("pgstore: load deliverable: %w", err)
	}
	if status != nil {
		e.Status = store.Status(*status)
	}
	return &e, hook, nil
}

func (s *Store) setStatus(ctx context.Context, outboundID int64, status store.Status, attempts int, lastAttempt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE event SET status = $1, attempts = $2, last_attempt_at = $3 WHERE id = $4`,
		string(status), attempts, lastAttempt, outboundID)
	if err != nil {
		return fmt.Errorf("pgstore: set status %s: %w", status, err)
	}
	return nil
}

func (s *Store) MarkSent(ctx context.Context, outboundID int64, attempts int, lastAttempt time.Time) error {
	return s.setStatus(ctx, outboundID, store.StatusSent, attempts, lastAttempt)
}

func (s *Store) MarkRetrying(ctx context.Context, outboundID int64, attempts int, lastAttempt time.Time) error {
	return s.setStatus(ctx, outboundID, store.StatusRetrying, attempts, lastAttempt)
}

func (s *Store) MarkGaveUp(ctx context.Context, outboundID int64, attempts int, lastAttempt time.Time) error {
	return s.setStatus(ctx, outboundID, store.StatusGaveUp, attempts, lastAttempt)
}

// GetOrCreateSubscriber returns the subscriber row for publicID,
// creating it if absent, mirroring the registration API's
// get_or_create contract.
func (s *Store) GetOrCreateSubscriber(ctx context.Context, publicID uuid.UUID) (store.Subscriber, error) {
	var sub store.Subscriber
	err := s.pool.QueryRow(ctx, `
		INSERT INTO subscriber (public_id) VALUES ($1)
		ON CONFLICT (public_id) DO UPDATE SET public_id = EXCLUDED.public_id
		RETURNING id, public_id`, publicID).Scan(&sub.ID, &sub.PublicID)
	if err != nil {
		return store.Subscriber{}, fmt.Errorf("pgstore: get or create subscriber: %w", err)
	}
	return sub, nil
}

// CreateWatchAddressIfNotPresent links subscriberID to address,
// mirroring the registration API's create_if_not_present contract: a
// no-op, not an error, if the link already exists.
func (s *Store) CreateWatchAddressIfNotPresent(ctx context.Context, subscriberID int64, address string) error {
	var watchaddyID int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO watchaddy (address) VALUES ($1)
		ON CONFLICT (address) DO UPDATE SET address = EXCLUDED.address
		RETURNING id`, address).Scan(&watchaddyID)
	if err != nil {
		return fmt.Errorf("pgstore: upsert watchaddy: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO subscriber_watchaddy (subscriber_id, watchaddy_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, subscriberID, watchaddyID)
	if err != nil {
		return fmt.Errorf("pgstore: link subscriber watchaddy: %w", err)
	}
	return nil
}

// AdvisoryLock is a session-scoped Postgres advisory lock used by
// dispatchd to guarantee at most one instance runs against a given
// lock key at a time. It holds a dedicated connection out of the
// pool for the lock's lifetime, since pg_advisory_lock is tied to the
// session that acquired it.
type AdvisoryLock struct {
	conn *pgxpool.Conn
	key  int64
}

// ErrLockHeld is returned by TryAcquireAdvisoryLock when another
// process already holds the lock.
var ErrLockHeld = errors.New("pgstore: advisory lock held by another process")

// TryAcquireAdvisoryLock attempts to take the named singleton lock
// without blocking, returning ErrLockHeld if it is already taken.
func (s *Store) TryAcquireAdvisoryLock(ctx context.Context, key int64) (*AdvisoryLock, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: acquire conn for lock: %w", err)
	}
	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
		conn.Release()
		return nil, fmt.Errorf("pgstore: pg_try_advisory_lock: %w", err)
	}
	if !got {
		conn.Release()
		return nil, ErrLockHeld
	}
	return &AdvisoryLock{conn: conn, key: key}, nil
}

// Release unlocks and returns the underlying connection to the pool.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	defer l.conn.Release()
	_, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	return err
}

// WithReconnect retries fn with exponential backoff and jitter while
// ctx stays alive, for callers that want to ride out a transient pool
// outage instead of failing the first query after a connection drop.
func WithReconnect(ctx context.Context, fn func() error) error {
	backoff := initialBackoff
	for {
		err := fn()
		if err == nil || ctx.Err() != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		jittered := time.Duration(float64(backoff) * (0.75 + rand.Float64()*0.5))
		backoff = jittered
	}
}
