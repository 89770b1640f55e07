// Package dispatcher delivers webhook payloads by HTTP POST, with
// retry/reclaim discipline and a retry budget, enforcing at most one
// running instance per delivery queue via an external singleton lock.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btclog"

	"github.com/yablo/webhookd/internal/queue"
	"github.com/yablo/webhookd/internal/store"
)

const (
	deliveryMethod = "webhook"

	connectTimeout = 3 * time.Second
	readTimeout    = 3 * time.Second

	defaultMaxAttempts = 10
	defaultMaxAge      = 24 * time.Hour
)

// Lock is a held singleton lock; Release gives it up.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker acquires the singleton lock the Dispatcher requires before it
// may enter its main loop.
type Locker interface {
	TryAcquireAdvisoryLock(ctx context.Context, key int64) (Lock, error)
}

// ErrAnotherDispatcherActive is returned by Run when the singleton
// lock is already held by another process.
var ErrAnotherDispatcherActive = errors.New("dispatcher: another dispatcher instance holds the delivery lock")

// Config tunes the Dispatcher's retry budget and singleton lock key.
type Config struct {
	MaxAttempts int           // 0 means defaultMaxAttempts
	MaxAge      time.Duration // 0 means defaultMaxAge
	LockKey     int64
}

// Dispatcher consumes the delivery queue and delivers each token's
// payload by HTTP POST.
type Dispatcher struct {
	delivery queue.Queue
	store    store.SubscriberStore
	locker   Locker
	cfg      Config
	client   *http.Client
	log      btclog.Logger
	now      func() time.Time

	blockFor time.Duration
}

// New returns a Dispatcher wired to the given delivery queue, store,
// and singleton locker.
func New(delivery queue.Queue, st store.SubscriberStore, locker Locker, cfg Config, log btclog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	return &Dispatcher{
		delivery: delivery,
		store:    st,
		locker:   locker,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: readTimeout,
			},
		},
	}
}

// Run acquires the singleton delivery lock, then processes the
// delivery queue until ctx is cancelled. It returns
// ErrAnotherDispatcherActive immediately if the lock is already held.
func (d *Dispatcher) Run(ctx context.Context) error {
	lock, err := d.locker.TryAcquireAdvisoryLock(ctx, d.cfg.LockKey)
	if err != nil {
		if errors.Is(err, ErrAnotherDispatcherActive) {
			return err
		}
		return fmt.Errorf("dispatcher: acquire singleton lock: %w", err)
	}
	defer lock.Release(ctx)

	if n, err := d.delivery.Reclaim(ctx); err != nil {
		return fmt.Errorf("dispatcher: startup reclaim: %w", err)
	} else if n > 0 {
		d.log.Infof("reclaimed %d in-flight delivery items", n)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		token, ok, err := d.delivery.Pop(ctx, d.blockFor)
		if err != nil {
			return fmt.Errorf("dispatcher: delivery pop: %w", err)
		}
		if !ok {
			// A timed-out blocking pop: sweep anything left in-flight
			// back onto the queue, per the reclaim-on-timeout rule.
			n, err := d.delivery.Reclaim(ctx)
			if err != nil {
				return fmt.Errorf("dispatcher: reclaim on timeout: %w", err)
			}
			if n > 0 {
				d.blockFor = 0
			}
			continue
		}

		retry := d.processToken(ctx, token)
		if retry {
			// Leave the token in dispatch_inflight: the next
			// blocking-pop timeout's reclaim sweep requeues it.
			d.blockFor = time.Duration(1+rand.Intn(3)) * time.Second
		} else {
			if err := d.delivery.Ack(ctx, token); err != nil {
				d.log.Errorf("ack delivery token %s: %v", token, err)
			}
			n, err := d.delivery.InflightLen(ctx)
			if err == nil && n == 0 {
				d.blockFor = 0
			}
		}
	}
}

// processToken delivers one token's payload and reports whether the
// outcome was retryable. A non-retryable outcome (success, give-up, or
// a token that no longer matches a live deliverable) always acks.
func (d *Dispatcher) processToken(ctx context.Context, token string) bool {
	method, id, err := parseToken(token)
	if err != nil {
		d.log.Warnf("discarding malformed delivery token %q: %v", token, err)
		return false
	}
	if method != deliveryMethod {
		d.log.Warnf("discarding delivery token with unknown method %q", method)
		return false
	}

	outbound, hook, err := d.store.LoadDeliverable(ctx, id)
	if err != nil {
		d.log.Errorf("load deliverable %d: %v", id, err)
		return true
	}
	if outbound == nil {
		// Already sent, gave up, or the subscriber was deactivated.
		return false
	}

	attempts := outbound.Attempts + 1
	now := d.now()

	sent, retryable := d.post(ctx, hook, outbound.PayloadBytes)
	if sent {
		if err := d.store.MarkSent(ctx, id, attempts, now); err != nil {
			d.log.Errorf("mark sent %d: %v", id, err)
		}
		return false
	}

	if !retryable {
		if err := d.store.MarkGaveUp(ctx, id, attempts, now); err != nil {
			d.log.Errorf("mark gaveup %d: %v", id, err)
		}
		return false
	}

	if attempts >= d.cfg.MaxAttempts || now.Sub(outbound.CreatedAt) >= d.cfg.MaxAge {
		if err := d.store.MarkGaveUp(ctx, id, attempts, now); err != nil {
			d.log.Errorf("mark gaveup %d: %v", id, err)
		}
		return false
	}

	if err := d.store.MarkRetrying(ctx, id, attempts, now); err != nil {
		d.log.Errorf("mark retrying %d: %v", id, err)
	}
	return true
}

// post delivers payload to hook. sent=true means the subscriber is
// considered to have received the event (HTTP 200, or a response
// timeout after the request body was fully written). retryable=true
// means the caller should requeue the token for another attempt.
func (d *Dispatcher) post(ctx context.Context, hook string, payload []byte) (sent, retryable bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook, bytes.NewReader(payload))
	if err != nil {
		d.log.Errorf("build request for %s: %v", hook, err)
		return false, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if isResponseHeaderTimeout(err) {
			// Connected and wrote the full body, but the reply took too
			// long. At-least-once semantics still hold from the
			// subscriber's perspective, so treat it as delivered.
			return true, false
		}
		d.log.Warnf("post to %s failed: %v", hook, err)
		return false, true
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return true, false
	}
	return false, true
}

func isResponseHeaderTimeout(err error) bool {
	return strings.Contains(err.Error(), "awaiting response headers")
}

func parseToken(token string) (method string, id int64, err error) {
	idx := strings.LastIndexByte(token, '_')
	if idx < 0 {
		return "", 0, fmt.Errorf("no underscore separator in %q", token)
	}
	method = token[:idx]
	id, err = strconv.ParseInt(token[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("non-numeric id in %q: %w", token, err)
	}
	return method, id, nil
}
