// Package processor matches each raw event against the subscriber
// store and materializes a durable outbound record, and a delivery
// token, per match.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btclog"

	"github.com/yablo/webhookd/internal/events"
	"github.com/yablo/webhookd/internal/queue"
	"github.com/yablo/webhookd/internal/store"
)

// deliveryMethod is the only token method the Dispatcher understands.
const deliveryMethod = "webhook"

// Processor consumes the ingest queue, matches subscribers, and
// produces delivery tokens on the delivery queue.
type Processor struct {
	ingest   queue.Queue
	delivery queue.Queue
	store    store.SubscriberStore
	log      btclog.Logger
	now      func() time.Time
}

// New returns a Processor wired to the given queues and store.
func New(ingest, delivery queue.Queue, st store.SubscriberStore, log btclog.Logger) *Processor {
	return &Processor{ingest: ingest, delivery: delivery, store: st, log: log, now: time.Now}
}

// Run reclaims any items left in-flight by a prior crashed instance,
// then processes the ingest queue until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	if n, err := p.ingest.Reclaim(ctx); err != nil {
		return fmt.Errorf("processor: startup reclaim: %w", err)
	} else if n > 0 {
		p.log.Infof("reclaimed %d in-flight ingest items", n)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		item, ok, err := p.ingest.Pop(ctx, 0)
		if err != nil {
			return fmt.Errorf("processor: ingest pop: %w", err)
		}
		if !ok {
			continue
		}

		if err := p.processItem(ctx, item); err != nil {
			// Leave item in ingest_inflight; a future reclaim retries it.
			p.log.Errorf("processing event: %v", err)
			continue
		}
		if err := p.ingest.Ack(ctx, item); err != nil {
			p.log.Errorf("ack ingest item: %v", err)
		}
	}
}

func (p *Processor) processItem(ctx context.Context, item string) error {
	raw, err := events.Decode([]byte(item))
	if err != nil {
		return err
	}

	var subscriberIDs []int64
	var payloads [][]byte

	switch raw.Kind {
	case events.KindNewTrans:
		subscriberIDs, payloads, err = p.matchNewTrans(ctx, raw.NewTrans)
	case events.KindNewBlock:
		subscriberIDs, payloads, err = p.matchNewBlock(ctx, raw.NewBlock)
	case events.KindDiscBlock:
		subscriberIDs, payloads, err = p.matchDiscBlock(ctx, raw.DiscBlock)
	default:
		return fmt.Errorf("unknown event kind %q", raw.Kind)
	}
	if err != nil {
		return err
	}
	if len(subscriberIDs) == 0 {
		return nil
	}

	ids, err := p.store.CreateOutboundEvents(ctx, subscriberIDs, payloads)
	if err != nil {
		return fmt.Errorf("persist outbound events: %w", err)
	}

	for _, id := range ids {
		token := fmt.Sprintf("%s_%d", deliveryMethod, id)
		if err := p.delivery.Push(ctx, token); err != nil {
			return fmt.Errorf("push delivery token %s: %w", token, err)
		}
	}
	return nil
}

func (p *Processor) matchNewTrans(ctx context.Context, tx *events.NewTrans) ([]int64, [][]byte, error) {
	addresses := tx.UniqueAddresses()
	if len(addresses) == 0 {
		return nil, nil, nil
	}

	matches, err := p.store.SubscribersForAddresses(ctx, addresses)
	if err != nil {
		return nil, nil, fmt.Errorf("match addresses: %w", err)
	}

	now := p.now()
	subscriberIDs := make([]int64, 0, len(matches))
	payloads := make([][]byte, 0, len(matches))
	for _, m := range matches {
		payload, err := buildAddressPayload(m.Subscriber.PublicID, tx, m.Address, now)
		if err != nil {
			return nil, nil, err
		}
		subscriberIDs = append(subscriberIDs, m.Subscriber.ID)
		payloads = append(payloads, payload)
	}
	return subscriberIDs, payloads, nil
}

func (p *Processor) matchNewBlock(ctx context.Context, block *events.NewBlock) ([]int64, [][]byte, error) {
	subs, err := p.store.SubscribersForNewBlock(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("match new block subscribers: %w", err)
	}

	now := p.now()
	subscriberIDs := make([]int64, 0, len(subs))
	payloads := make([][]byte, 0, len(subs))
	for _, sub := range subs {
		payload, err := buildNewBlockPayload(sub.PublicID, block, now)
		if err != nil {
			return nil, nil, err
		}
		subscriberIDs = append(subscriberIDs, sub.ID)
		payloads = append(payloads, payload)
	}
	return subscriberIDs, payloads, nil
}

// matchDiscBlock mirrors matchNewBlock's shape exactly: same store
// query shape, same payload skeleton with type="discblock".
func (p *Processor) matchDiscBlock(ctx context.Context, block *events.DiscBlock) ([]int64, [][]byte, error) {
	subs, err := p.store.SubscribersForDiscBlock(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("match disc block subscribers: %w", err)
	}

	now := p.now()
	subscriberIDs := make([]int64, 0, len(subs))
	payloads := make([][]byte, 0, len(subs))
	for _, sub := range subs {
		payload, err := buildDiscBlockPayload(sub.PublicID, block, now)
		if err != nil {
			return nil, nil, err
		}
		subscriberIDs = append(subscriberIDs, sub.ID)
		payloads = append(payloads, payload)
	}
	return subscriberIDs, payloads, nil
}
