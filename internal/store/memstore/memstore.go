// Package memstore is an in-memory store.SubscriberStore double used
// by processor and dispatcher tests.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yablo/webhookd/internal/store"
)

type subscription struct {
	sub       store.Subscriber
	hook      string
	active    bool
	addresses map[string]bool
	newBlock  bool
	discBlock bool
}

// Store is a non-durable, single-process store.SubscriberStore.
type Store struct {
	mu            sync.Mutex
	subscriptions map[int64]*subscription
	events        map[int64]*store.OutboundEvent
	nextSubID     int64
	nextEventID   int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		subscriptions: make(map[int64]*subscription),
		events:        make(map[int64]*store.OutboundEvent),
	}
}

var _ store.SubscriberStore = (*Store)(nil)

// AddSubscriber registers a test subscriber watching the given
// addresses, with newBlock/discBlock subscriptions as given.
func (s *Store) AddSubscriber(hook string, addresses []string, newBlock, discBlock bool) store.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	sub := store.Subscriber{ID: s.nextSubID, PublicID: uuid.New()}
	addrSet := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		addrSet[a] = true
	}
	s.subscriptions[sub.ID] = &subscription{
		sub:       sub,
		hook:      hook,
		active:    true,
		addresses: addrSet,
		newBlock:  newBlock,
		discBlock: discBlock,
	}
	return sub
}

// Deactivate marks a subscriber inactive, as if its webhook were
// cancelled.
func (s *Store) Deactivate(subscriberID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscriptions[subscriberID]; ok {
		sub.active = false
	}
}

func (s *Store) SubscribersForAddresses(_ context.Context, addresses []string) ([]store.AddressMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.AddressMatch
	for _, sub := range s.subscriptions {
		if !sub.active {
			continue
		}
		for _, addr := range addresses {
			if sub.addresses[addr] {
				out = append(out, store.AddressMatch{Subscriber: sub.sub, Hook: sub.hook, Address: addr})
			}
		}
	}
	return out, nil
}

func (s *Store) subscribersFor(pick func(*subscription) bool) []store.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Subscriber
	for _, sub := range s.subscriptions {
		if sub.active && pick(sub) {
			out = append(out, sub.sub)
		}
	}
	return out
}

func (s *Store) SubscribersForNewBlock(_ context.Context) ([]store.Subscriber, error) {
	return s.subscribersFor(func(sub *subscription) bool { return sub.newBlock }), nil
}

func (s *Store) SubscribersForDiscBlock(_ context.Context) ([]store.Subscriber, error) {
	return s.subscribersFor(func(sub *subscription) bool { return sub.discBlock }), nil
}

func (s *Store) CreateOutboundEvents(_ context.Context, subscriberIDs []int64, payloads [][]byte) ([]int64, error) {
	if len(subscriberIDs) != len(payloads) {
		return nil, fmt.Errorf("memstore: mismatched subscriber/payload counts: %d != %d", len(subscriberIDs), len(payloads))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, len(subscriberIDs))
	for i, subID := range subscriberIDs {
		s.nextEventID++
		id := s.nextEventID
		s.events[id] = &store.OutboundEvent{
			ID:           id,
			SubscriberID: subID,
			PublicID:     uuid.New(),
			PayloadBytes: payloads[i],
			CreatedAt:    time.Now(),
		}
		ids[i] = id
	}
	return ids, nil
}

func (s *Store) LoadDeliverable(_ context.Context, outboundID int64) (*store.OutboundEvent, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[outboundID]
	if !ok {
		return nil, "", nil
	}
	sub, ok := s.subscriptions[e.SubscriberID]
	if !ok || !sub.active {
		return nil, "", nil
	}
	if e.Status != store.StatusPending && e.Status != store.StatusRetrying {
		return nil, "", nil
	}

	cp := *e
	return &cp, sub.hook, nil
}

func (s *Store) setStatus(outboundID int64, status store.Status, attempts int, lastAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[outboundID]
	if !ok {
		return fmt.Errorf("memstore: unknown event %d", outboundID)
	}
	e.Status = status
	e.Attempts = attempts
	e.LastAttemptAt = &lastAttempt
	return nil
}

func (s *Store) MarkSent(_ context.Context, outboundID int64, attempts int, lastAttempt time.Time) error {
	return s.setStatus(outboundID, store.StatusSent, attempts, lastAttempt)
}

func (s *Store) MarkRetrying(_ context.Context, outboundID int64, attempts int, lastAttempt time.Time) error {
	return s.setStatus(outboundID, store.StatusRetrying, attempts, lastAttempt)
}

func (s *Store) MarkGaveUp(_ context.Context, outboundID int64, attempts int, lastAttempt time.Time) error {
	return s.setStatus(outboundID, store.StatusGaveUp, attempts, lastAttempt)
}
