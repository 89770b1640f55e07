package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddressMatchFanOut(t *testing.T) {
	s := New()
	subA := s.AddSubscriber("https://a.example/hook", []string{"addr1", "addr2"}, false, false)
	s.AddSubscriber("https://b.example/hook", []string{"addr3"}, false, false)

	matches, err := s.SubscribersForAddresses(context.Background(), []string{"addr1", "addr2"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	for _, m := range matches {
		require.Equal(t, subA.ID, m.Subscriber.ID)
	}
}

func TestDeactivatedSubscriberExcluded(t *testing.T) {
	s := New()
	sub := s.AddSubscriber("https://a.example/hook", []string{"addr1"}, true, true)
	s.Deactivate(sub.ID)

	matches, err := s.SubscribersForAddresses(context.Background(), []string{"addr1"})
	require.NoError(t, err)
	require.Empty(t, matches)

	blocks, err := s.SubscribersForNewBlock(context.Background())
	require.NoError(t, err)
	require.Empty(t, blocks)
}

func TestDeliveryLifecycle(t *testing.T) {
	s := New()
	sub := s.AddSubscriber("https://a.example/hook", nil, true, false)

	ids, err := s.CreateOutboundEvents(context.Background(), []int64{sub.ID}, [][]byte{[]byte(`{"a":1}`)})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	ev, hook, err := s.LoadDeliverable(context.Background(), ids[0])
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, "https://a.example/hook", hook)

	require.NoError(t, s.MarkRetrying(context.Background(), ids[0], 1, time.Now()))
	ev, _, err = s.LoadDeliverable(context.Background(), ids[0])
	require.NoError(t, err)
	require.NotNil(t, ev)

	require.NoError(t, s.MarkSent(context.Background(), ids[0], 2, time.Now()))
	ev, _, err = s.LoadDeliverable(context.Background(), ids[0])
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestLoadDeliverableUnknownID(t *testing.T) {
	s := New()
	ev, hook, err := s.LoadDeliverable(context.Background(), 999)
	require.NoError(t, err)
	require.Nil(t, ev)
	require.Empty(t, hook)
}
