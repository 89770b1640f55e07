package processor

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"

	"github.com/yablo/webhookd/internal/events"
	"github.com/yablo/webhookd/internal/money"
	"github.com/yablo/webhookd/internal/queue/memqueue"
	"github.com/yablo/webhookd/internal/store/memstore"
)

func testLogger() btclog.Logger {
	return btclog.NewBackend(io.Discard).Logger("TEST")
}

func TestProcessNewTransFanOutPerAddress(t *testing.T) {
	ingest := memqueue.New()
	delivery := memqueue.New()
	st := memstore.New()
	st.AddSubscriber("https://a.example/hook", []string{"addr1", "addr2"}, false, false)

	p := New(ingest, delivery, st, testLogger())

	tx := &events.NewTrans{
		TxID:    "tx1",
		Outputs: []events.TxSide{{Addresses: []string{"addr1"}, Value: money.Satoshi(100)}, {Addresses: []string{"addr2"}, Value: money.Satoshi(200)}},
	}
	raw := events.Raw{Kind: events.KindNewTrans, NewTrans: tx}
	encoded, err := raw.Encode()
	require.NoError(t, err)

	require.NoError(t, ingest.Push(context.Background(), string(encoded)))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	item, ok, err := ingest.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, p.processItem(context.Background(), item))
	require.NoError(t, ingest.Ack(context.Background(), item))

	n, err := delivery.InflightLen(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	var tokens []string
	for {
		tok, ok, err := delivery.Pop(context.Background(), time.Millisecond)
		require.NoError(t, err)
		if !ok {
			break
		}
		tokens = append(tokens, tok)
	}
	require.Len(t, tokens, 2)
}

func TestProcessNewBlockFanOut(t *testing.T) {
	ingest := memqueue.New()
	delivery := memqueue.New()
	st := memstore.New()
	st.AddSubscriber("https://a.example/hook", nil, true, false)
	st.AddSubscriber("https://b.example/hook", nil, false, false)

	p := New(ingest, delivery, st, testLogger())

	raw := events.Raw{Kind: events.KindNewBlock, NewBlock: &events.NewBlock{Hash: "H", Height: 10}}
	encoded, err := raw.Encode()
	require.NoError(t, err)

	require.NoError(t, p.processItem(context.Background(), string(encoded)))

	var count int
	for {
		_, ok, err := delivery.Pop(context.Background(), time.Millisecond)
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 1, count)
}

func TestProcessDiscBlockFanOut(t *testing.T) {
	ingest := memqueue.New()
	delivery := memqueue.New()
	st := memstore.New()
	st.AddSubscriber("https://a.example/hook", nil, false, true)

	p := New(ingest, delivery, st, testLogger())

	raw := events.Raw{Kind: events.KindDiscBlock, DiscBlock: &events.DiscBlock{Hash: "H", Height: 10}}
	encoded, err := raw.Encode()
	require.NoError(t, err)

	require.NoError(t, p.processItem(context.Background(), string(encoded)))

	_, ok, err := delivery.Pop(context.Background(), time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProcessNewTransNoMatchesSkipsPersistence(t *testing.T) {
	ingest := memqueue.New()
	delivery := memqueue.New()
	st := memstore.New()

	p := New(ingest, delivery, st, testLogger())

	raw := events.Raw{Kind: events.KindNewTrans, NewTrans: &events.NewTrans{
		TxID:    "tx1",
		Outputs: []events.TxSide{{Addresses: []string{"unwatched"}, Value: money.Satoshi(1)}},
	}}
	encoded, err := raw.Encode()
	require.NoError(t, err)

	require.NoError(t, p.processItem(context.Background(), string(encoded)))

	_, ok, err := delivery.Pop(context.Background(), time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}
