package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"

	"github.com/yablo/webhookd/internal/queue/memqueue"
	"github.com/yablo/webhookd/internal/store/memstore"
)

type fakeLock struct{}

func (fakeLock) Release(context.Context) error { return nil }

type fakeLocker struct{}

func (fakeLocker) TryAcquireAdvisoryLock(context.Context, int64) (Lock, error) {
	return fakeLock{}, nil
}

func testLogger() btclog.Logger {
	return btclog.NewBackend(io.Discard).Logger("TEST")
}

func TestProcessTokenSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := memstore.New()
	sub := st.AddSubscriber(srv.URL, nil, true, false)
	ids, err := st.CreateOutboundEvents(context.Background(), []int64{sub.ID}, [][]byte{[]byte(`{}`)})
	require.NoError(t, err)

	delivery := memqueue.New()
	d := New(delivery, st, fakeLocker{}, Config{}, testLogger())

	retry := d.processToken(context.Background(), tokenFor(ids[0]))
	require.False(t, retry)

	ev, _, err := st.LoadDeliverable(context.Background(), ids[0])
	require.NoError(t, err)
	require.Nil(t, ev) // sent, no longer deliverable
}

func TestProcessTokenRetryableFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := memstore.New()
	sub := st.AddSubscriber(srv.URL, nil, true, false)
	ids, err := st.CreateOutboundEvents(context.Background(), []int64{sub.ID}, [][]byte{[]byte(`{}`)})
	require.NoError(t, err)

	delivery := memqueue.New()
	d := New(delivery, st, fakeLocker{}, Config{}, testLogger())

	retry := d.processToken(context.Background(), tokenFor(ids[0]))
	require.True(t, retry)

	ev, _, err := st.LoadDeliverable(context.Background(), ids[0])
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, 1, ev.Attempts)
}

func TestProcessTokenGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := memstore.New()
	sub := st.AddSubscriber(srv.URL, nil, true, false)
	ids, err := st.CreateOutboundEvents(context.Background(), []int64{sub.ID}, [][]byte{[]byte(`{}`)})
	require.NoError(t, err)

	delivery := memqueue.New()
	d := New(delivery, st, fakeLocker{}, Config{MaxAttempts: 1}, testLogger())

	retry := d.processToken(context.Background(), tokenFor(ids[0]))
	require.False(t, retry)

	ev, _, err := st.LoadDeliverable(context.Background(), ids[0])
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestProcessTokenUnknownIDIsConsumed(t *testing.T) {
	st := memstore.New()
	delivery := memqueue.New()
	d := New(delivery, st, fakeLocker{}, Config{}, testLogger())

	retry := d.processToken(context.Background(), tokenFor(999))
	require.False(t, retry)
}

// TestRunLeavesRetryableTokenInflightForReclaim exercises the S3
// scenario end to end: Run pops a token, the delivery fails with a
// 500, and the token must stay in dispatch_inflight (not acked) so a
// Reclaim sweep can requeue it for a later attempt.
func TestRunLeavesRetryableTokenInflightForReclaim(t *testing.T) {
	reqCh := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case reqCh <- struct{}{}:
		default:
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := memstore.New()
	sub := st.AddSubscriber(srv.URL, nil, true, false)
	ids, err := st.CreateOutboundEvents(context.Background(), []int64{sub.ID}, [][]byte{[]byte(`{}`)})
	require.NoError(t, err)

	delivery := memqueue.New()
	require.NoError(t, delivery.Push(context.Background(), tokenFor(ids[0])))

	d := New(delivery, st, fakeLocker{}, Config{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	select {
	case <-reqCh:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never delivered the token")
	}
	cancel()

	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}

	n, err := delivery.InflightLen(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "retryable token must stay in-flight, not be acked")

	ev, _, err := st.LoadDeliverable(context.Background(), ids[0])
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, 1, ev.Attempts)

	reclaimed, err := delivery.Reclaim(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, reclaimed)

	n, err = delivery.InflightLen(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	token, ok, err := delivery.Pop(context.Background(), time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tokenFor(ids[0]), token)
}

func TestRunReturnsErrWhenLockHeld(t *testing.T) {
	st := memstore.New()
	delivery := memqueue.New()
	d := New(delivery, st, lockedLocker{}, Config{}, testLogger())

	err := d.Run(context.Background())
	require.ErrorIs(t, err, ErrAnotherDispatcherActive)
}

type lockedLocker struct{}

func (lockedLocker) TryAcquireAdvisoryLock(context.Context, int64) (Lock, error) {
	return nil, ErrAnotherDispatcherActive
}

func tokenFor(id int64) string {
	return "webhook_" + strconv.FormatInt(id, 10)
}
