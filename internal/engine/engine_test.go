package engine

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"CMMPayWatch/internal/models"
	"CMMPayWatch/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cmm = models.Amount(100_000_000)

type countingNotifier struct {
	calls atomic.Int32
	mu    sync.Mutex
	last  models.Completion
}

func (c *countingNotifier) NotifyCompleted(ctx context.Context, comp models.Completion) error {
	c.calls.Add(1)
	c.mu.Lock()
	c.last = comp
	c.mu.Unlock()
	return nil
}

func setup(t *testing.T, required models.Amount, confs int64) (*Engine, *store.Memory, *countingNotifier) {
	t.Helper()
	repo := store.NewMemory()
	require.NoError(t, repo.CreateOrder(context.Background(), &models.OrderPaymentRecord{
		OrderID:               "order-1",
		ReceivingAddress:      "tShop",
		SecretKey:             "secret",
		RequiredTotal:         required,
		ConfirmationsRequired: confs,
		CreatedAt:             time.Now().UTC(),
	}))
	n := &countingNotifier{}
	return New(repo, nil, n, nil), repo, n
}

func event(hash string, amount models.Amount, confs int64) Event {
	return Event{
		OrderID:            "order-1",
		TxHash:             hash,
		Amount:             amount,
		Confirmations:      confs,
		DestinationAddress: "tShop",
		Origin:             "bcinfo",
	}
}

func TestApplyTwoPartialPaymentsInReverseOrder(t *testing.T) {
	eng, repo, n := setup(t, 10*cmm, 3)
	ctx := context.Background()

	res, err := eng.Apply(ctx, event("tx-b", 4*cmm, 3))
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, 4*cmm, res.Record.PaidTotal)

	res, err = eng.Apply(ctx, event("tx-a", 6*cmm, 5))
	require.NoError(t, err)
	assert.True(t, res.Completed)

	rec, err := repo.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "10.00000000", rec.PaidTotal.String())
	assert.True(t, rec.Completed)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, models.OrderCompleted, rec.Status())

	eng.Wait()
	assert.Equal(t, int32(1), n.calls.Load())
	assert.Equal(t, 10*cmm, n.last.PaidTotal)
	assert.Equal(t, "order-1", n.last.OrderID)
}

func TestApplyRedeliveryWithRisingConfirmations(t *testing.T) {
	eng, repo, n := setup(t, 2*cmm, 3)
	ctx := context.Background()

	_, err := eng.Apply(ctx, event("tx-1", 2*cmm, 2))
	assert.ErrorIs(t, err, ErrUnderConfirmed)
	rec, err := repo.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.Amount(0), rec.PaidTotal)
	assert.Empty(t, rec.ReceivedTransactions)
	require.Len(t, repo.Sightings("order-1"), 1)
	assert.Equal(t, "under_confirmed", repo.Sightings("order-1")[0].Reason)

	res, err := eng.Apply(ctx, event("tx-1", 2*cmm, 4))
	require.NoError(t, err)
	assert.False(t, res.Redelivery)
	assert.True(t, res.Completed)

	res, err = eng.Apply(ctx, event("tx-1", 2*cmm, 6))
	require.NoError(t, err)
	assert.True(t, res.Redelivery)
	assert.False(t, res.Completed)

	rec, err = repo.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 2*cmm, rec.PaidTotal)
	require.Len(t, rec.ReceivedTransactions, 1)
	assert.Equal(t, int64(6), rec.ReceivedTransactions["tx-1"].Confirmations)
	eng.Wait()
	assert.Equal(t, int32(1), n.calls.Load())
}

func TestApplyIsOrderIndependentUnderDuplication(t *testing.T) {
	amounts := map[string]models.Amount{
		"h1": 1 * cmm, "h2": 250_000, "h3": 3 * cmm, "h4": 1, "h5": 7 * cmm,
	}
	var want models.Amount
	var base []Event
	for h, a := range amounts {
		want += a
		base = append(base, event(h, a, 10))
	}

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 25; round++ {
		eng, repo, n := setup(t, want, 1)
		events := append([]Event{}, base...)
		for i := 0; i < 10; i++ {
			events = append(events, base[rng.Intn(len(base))])
		}
		rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })

		for _, ev := range events {
			_, err := eng.Apply(context.Background(), ev)
			require.NoError(t, err)
		}
		rec, err := repo.GetOrder(context.Background(), "order-1")
		require.NoError(t, err)
		assert.Equal(t, want, rec.PaidTotal, "round %d", round)
		assert.True(t, rec.Completed)
		eng.Wait()
		assert.Equal(t, int32(1), n.calls.Load(), "round %d", round)
	}
}

func TestApplyConcurrentDeliveriesCompleteOnce(t *testing.T) {
	eng, repo, n := setup(t, 5*cmm, 1)

	var wg sync.WaitGroup
	var completed atomic.Int32
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hash := "tx-" + string(rune('a'+i%20))
			res, err := eng.Apply(context.Background(), event(hash, cmm, 2))
			if assert.NoError(t, err) && res.Completed {
				completed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	rec, err := repo.GetOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, 20*cmm, rec.PaidTotal)
	assert.Equal(t, int32(1), completed.Load())
	eng.Wait()
	assert.Equal(t, int32(1), n.calls.Load())
}

func TestApplyRejections(t *testing.T) {
	eng, repo, n := setup(t, cmm, 1)
	ctx := context.Background()

	ev := event("tx", cmm, 1)
	ev.OrderID = "nope"
	_, err := eng.Apply(ctx, ev)
	assert.ErrorIs(t, err, ErrUnknownOrder)

	ev = event(" ", cmm, 1)
	_, err = eng.Apply(ctx, ev)
	assert.ErrorIs(t, err, ErrMalformedEvent)

	ev = event("tx", -5, 1)
	_, err = eng.Apply(ctx, ev)
	assert.ErrorIs(t, err, ErrMalformedEvent)

	ev = event("tx", cmm, 1)
	ev.DestinationAddress = "tSomeoneElse"
	_, err = eng.Apply(ctx, ev)
	assert.ErrorIs(t, err, ErrMalformedEvent)

	rec, err := repo.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Empty(t, rec.ReceivedTransactions)
	assert.False(t, rec.Completed)
	eng.Wait()
	assert.Equal(t, int32(0), n.calls.Load())
}

func TestApplyAfterCompletionKeepsRecording(t *testing.T) {
	eng, repo, n := setup(t, cmm, 1)
	ctx := context.Background()

	_, err := eng.Apply(ctx, event("tx-1", cmm, 1))
	require.NoError(t, err)
	res, err := eng.Apply(ctx, event("tx-2", cmm, 1))
	require.NoError(t, err)
	assert.False(t, res.Completed)

	rec, err := repo.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 2*cmm, rec.PaidTotal)
	eng.Wait()
	assert.Equal(t, int32(1), n.calls.Load())
}

type slowNotifier struct {
	started   chan struct{}
	delivered atomic.Int32
	cancelled atomic.Int32
}

func (s *slowNotifier) NotifyCompleted(ctx context.Context, c models.Completion) error {
	close(s.started)
	select {
	case <-time.After(200 * time.Millisecond):
		s.delivered.Add(1)
		return nil
	case <-ctx.Done():
		s.cancelled.Add(1)
		return ctx.Err()
	}
}

func TestCompletionNotifySurvivesCallerCancellation(t *testing.T) {
	repo := store.NewMemory()
	require.NoError(t, repo.CreateOrder(context.Background(), &models.OrderPaymentRecord{
		OrderID:               "order-1",
		ReceivingAddress:      "tShop",
		SecretKey:             "secret",
		RequiredTotal:         cmm,
		ConfirmationsRequired: 1,
		CreatedAt:             time.Now().UTC(),
	}))
	n := &slowNotifier{started: make(chan struct{})}
	eng := New(repo, nil, n, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	res, err := eng.Apply(ctx, event("tx-1", cmm, 1))
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "apply must not wait for the notifier")

	// the order lock is free while the notifier is still running
	<-n.started
	res, err = eng.Apply(context.Background(), event("tx-1", cmm, 2))
	require.NoError(t, err)
	assert.True(t, res.Redelivery)
	assert.False(t, res.Completed)

	eng.Wait()
	assert.Equal(t, int32(1), n.delivered.Load())
	assert.Equal(t, int32(0), n.cancelled.Load())
}

func TestCompletionNotifyIsBounded(t *testing.T) {
	repo := store.NewMemory()
	require.NoError(t, repo.CreateOrder(context.Background(), &models.OrderPaymentRecord{
		OrderID:               "order-1",
		ReceivingAddress:      "tShop",
		RequiredTotal:         cmm,
		ConfirmationsRequired: 1,
		CreatedAt:             time.Now().UTC(),
	}))
	n := &slowNotifier{started: make(chan struct{})}
	eng := New(repo, nil, n, nil)
	eng.NotifyTimeout = 20 * time.Millisecond

	_, err := eng.Apply(context.Background(), event("tx-1", cmm, 1))
	require.NoError(t, err)
	eng.Wait()
	assert.Equal(t, int32(0), n.delivered.Load())
	assert.Equal(t, int32(1), n.cancelled.Load())
}

func TestApplyRejectsOverflowingTotal(t *testing.T) {
	eng, repo, n := setup(t, 10*cmm, 1)
	ctx := context.Background()

	_, err := eng.Apply(ctx, event("tx-1", math.MaxInt64, 1))
	require.NoError(t, err)
	_, err = eng.Apply(ctx, event("tx-2", 2, 1))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	rec, err := repo.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.Amount(math.MaxInt64), rec.PaidTotal)
	assert.Len(t, rec.ReceivedTransactions, 1)
	eng.Wait()
	assert.Equal(t, int32(1), n.calls.Load())
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	// other keys are independent
	unlockB, err := k.Lock(context.Background(), "b")
	require.NoError(t, err)
	unlockB()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	unlock, err = k.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlock()

	k.mu.Lock()
	assert.Empty(t, k.locks)
	k.mu.Unlock()
}
