package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"CMMPayWatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(id, addr string) *models.OrderPaymentRecord {
	return &models.OrderPaymentRecord{
		OrderID:               id,
		ReceivingAddress:      addr,
		SecretKey:             "s-" + id,
		RequiredTotal:         1_000_000_000,
		ConfirmationsRequired: 3,
		CreatedAt:             time.Now().UTC(),
	}
}

func TestMemoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateOrder(ctx, newRecord("o1", "addr1")))

	assert.ErrorIs(t, m.CreateOrder(ctx, newRecord("o1", "addr2")), ErrOrderExists)
	assert.ErrorIs(t, m.CreateOrder(ctx, newRecord("o2", "addr1")), ErrAddressInUse)

	rec, err := m.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "addr1", rec.ReceivingAddress)

	_, err = m.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateOrder(ctx, newRecord("o1", "addr1")))

	boom := errors.New("boom")
	_, err := m.Update(ctx, "o1", func(r *models.OrderPaymentRecord) error {
		r.ReceivedTransactions["h"] = models.ReceivedTx{TxHash: "h", Amount: 5}
		_, _ = r.Recompute()
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rec, err := m.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, rec.ReceivedTransactions)
	assert.Equal(t, models.Amount(0), rec.PaidTotal)

	_, err = m.Update(ctx, "nope", func(*models.OrderPaymentRecord) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryNextDerivationIndexIsUnique(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int64]bool{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, err := m.NextDerivationIndex(ctx)
			assert.NoError(t, err)
			mu.Lock()
			seen[idx] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestMemoryListOrders(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		rec := newRecord(id, "addr-"+id)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, m.CreateOrder(ctx, rec))
	}
	_, err := m.Update(ctx, "b", func(r *models.OrderPaymentRecord) error {
		r.Completed = true
		return nil
	})
	require.NoError(t, err)

	pending, err := m.ListPendingOrders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].OrderID)
	assert.Equal(t, "c", pending[1].OrderID)

	byAddr, err := m.ListOrders(ctx, Filter{Address: "addr-b"})
	require.NoError(t, err)
	require.Len(t, byAddr, 1)
	assert.True(t, byAddr[0].Completed)

	limited, err := m.ListOrders(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
