package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"CMMPayWatch/internal/models"
)

// Memory is an in-process Store with the same semantics as the Postgres one.
// It is used by tests and single-node development runs.
type Memory struct {
	mu        sync.Mutex
	orders    map[string]*models.OrderPaymentRecord
	addresses map[string]string
	sightings []models.Sighting
	nextIndex int64
}

func NewMemory() *Memory {
	return &Memory{
		orders:    map[string]*models.OrderPaymentRecord{},
		addresses: map[string]string{},
	}
}

func (m *Memory) NextDerivationIndex(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.nextIndex
	m.nextIndex++
	return idx, nil
}

func (m *Memory) CreateOrder(ctx context.Context, rec *models.OrderPaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[rec.OrderID]; ok {
		return ErrOrderExists
	}
	if _, ok := m.addresses[rec.ReceivingAddress]; ok {
		return ErrAddressInUse
	}
	c := rec.Clone()
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	c.PaidTotal = 0
	c.Completed = false
	c.UpdatedAt = c.CreatedAt
	m.orders[c.OrderID] = c
	m.addresses[c.ReceivingAddress] = c.OrderID
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, orderID string) (*models.OrderPaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) ListOrders(ctx context.Context, f Filter) ([]*models.OrderPaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.OrderPaymentRecord
	for _, rec := range m.orders {
		if f.Completed != nil && rec.Completed != *f.Completed {
			continue
		}
		if f.Address != "" && rec.ReceivingAddress != f.Address {
			continue
		}
		c := rec.Clone()
		c.ReceivedTransactions = map[string]models.ReceivedTx{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && uint64(len(out)) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ListPendingOrders(ctx context.Context) ([]*models.OrderPaymentRecord, error) {
	pending := false
	return m.ListOrders(ctx, Filter{Completed: &pending})
}

func (m *Memory) Update(ctx context.Context, orderID string, fn func(*models.OrderPaymentRecord) error) (*models.OrderPaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	work := rec.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = time.Now().UTC()
	m.orders[orderID] = work
	return work.Clone(), nil
}

func (m *Memory) RecordSighting(ctx context.Context, sg models.Sighting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sightings = append(m.sightings, sg)
	return nil
}

func (m *Memory) Sightings(orderID string) []models.Sighting {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Sighting
	for _, sg := range m.sightings {
		if sg.OrderID == orderID {
			out = append(out, sg)
		}
	}
	return out
}
