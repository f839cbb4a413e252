package order

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo mode and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(id)
}

// get returns the live record. Caller must hold the lock.
func (m *MemoryStore) get(id string) (*Order, error) {
	o, ok := m.orders[id]
	if !ok || o.DeletedAt != nil {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.orders[o.ID]
	if !ok || existing.DeletedAt != nil {
		return ErrOrderNotFound
	}
	existing.MerchantID = o.MerchantID
	existing.DriverID = o.DriverID
	existing.PickupAddress = o.PickupAddress
	existing.DeliveryAddress = o.DeliveryAddress
	existing.UpdatedAt = o.UpdatedAt
	return nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, to Status, from ...Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok || o.DeletedAt != nil {
		return false, ErrOrderNotFound
	}

	matched := false
	for _, f := range from {
		if o.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	now := time.Now()
	o.Status = to
	o.UpdatedAt = now
	switch to {
	case StatusAccepted:
		o.AcceptedAt = &now
	case StatusPickedUp:
		o.PickedUpAt = &now
	case StatusDelivered:
		o.DeliveredAt = &now
	case StatusCancelled:
		o.CancelledAt = &now
	}
	return true, nil
}

func (m *MemoryStore) Reject(_ context.Context, id string, clearMerchant, clearDriver bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok || o.DeletedAt != nil {
		return false, ErrOrderNotFound
	}

	switch o.Status {
	case StatusPending, StatusConfirmed, StatusAccepted:
	default:
		return false, nil
	}

	if clearMerchant {
		o.MerchantID = ""
	}
	if clearDriver {
		o.DriverID = ""
	}
	o.Status = StatusPending
	o.AcceptedAt = nil
	o.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) SoftDelete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok || o.DeletedAt != nil {
		return ErrOrderNotFound
	}
	now := time.Now()
	o.DeletedAt = &now
	o.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ListByAccount(_ context.Context, accountID string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.DeletedAt != nil {
			continue
		}
		if o.CustomerID == accountID || o.MerchantID == accountID || o.DriverID == accountID {
			cp := *o
			result = append(result, &cp)
		}
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) List(_ context.Context, status Status, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.DeletedAt != nil {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortNewestFirst(orders []*Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}
