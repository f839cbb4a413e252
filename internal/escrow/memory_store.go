package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo mode and tests.
type MemoryStore struct {
	mu      sync.Mutex
	escrows map[string]*Escrow
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateActive(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.escrows {
		if existing.OrderID == e.OrderID && existing.DeletedAt == nil {
			return ErrActiveEscrowExists
		}
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(id)
}

func (m *MemoryStore) get(id string) (*Escrow, error) {
	e, ok := m.escrows[id]
	if !ok || e.DeletedAt != nil {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetActiveByOrder(_ context.Context, orderID string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.escrows {
		if e.OrderID == orderID && e.DeletedAt == nil {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEscrowNotFound
}

func (m *MemoryStore) Update(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.escrows[e.ID]
	if !ok || existing.DeletedAt != nil {
		return ErrEscrowNotFound
	}
	existing.GatewayEscrowRef = e.GatewayEscrowRef
	existing.TransactionRef = e.TransactionRef
	existing.UpdatedAt = e.UpdatedAt
	return nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, to Status, reason string, from ...Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok || e.DeletedAt != nil {
		return false, ErrEscrowNotFound
	}

	matched := false
	for _, f := range from {
		if e.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	now := time.Now()
	e.Status = to
	e.UpdatedAt = now
	switch to {
	case StatusReleased:
		e.ReleasedAt = &now
	case StatusRefunded:
		e.CancelledAt = &now
	}
	if reason != "" {
		e.DisputeReason = reason
	}
	return true, nil
}

func (m *MemoryStore) SoftDelete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok || e.DeletedAt != nil {
		return ErrEscrowNotFound
	}
	if e.Status != StatusReleased && e.Status != StatusRefunded {
		return ErrEscrowNotFound
	}
	now := time.Now()
	e.DeletedAt = &now
	e.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ListByParticipant(_ context.Context, accountID string, limit int) ([]*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.DeletedAt != nil {
			continue
		}
		if e.PayerID != accountID && e.PayeeID != accountID {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return trimNewestFirst(result, limit), nil
}

func (m *MemoryStore) List(_ context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.DeletedAt != nil {
			continue
		}
		if status != "" && e.Status != status {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return trimNewestFirst(result, limit), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, statuses []Status, limit int) ([]*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.DeletedAt != nil {
			continue
		}
		matched := false
		for _, s := range statuses {
			if e.Status == s {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return trimNewestFirst(result, limit), nil
}

func trimNewestFirst(escrows []*Escrow, limit int) []*Escrow {
	sort.Slice(escrows, func(i, j int) bool {
		return escrows[i].CreatedAt.After(escrows[j].CreatedAt)
	})
	if limit > 0 && len(escrows) > limit {
		escrows = escrows[:limit]
	}
	return escrows
}
