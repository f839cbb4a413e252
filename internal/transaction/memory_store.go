package transaction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tkaluma/custodia/internal/pagination"
)

// MemoryStore is an in-memory transaction store for demo mode and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	txs  map[string]*Transaction // by ID
	refs map[string]string       // reference → ID
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:  make(map[string]*Transaction),
		refs: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.refs[t.Reference]; exists {
		return ErrDuplicateReference
	}
	cp := *t
	m.txs[t.ID] = &cp
	m.refs[t.Reference] = t.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetByReference(_ context.Context, ref string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.refs[ref]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *m.txs[id]
	return &cp, nil
}

func (m *MemoryStore) FindRefundByOriginal(_ context.Context, originalRef string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.txs {
		if t.Type != TypeRefund || t.Metadata.Refund == nil {
			continue
		}
		if t.Metadata.Refund.OriginalReference == originalRef {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) Update(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.txs[t.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if existing.Settled() {
		return ErrImmutable
	}
	existing.PaymentMethod = t.PaymentMethod
	existing.Metadata = t.Metadata
	return nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, to Status, from ...Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[id]
	if !ok {
		return false, ErrTransactionNotFound
	}

	matched := false
	for _, f := range from {
		if t.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	t.Status = to
	if (to == StatusCompleted || to == StatusFailed || to == StatusRefunded) && t.CompletedAt == nil {
		now := time.Now()
		t.CompletedAt = &now
	}
	return true, nil
}

func (m *MemoryStore) Complete(_ context.Context, id, gatewayRef, gatewayTxID string, payload []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[id]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if t.Status != StatusPending {
		return false, nil
	}

	now := time.Now()
	t.Status = StatusCompleted
	t.CompletedAt = &now
	if gatewayRef != "" {
		t.GatewayRef = gatewayRef
	}
	if gatewayTxID != "" {
		t.GatewayTxID = gatewayTxID
	}
	if len(payload) > 0 {
		t.Metadata.Gateway = append([]byte(nil), payload...)
	}
	return true, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Transaction
	for _, t := range m.txs {
		if t.UserID != userID && t.RecipientID != userID {
			continue
		}
		cp := *t
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].InitiatedAt.Equal(all[j].InitiatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].InitiatedAt.After(all[j].InitiatedAt)
	})

	var result []*Transaction
	for _, t := range all {
		if cursor != nil {
			if t.InitiatedAt.After(cursor.CreatedAt) {
				continue
			}
			if t.InitiatedAt.Equal(cursor.CreatedAt) && t.ID >= cursor.ID {
				continue
			}
		}
		result = append(result, t)
		if len(result) == limit+1 {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListStuckPending(_ context.Context, txType Type, olderThan time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txs {
		if t.Status != StatusPending || t.Type != txType {
			continue
		}
		if !t.InitiatedAt.Before(olderThan) {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].InitiatedAt.Before(result[j].InitiatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) SumSettledByEscrow(_ context.Context, escrowID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, t := range m.txs {
		if t.EscrowID != escrowID || t.Status != StatusCompleted {
			continue
		}
		if t.Type == TypeEscrowRelease || t.Type == TypeRefund {
			sum += t.Amount
		}
	}
	return sum, nil
}
