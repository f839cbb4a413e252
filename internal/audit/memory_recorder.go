package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryRecorder stores audit entries in memory for demo/testing.
type MemoryRecorder struct {
	entries []*Entry
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryRecorder creates an in-memory audit recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

var _ Recorder = (*MemoryRecorder)(nil)
var _ Querier = (*MemoryRecorder)(nil)

func (r *MemoryRecorder) Record(_ context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	cp := *entry
	cp.ID = r.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.entries = append(r.entries, &cp)
	return nil
}

func (r *MemoryRecorder) Query(_ context.Context, entityType, entityID string, from, to time.Time, limit int) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Entry
	// Iterate in reverse for descending order
	for i := len(r.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := r.entries[i]
		if e.EntityType != entityType || e.EntityID != entityID {
			continue
		}
		if !from.IsZero() && e.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && e.CreatedAt.After(to) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Entries returns all stored audit entries (for testing).
func (r *MemoryRecorder) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Entry, len(r.entries))
	copy(result, r.entries)
	return result
}
