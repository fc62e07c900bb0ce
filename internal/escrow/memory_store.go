package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	escrows map[uint64]*Escrow
	lastID  uint64
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[uint64]*Escrow),
	}
}

func (m *MemoryStore) NextID(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	return m.lastID, nil
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.escrows[e.ID]; exists {
		return ErrDuplicateID
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, id uint64, fn func(*Escrow) error) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	m.escrows[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) ListByListing(_ context.Context, listingID, after uint64, limit int) ([]*Escrow, error) {
	return m.list(after, limit, func(e *Escrow) bool { return e.ListingID == listingID }), nil
}

func (m *MemoryStore) ListByPayer(_ context.Context, payer string, after uint64, limit int) ([]*Escrow, error) {
	return m.list(after, limit, func(e *Escrow) bool { return e.Payer == payer }), nil
}

func (m *MemoryStore) ListFunded(_ context.Context, after uint64, limit int) ([]*Escrow, error) {
	return m.list(after, limit, func(e *Escrow) bool {
		return e.State.Funded() && e.NextDeadline() != nil
	}), nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return m.list(0, limit, func(e *Escrow) bool {
		if !e.State.Funded() {
			return false
		}
		next := e.NextDeadline()
		return next != nil && !next.After(before)
	}), nil
}

func (m *MemoryStore) list(after uint64, limit int, match func(*Escrow) bool) []*Escrow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for id, e := range m.escrows {
		if id > after && match(e) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
