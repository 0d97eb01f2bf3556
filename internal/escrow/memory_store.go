package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/procurepay/internal/pagination"
	"github.com/mbd888/procurepay/internal/syncutil"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Payment
	entries  map[string][]*Entry
	active   map[string]string // reference_id -> id of the non-terminal record
	captures map[string]string // gateway_ref -> id, never released

	locks *syncutil.KeyedMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		entries:  make(map[string][]*Entry),
		active:   make(map[string]string),
		captures: make(map[string]string),
		locks:    syncutil.NewKeyedMutex(),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, p *Payment, entries []*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[p.ReferenceID]; ok && !p.IsTerminal() {
		return ErrDuplicateReference
	}
	if _, ok := m.captures[p.GatewayRef]; ok && p.GatewayRef != "" {
		return ErrDuplicateCapture
	}
	stamp(p, entries, 0)
	m.payments[p.ID] = p.Clone()
	m.entries[p.ID] = cloneEntries(entries)
	if !p.IsTerminal() {
		m.active[p.ReferenceID] = p.ID
	}
	if p.GatewayRef != "" {
		m.captures[p.GatewayRef] = p.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, fn TransitionFunc) (*Payment, []*Entry, error) {
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	res, err := fn(current)
	if err != nil {
		return nil, nil, err
	}

	next := res.Next.Clone()
	next.ID = current.ID
	stamp(next, res.Entries, current.Version)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[id] = next.Clone()
	m.entries[id] = append(m.entries[id], cloneEntries(res.Entries)...)
	if next.IsTerminal() && m.active[next.ReferenceID] == id {
		delete(m.active, next.ReferenceID)
	}
	return next, res.Entries, nil
}

func (m *MemoryStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.Status == StatusInEscrow && p.ReleaseAt != nil && !p.ReleaseAt.After(before) {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ReleaseAt.Equal(*result[j].ReleaseAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].ReleaseAt.Before(*result[j].ReleaseAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListEntries(ctx context.Context, paymentID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.payments[paymentID]; !ok {
		return nil, ErrNotFound
	}
	return cloneEntries(m.entries[paymentID]), nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, after *pagination.Cursor, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.PayerID != partyID && p.PayeeID != partyID {
			continue
		}
		if after != nil && !newerFirst(after.CreatedAt, after.ID, p.CreatedAt, p.ID) {
			continue
		}
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return newerFirst(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// newerFirst orders by (createdAt, id) descending.
func newerFirst(at1 time.Time, id1 string, at2 time.Time, id2 string) bool {
	if !at1.Equal(at2) {
		return at1.After(at2)
	}
	return id1 > id2
}
