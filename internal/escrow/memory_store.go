package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/homesettle/internal/pagination"
)

// MemoryStore keeps accounts in memory for development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

var _ Store = (*MemoryStore)(nil)

func copyAccount(a *Account) *Account {
	cp := *a
	if a.ReleaseConditions.CoolingPeriodEnd != nil {
		t := *a.ReleaseConditions.CoolingPeriodEnd
		cp.ReleaseConditions.CoolingPeriodEnd = &t
	}
	if a.ReleasedAt != nil {
		t := *a.ReleasedAt
		cp.ReleasedAt = &t
	}
	if a.CancelledAt != nil {
		t := *a.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[a.ID]; exists {
		return invalid("escrow %s already exists", a.ID)
	}
	m.accounts[a.ID] = copyAccount(a)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyAccount(a), nil
}

func (m *MemoryStore) Update(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.accounts[a.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if current.Version != a.Version {
		return ErrVersionConflict
	}
	a.Version++
	m.accounts[a.ID] = copyAccount(a)
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Account
	for _, a := range m.accounts {
		if a.IsParty(userID) && cursor.Before(a.CreatedAt, a.ID) {
			out = append(out, copyAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Account
	for _, a := range m.accounts {
		if a.Expired(now) {
			out = append(out, copyAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
