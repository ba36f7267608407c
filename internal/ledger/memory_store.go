package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger for development mode and tests.
// All checks and writes happen under one mutex, which makes CreatePending
// an atomic check-and-insert.
type MemoryStore struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
}

// NewMemoryStore creates an empty ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

func copyTx(t *Transaction) *Transaction {
	cp := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	if t.FailedAt != nil {
		at := *t.FailedAt
		cp.FailedAt = &at
	}
	return &cp
}

func (m *MemoryStore) CreatePending(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.txs {
		if existing.EscrowAccountID == tx.EscrowAccountID &&
			existing.Type == tx.Type &&
			existing.Status == StatusPending {
			return &DuplicatePaymentError{EscrowID: tx.EscrowAccountID, Type: tx.Type, ExistingID: existing.ID}
		}
	}
	m.txs[tx.ID] = copyTx(tx)
	return nil
}

func (m *MemoryStore) Append(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.txs {
		switch {
		case tx.Type == TypeRefund && tx.RelatedTransactionID != "" &&
			existing.Type == TypeRefund && existing.RelatedTransactionID == tx.RelatedTransactionID:
			return ErrAlreadyRefunded
		case tx.Type == TypeRelease &&
			existing.Type == TypeRelease && existing.EscrowAccountID == tx.EscrowAccountID:
			return ErrAlreadyReleased
		}
	}
	m.txs[tx.ID] = copyTx(tx)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTx(tx), nil
}

func (m *MemoryStore) AttachProvider(ctx context.Context, id, providerTxID, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != StatusPending {
		return ErrNotPending
	}
	tx.ProviderTransactionID = providerTxID
	tx.ProviderReference = reference
	return nil
}

func (m *MemoryStore) Complete(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if tx.Status != StatusPending {
		return false, nil
	}
	tx.Status = StatusCompleted
	tx.CompletedAt = &at
	return true, nil
}

func (m *MemoryStore) Fail(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if tx.Status != StatusPending {
		return false, nil
	}
	tx.Status = StatusFailed
	tx.FailureReason = reason
	tx.FailedAt = &at
	return true, nil
}

func (m *MemoryStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, tx := range m.txs {
		if tx.EscrowAccountID == escrowID {
			out = append(out, copyTx(tx))
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *MemoryStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, tx := range m.txs {
		if tx.Status == StatusPending && tx.Type.Inbound() && tx.CreatedAt.Before(olderThan) {
			out = append(out, copyTx(tx))
		}
	}
	sortOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortOldestFirst(txs []*Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].ID < txs[j].ID
		}
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
