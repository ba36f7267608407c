// Package mobilemoney collects escrow payments through mobile money
// providers and reconciles their asynchronous confirmations.
//
// Providers confirm out of band: a charge is accepted first and settles
// seconds to minutes later. The Orchestrator records every attempt in the
// ledger before calling the provider, and resolves it when a status check
// sees a terminal result. Pollers, HTTP callers and the Reconciler may all
// check the same payment; the ledger's compare-and-set makes sure the
// escrow hears about a completion once.
package mobilemoney

import (
	"context"
	"sort"
	"sync"
)

// Provider is one mobile money operator and its limits. Fees are integer
// basis points of the amount.
type Provider struct {
	Name           string `json:"providerName" yaml:"name"`
	DisplayName    string `json:"displayName" yaml:"display_name"`
	IsActive       bool   `json:"isActive" yaml:"active"`
	MinAmount      int64  `json:"minAmount" yaml:"min_amount"`
	MaxAmount      int64  `json:"maxAmount" yaml:"max_amount"`
	FeeBasisPoints int64  `json:"feeBasisPoints" yaml:"fee_bps"`
}

// Fee returns the provider fee for amount, rounded down.
func (p *Provider) Fee(amount int64) int64 {
	return amount/10000*p.FeeBasisPoints + amount%10000*p.FeeBasisPoints/10000
}

// Accepts reports whether amount is within the provider's limits.
func (p *Provider) Accepts(amount int64) bool {
	return amount >= p.MinAmount && amount <= p.MaxAmount
}

// ProviderStore looks up providers.
type ProviderStore interface {
	Get(ctx context.Context, name string) (*Provider, error)
	List(ctx context.Context) ([]*Provider, error)
	SetActive(ctx context.Context, name string, active bool) error
}

// DefaultProviders is the catalog used when no file or table is configured.
func DefaultProviders() []Provider {
	return []Provider{
		{Name: "orange_money", DisplayName: "Orange Money", IsActive: true, MinAmount: 100, MaxAmount: 1_000_000_000, FeeBasisPoints: 150},
		{Name: "mtn_momo", DisplayName: "MTN Mobile Money", IsActive: true, MinAmount: 100, MaxAmount: 1_000_000_000, FeeBasisPoints: 150},
		{Name: "moov_money", DisplayName: "Moov Money", IsActive: true, MinAmount: 100, MaxAmount: 500_000_000, FeeBasisPoints: 120},
		{Name: "wave", DisplayName: "Wave", IsActive: true, MinAmount: 100, MaxAmount: 1_000_000_000, FeeBasisPoints: 100},
	}
}

// MemoryProviderStore holds a fixed catalog in memory.
type MemoryProviderStore struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewMemoryProviderStore creates a store seeded with providers.
func NewMemoryProviderStore(providers ...Provider) *MemoryProviderStore {
	m := &MemoryProviderStore{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		m.providers[p.Name] = p
	}
	return m
}

var _ ProviderStore = (*MemoryProviderStore)(nil)

func (m *MemoryProviderStore) Get(ctx context.Context, name string) (*Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[name]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (m *MemoryProviderStore) List(ctx context.Context) ([]*Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Provider, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryProviderStore) SetActive(ctx context.Context, name string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[name]
	if !ok {
		return ErrProviderNotFound
	}
	p.IsActive = active
	m.providers[name] = p
	return nil
}
