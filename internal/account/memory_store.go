package account

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory account store for demo/development mode.
type MemoryStore struct {
	accounts   map[string]*Account // by ID
	byWallet   map[string]string   // lowercased wallet → ID
	byCustomer map[string]string   // stripe customer → ID
	byReferral map[string]string   // referral code → ID
	processed  map[string]bool     // source + "\x00" + eventID
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]*Account),
		byWallet:   make(map[string]string),
		byCustomer: make(map[string]string),
		byReferral: make(map[string]string),
		processed:  make(map[string]bool),
	}
}

func (m *MemoryStore) Create(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.ID]; ok {
		return ErrAlreadyExists
	}
	if a.WalletAddress != "" {
		if _, ok := m.byWallet[strings.ToLower(a.WalletAddress)]; ok {
			return ErrWalletTaken
		}
	}
	if _, ok := m.byReferral[a.ReferralCode]; ok {
		return ErrReferralTaken
	}

	cp := *a
	m.accounts[a.ID] = &cp
	if a.WalletAddress != "" {
		m.byWallet[strings.ToLower(a.WalletAddress)] = a.ID
	}
	if a.StripeCustomerID != "" {
		m.byCustomer[a.StripeCustomerID] = a.ID
	}
	m.byReferral[a.ReferralCode] = a.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyOf(id)
}

func (m *MemoryStore) GetByWallet(ctx context.Context, wallet string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byWallet[strings.ToLower(wallet)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.copyOf(id)
}

func (m *MemoryStore) GetByStripeCustomer(ctx context.Context, customerID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCustomer[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.copyOf(id)
}

func (m *MemoryStore) GetByReferralCode(ctx context.Context, code string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byReferral[code]
	if !ok {
		return nil, ErrNotFound
	}
	return m.copyOf(id)
}

func (m *MemoryStore) Update(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.accounts[a.ID]
	if !ok {
		return ErrNotFound
	}

	// Referral code and referrer code are immutable after creation.
	a.ReferralCode = prev.ReferralCode
	if prev.ReferrerCode != "" {
		a.ReferrerCode = prev.ReferrerCode
	}
	a.UpdatedAt = time.Now()

	cp := *a
	m.accounts[a.ID] = &cp
	if a.WalletAddress != "" {
		m.byWallet[strings.ToLower(a.WalletAddress)] = a.ID
	}
	if a.StripeCustomerID != "" {
		m.byCustomer[a.StripeCustomerID] = a.ID
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, offset, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if offset >= len(ids) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(ids) {
		end = len(ids)
	}

	result := make([]*Account, 0, end-offset)
	for _, id := range ids[offset:end] {
		cp := *m.accounts[id]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) MarkEventProcessed(ctx context.Context, source, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := source + "\x00" + eventID
	if m.processed[key] {
		return false, nil
	}
	m.processed[key] = true
	return true, nil
}

// copyOf returns a copy of the stored account; callers hold at least RLock.
func (m *MemoryStore) copyOf(id string) (*Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}
