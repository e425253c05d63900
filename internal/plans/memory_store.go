package plans

import (
	"context"
	"sync"
)

// MemoryStore serves the built-in catalogue, for demo/development mode.
type MemoryStore struct {
	plans map[string]*Plan
	mu    sync.RWMutex
}

// NewMemoryStore creates a memory store pre-loaded with Defaults.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{plans: make(map[string]*Plan)}
	for _, p := range Defaults() {
		m.plans[p.Name] = p
	}
	return m
}

func (m *MemoryStore) Lookup(ctx context.Context, name string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[name]
	if !ok {
		return nil, ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Plan, 0, len(m.plans))
	for _, p := range m.plans {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// Put replaces or adds a plan. Used by tests to exercise catalogue gaps.
func (m *MemoryStore) Put(p *Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.plans[p.Name] = &cp
}

// Delete removes a plan from the catalogue.
func (m *MemoryStore) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.plans, name)
}
