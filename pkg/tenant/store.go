package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Store reads tenant snapshots and applies field-level storage updates.
type Store interface {
	// Get returns a fresh snapshot, or ErrTenantNotFound.
	Get(ctx context.Context, name string) (*Tenant, error)

	// UpdateStorage sets and unsets individual storage keys. It never
	// replaces the whole document.
	UpdateStorage(ctx context.Context, name string, set map[string]any, unset []string) error
}

// Update records one UpdateStorage call.
type Update struct {
	Tenant string
	Set    map[string]any
	Unset  []string
}

// MemoryStore is an in-process Store. It keeps a log of every update.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
	updates []Update
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*Tenant)}
}

// Put registers or replaces a tenant.
func (m *MemoryStore) Put(t *Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := t.Clone()
	if c.Storage == nil {
		c.Storage = Storage{}
	}
	m.tenants[t.Name] = c
}

// Delete removes a tenant.
func (m *MemoryStore) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants, name)
}

// Mutate applies fn to the stored tenant under the store lock.
func (m *MemoryStore) Mutate(name string, fn func(*Tenant)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tenants[name]; ok {
		fn(t)
	}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, name string) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, name)
	}
	return t.Clone(), nil
}

// UpdateStorage implements Store.
func (m *MemoryStore) UpdateStorage(_ context.Context, name string, set map[string]any, unset []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, name)
	}

	for key, value := range set {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal storage value %s: %w", key, err)
		}
		t.Storage[key] = raw
	}
	for _, key := range unset {
		delete(t.Storage, key)
	}

	copied := make(map[string]any, len(set))
	for k, v := range set {
		copied[k] = v
	}
	m.updates = append(m.updates, Update{
		Tenant: name,
		Set:    copied,
		Unset:  append([]string(nil), unset...),
	})
	return nil
}

// Updates returns a copy of the update log.
func (m *MemoryStore) Updates() []Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Update(nil), m.updates...)
}
