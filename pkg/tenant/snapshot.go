package tenant

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultStaleness is how long a cached snapshot is served before re-reading.
const DefaultStaleness = 5 * time.Second

// Snapshotter is a read-through Store with a bounded staleness window.
// Writes go straight to the underlying store and invalidate the snapshot.
type Snapshotter struct {
	store Store
	cache *expirable.LRU[string, *Tenant]
}

// NewSnapshotter wraps store with a cache of up to size tenants.
func NewSnapshotter(store Store, staleness time.Duration, size int) *Snapshotter {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	if size <= 0 {
		size = 64
	}
	return &Snapshotter{
		store: store,
		cache: expirable.NewLRU[string, *Tenant](size, nil, staleness),
	}
}

// Get returns a snapshot no older than the staleness window.
func (s *Snapshotter) Get(ctx context.Context, name string) (*Tenant, error) {
	if t, ok := s.cache.Get(name); ok {
		SnapshotLookups.WithLabelValues("hit").Inc()
		return t.Clone(), nil
	}
	SnapshotLookups.WithLabelValues("miss").Inc()
	return s.load(ctx, name)
}

// Refresh bypasses the cache and re-reads the tenant from the store.
func (s *Snapshotter) Refresh(ctx context.Context, name string) (*Tenant, error) {
	SnapshotLookups.WithLabelValues("refresh").Inc()
	return s.load(ctx, name)
}

// UpdateStorage implements Store.
func (s *Snapshotter) UpdateStorage(ctx context.Context, name string, set map[string]any, unset []string) error {
	defer s.cache.Remove(name)
	return s.store.UpdateStorage(ctx, name, set, unset)
}

// Invalidate drops the cached snapshot of a tenant.
func (s *Snapshotter) Invalidate(name string) {
	s.cache.Remove(name)
}

func (s *Snapshotter) load(ctx context.Context, name string) (*Tenant, error) {
	t, err := s.store.Get(ctx, name)
	if err != nil {
		s.cache.Remove(name)
		return nil, err
	}
	s.cache.Add(name, t)
	return t.Clone(), nil
}
