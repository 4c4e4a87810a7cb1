package tenant

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_UpdateStorage(t *testing.T) {
	store := NewMemoryStore()
	store.Put(&Tenant{Name: "acme"})
	ctx := context.Background()

	err := store.UpdateStorage(ctx, "acme", map[string]any{
		"first_event_pull.first_audit_pull": false,
		"forbidden_endpoints.audit":         "/api/v2/events/dataexport/events/audit",
	}, nil)
	if err != nil {
		t.Fatalf("UpdateStorage() error = %v", err)
	}

	err = store.UpdateStorage(ctx, "acme", nil, []string{"forbidden_endpoints.audit"})
	if err != nil {
		t.Fatalf("UpdateStorage(unset) error = %v", err)
	}

	got, err := store.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Storage.Bool("first_event_pull.first_audit_pull", true) {
		t.Error("first pull flag should be false")
	}
	if got.Storage.Has("forbidden_endpoints.audit") {
		t.Error("forbidden endpoint should have been unset")
	}
	if n := len(store.Updates()); n != 2 {
		t.Errorf("len(Updates()) = %d, want 2", n)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "ghost"); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("Get() error = %v, want ErrTenantNotFound", err)
	}
	if err := store.UpdateStorage(ctx, "ghost", map[string]any{"a": 1}, nil); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("UpdateStorage() error = %v, want ErrTenantNotFound", err)
	}
}

func TestSnapshotter_ServesWithinStalenessWindow(t *testing.T) {
	store := NewMemoryStore()
	store.Put(&Tenant{Name: "acme", PluginEnabled: true, ModuleEnabled: true})
	snap := NewSnapshotter(store, time.Hour, 8)
	ctx := context.Background()

	first, err := snap.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !first.Enabled() {
		t.Fatal("tenant should start enabled")
	}

	store.Mutate("acme", func(tn *Tenant) { tn.PluginEnabled = false })

	cached, _ := snap.Get(ctx, "acme")
	if !cached.Enabled() {
		t.Error("cached snapshot should still be served inside the staleness window")
	}

	fresh, err := snap.Refresh(ctx, "acme")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if fresh.Enabled() {
		t.Error("Refresh() should observe the disabled plugin")
	}
}

func TestSnapshotter_UpdateInvalidates(t *testing.T) {
	store := NewMemoryStore()
	store.Put(&Tenant{Name: "acme"})
	snap := NewSnapshotter(store, time.Hour, 8)
	ctx := context.Background()

	if _, err := snap.Get(ctx, "acme"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := snap.UpdateStorage(ctx, "acme", map[string]any{"is_v2_token_expired": true}, nil); err != nil {
		t.Fatalf("UpdateStorage() error = %v", err)
	}

	got, _ := snap.Get(ctx, "acme")
	if !got.Storage.Bool("is_v2_token_expired", false) {
		t.Error("snapshot should reflect the write after invalidation")
	}
}

func TestSnapshotter_ExpiresAfterWindow(t *testing.T) {
	store := NewMemoryStore()
	store.Put(&Tenant{Name: "acme"})
	snap := NewSnapshotter(store, 20*time.Millisecond, 8)
	ctx := context.Background()

	if _, err := snap.Get(ctx, "acme"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	store.Delete("acme")

	time.Sleep(60 * time.Millisecond)

	if _, err := snap.Get(ctx, "acme"); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("Get() after expiry error = %v, want ErrTenantNotFound", err)
	}
}
