package puller

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/staticglobal/ta-cloud-exchange-plugins/internal/testutil"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/cursor"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/notify"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/tenant"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/transport"
)

var t0 = time.Date(2024, 5, 10, 14, 37, 0, 0, time.UTC)

// fakeClock advances on every sleep instead of waiting.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	return nil
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

// realSleep keeps workers alive in wall-clock tests.
func realSleep(ctx context.Context, d time.Duration) error {
	return transport.ContextSleep(ctx, time.Millisecond)
}

type stopPolicy bool

func (s stopPolicy) ShouldStop() bool { return bool(s) }

type harness struct {
	api     *testutil.MockTenantAPI
	store   *tenant.MemoryStore
	tenants *tenant.Snapshotter
	clock   *fakeClock
	banners *notify.Recorder
	client  *transport.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		api:     testutil.NewMockTenantAPI(),
		store:   tenant.NewMemoryStore(),
		clock:   &fakeClock{now: t0},
		banners: notify.NewRecorder(),
	}
	t.Cleanup(h.api.Close)
	h.tenants = tenant.NewSnapshotter(h.store, time.Second, 8)

	client, err := transport.New(transport.DefaultConfig("test-agent"))
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	client.SetSleeper(func(ctx context.Context, d time.Duration) error { return nil })
	h.client = client

	h.store.Put(h.api.Tenant("acme"))
	return h
}

func (h *harness) config(mode cursor.Mode) Config {
	cursors := cursor.NewManager(h.client, h.tenants, zerolog.Nop())
	cursors.SetSleeper(h.clock.Sleep)

	return Config{
		TenantName:        "acme",
		DataType:          DataTypeEvent,
		Mode:              mode,
		MaintenanceWindow: 2 * time.Minute,
		Client:            h.client,
		Tenants:           h.tenants,
		Cursors:           cursors,
		Notifier:          h.banners,
		Sleep:             h.clock.Sleep,
		Now:               h.clock.Now,
		Logger:            zerolog.Nop(),
	}
}

func (h *harness) orchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(o.Stop)
	return o
}

func (h *harness) tenant(t *testing.T) *tenant.Tenant {
	t.Helper()
	tn, err := h.store.Get(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return tn
}

// run reconciles subtypes and drains until every worker is done.
func run(t *testing.T, o *Orchestrator, subtypes ...string) []Item {
	t.Helper()
	ctx := context.Background()
	if _, err := o.SetDesiredSubtypes(ctx, subtypes); err != nil {
		t.Fatalf("SetDesiredSubtypes() error = %v", err)
	}
	var items []Item
	for it := range o.Drain(ctx) {
		items = append(items, it)
	}
	return items
}

func batches(items []Item) []Item {
	var out []Item
	for _, it := range items {
		if !it.Terminal {
			out = append(out, it)
		}
	}
	return out
}

func terminals(items []Item) []Item {
	var out []Item
	for _, it := range items {
		if it.Terminal {
			out = append(out, it)
		}
	}
	return out
}

func gunzip(t *testing.T, data []byte) string {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("gunzip error = %v", err)
	}
	return string(out)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
