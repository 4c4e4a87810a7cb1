package puller

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/staticglobal/ta-cloud-exchange-plugins/internal/testutil"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/cursor"
)

var pageIndex = cursor.ImplicitName(cursor.DefaultPrefix, DataTypeEvent, "page")

func TestNew_Validation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"missing tenant", func(cfg *Config) { cfg.TenantName = "" }},
		{"unknown data type", func(cfg *Config) { cfg.DataType = "webtx" }},
		{"unknown mode", func(cfg *Config) { cfg.Mode = "sometimes" }},
		{"historical without window", func(cfg *Config) { cfg.Mode = cursor.ModeHistorical }},
		{"historical reversed window", func(cfg *Config) {
			cfg.Mode = cursor.ModeHistorical
			cfg.Start = t0
			cfg.End = t0.Add(-time.Hour)
		}},
		{"missing client", func(cfg *Config) { cfg.Client = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := h.config(cursor.ModeMaintenance)
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	h := newHarness(t)
	cfg := h.config(cursor.ModeMaintenance)
	cfg.MaintenanceWindow = 0
	cfg.Notifier = nil
	cfg.Backpressure = nil

	o := h.orchestrator(t, cfg)

	if o.cfg.QueueSize != DefaultQueueSize || cap(o.queue) != DefaultQueueSize {
		t.Errorf("QueueSize = %d, want %d", o.cfg.QueueSize, DefaultQueueSize)
	}
	if o.cfg.MaintenanceWindow != DefaultMaintenanceWindow {
		t.Errorf("MaintenanceWindow = %v, want %v", o.cfg.MaintenanceWindow, DefaultMaintenanceWindow)
	}
	if o.cfg.Prefix != cursor.DefaultPrefix {
		t.Errorf("Prefix = %q, want %q", o.cfg.Prefix, cursor.DefaultPrefix)
	}
	if o.cfg.Notifier == nil || o.cfg.Backpressure == nil {
		t.Error("Notifier and Backpressure should be defaulted")
	}
}

func TestSetDesiredSubtypes_UnknownSubtype(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, h.config(cursor.ModeMaintenance))

	if _, err := o.SetDesiredSubtypes(context.Background(), []string{"audit", "webtx"}); err == nil {
		t.Error("SetDesiredSubtypes() should reject an unknown subtype")
	}
	if o.Live() != 0 {
		t.Errorf("Live() = %d, want 0", o.Live())
	}
}

// collector drains an orchestrator in the background.
type collector struct {
	mu    sync.Mutex
	items []Item
	done  chan struct{}
}

func collect(ctx context.Context, o *Orchestrator) *collector {
	c := &collector{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for it := range o.Drain(ctx) {
			c.mu.Lock()
			c.items = append(c.items, it)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) wait(t *testing.T) []Item {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not finish")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Item(nil), c.items...)
}

func liveConfig(h *harness) Config {
	cfg := h.config(cursor.ModeMaintenance)
	cfg.Sleep = realSleep
	cfg.Now = time.Now
	cfg.MaintenanceWindow = time.Hour
	return cfg
}

func TestSetDesiredSubtypes_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.api.Script(http.MethodGet, testutil.EventsPath("audit"), testutil.NewJSONPullResponse(nil, 1700000100, 30))
	h.api.Script(http.MethodGet, testutil.EventsPath("page"), testutil.NewJSONPullResponse(nil, 1700000100, 30))

	o := h.orchestrator(t, liveConfig(h))
	ctx := context.Background()
	c := collect(ctx, o)

	rec, err := o.SetDesiredSubtypes(ctx, []string{"audit", "page", "audit"})
	if err != nil {
		t.Fatalf("SetDesiredSubtypes() error = %v", err)
	}
	if diff := cmp.Diff([]string{auditIndex, pageIndex}, rec.Spawned); diff != "" {
		t.Errorf("Spawned mismatch (-want +got):\n%s", diff)
	}

	rec, err = o.SetDesiredSubtypes(ctx, []string{"page", "audit"})
	if err != nil {
		t.Fatalf("SetDesiredSubtypes() error = %v", err)
	}
	if len(rec.Spawned) != 0 || len(rec.Retired) != 0 {
		t.Errorf("second reconciliation = %+v, want no changes", rec)
	}
	if diff := cmp.Diff([]string{auditIndex, pageIndex}, o.Running()); diff != "" {
		t.Errorf("Running mismatch (-want +got):\n%s", diff)
	}

	o.Stop()
	items := c.wait(t)
	if got := len(terminals(items)); got != 2 {
		t.Errorf("len(terminals) = %d, want 2", got)
	}
	if o.Live() != 0 {
		t.Errorf("Live() = %d, want 0", o.Live())
	}
	if _, err := o.SetDesiredSubtypes(ctx, []string{"audit"}); !errors.Is(err, ErrStopped) {
		t.Errorf("SetDesiredSubtypes() after Stop error = %v, want ErrStopped", err)
	}
}

func TestSetDesiredSubtypes_Retire(t *testing.T) {
	h := newHarness(t)
	h.api.Script(http.MethodGet, testutil.EventsPath("audit"), testutil.NewJSONPullResponse(nil, 1700000100, 30))
	h.api.Script(http.MethodGet, testutil.EventsPath("page"), testutil.NewJSONPullResponse(nil, 1700000100, 30))

	o := h.orchestrator(t, liveConfig(h))
	ctx := context.Background()
	c := collect(ctx, o)

	if _, err := o.SetDesiredSubtypes(ctx, []string{"audit", "page"}); err != nil {
		t.Fatalf("SetDesiredSubtypes() error = %v", err)
	}
	rec, err := o.SetDesiredSubtypes(ctx, []string{"audit"})
	if err != nil {
		t.Fatalf("SetDesiredSubtypes() error = %v", err)
	}
	if diff := cmp.Diff([]string{pageIndex}, rec.Retired); diff != "" {
		t.Errorf("Retired mismatch (-want +got):\n%s", diff)
	}

	eventually(t, func() bool { return len(o.Running()) == 1 }, "retired worker exits")
	if diff := cmp.Diff([]string{auditIndex}, o.Running()); diff != "" {
		t.Errorf("Running mismatch (-want +got):\n%s", diff)
	}
	results := o.Results()
	if len(results) != 1 || results[0].Index != pageIndex || results[0].Err != nil {
		t.Errorf("Results() = %+v, want a clean exit of %s", results, pageIndex)
	}

	o.Stop()
	c.wait(t)
}

func TestDrain_BlocksWithoutLoss(t *testing.T) {
	h := newHarness(t)
	h.api.Script(http.MethodGet, testutil.EventsPath("audit"), testutil.NewJSONPullResponse([]string{"a"}, 1700000100, 30))

	cfg := h.config(cursor.ModeMaintenance)
	cfg.QueueSize = 1
	o := h.orchestrator(t, cfg)
	ctx := context.Background()

	if _, err := o.SetDesiredSubtypes(ctx, []string{"audit"}); err != nil {
		t.Fatalf("SetDesiredSubtypes() error = %v", err)
	}

	eventually(t, func() bool {
		depth, _ := o.QueueDepth(ctx)
		return depth == 1
	}, "queue fills")
	time.Sleep(20 * time.Millisecond)
	if o.Live() != 1 {
		t.Errorf("Live() = %d, want 1 while the queue is full", o.Live())
	}

	var items []Item
	for it := range o.Drain(ctx) {
		items = append(items, it)
	}
	if got := len(batches(items)); got != 4 {
		t.Errorf("len(batches) = %d, want 4", got)
	}
	if got := len(terminals(items)); got != 1 {
		t.Errorf("len(terminals) = %d, want 1", got)
	}
}

func TestDrain_CancelStopsWorkers(t *testing.T) {
	h := newHarness(t)
	h.api.Script(http.MethodGet, testutil.EventsPath("audit"), testutil.NewJSONPullResponse([]string{"a"}, 1700000100, 30))
	h.api.Script(http.MethodGet, testutil.EventsPath("page"), testutil.NewJSONPullResponse([]string{"b"}, 1700000100, 30))

	o := h.orchestrator(t, liveConfig(h))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := o.SetDesiredSubtypes(ctx, []string{"audit", "page"}); err != nil {
		t.Fatalf("SetDesiredSubtypes() error = %v", err)
	}

	var items []Item
	for it := range o.Drain(ctx) {
		items = append(items, it)
		if len(items) == 3 {
			cancel()
		}
	}

	if o.Live() != 0 {
		t.Errorf("Live() = %d, want 0", o.Live())
	}
	if got := len(terminals(items)); got != 2 {
		t.Errorf("len(terminals) = %d, want 2", got)
	}
	if err := o.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestDrain_EarlyBreak(t *testing.T) {
	h := newHarness(t)
	h.api.Script(http.MethodGet, testutil.EventsPath("audit"), testutil.NewJSONPullResponse([]string{"a"}, 1700000100, 30))

	o := h.orchestrator(t, h.config(cursor.ModeMaintenance))
	ctx := context.Background()
	if _, err := o.SetDesiredSubtypes(ctx, []string{"audit"}); err != nil {
		t.Fatalf("SetDesiredSubtypes() error = %v", err)
	}

	var first []Item
	for it := range o.Drain(ctx) {
		first = append(first, it)
		break
	}
	var rest []Item
	for it := range o.Drain(ctx) {
		rest = append(rest, it)
	}
	if len(first) != 1 || len(first)+len(rest) != 5 {
		t.Errorf("items = %d + %d, want 1 + 4", len(first), len(rest))
	}
}

func TestSetDesiredSubtypes_ClientStatus(t *testing.T) {
	t.Run("historical skips client status", func(t *testing.T) {
		h := newHarness(t)
		cfg, _, _ := historicalConfig(h)
		o := h.orchestrator(t, cfg)

		rec, err := o.SetDesiredSubtypes(context.Background(), []string{"clientstatus"})
		if err != nil {
			t.Fatalf("SetDesiredSubtypes() error = %v", err)
		}
		if len(rec.Spawned) != 0 || len(rec.Skipped) != 1 {
			t.Errorf("reconciliation = %+v, want one skipped index", rec)
		}
		if len(h.api.Requests()) != 0 {
			t.Errorf("requests = %d, want 0", len(h.api.Requests()))
		}
	})

	t.Run("failed cursor is not pulled", func(t *testing.T) {
		h := newHarness(t)
		const name = "netskope_ce_cs_iterator_1"
		h.api.Script(http.MethodPost, testutil.IteratorPath(cursor.ClientStatusName), testutil.NewCursorCreatedResponse(name))
		h.api.Script(http.MethodGet, testutil.IteratorPath(name), testutil.NewCursorStatusResponse("Failed"))
		o := h.orchestrator(t, h.config(cursor.ModeMaintenance))

		rec, err := o.SetDesiredSubtypes(context.Background(), []string{"clientstatus"})
		if err != nil {
			t.Fatalf("SetDesiredSubtypes() error = %v", err)
		}
		if len(rec.Spawned) != 0 || len(rec.Skipped) != 1 {
			t.Errorf("reconciliation = %+v, want one skipped index", rec)
		}
		if got := h.api.RequestCount(http.MethodGet, cursor.CSVPath(name)); got != 0 {
			t.Errorf("csv requests = %d, want 0", got)
		}
	})

	t.Run("existing cursor without stored name", func(t *testing.T) {
		h := newHarness(t)
		h.api.Script(http.MethodPost, testutil.IteratorPath(cursor.ClientStatusName), testutil.NewCursorExistsResponse())
		o := h.orchestrator(t, h.config(cursor.ModeMaintenance))

		_, err := o.SetDesiredSubtypes(context.Background(), []string{"clientstatus"})
		if !errors.Is(err, cursor.ErrCursorAlreadyExists) {
			t.Errorf("SetDesiredSubtypes() error = %v, want ErrCursorAlreadyExists", err)
		}
	})
}
