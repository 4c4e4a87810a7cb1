package cursor

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/staticglobal/ta-cloud-exchange-plugins/internal/testutil"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/checkpoint"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/tenant"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/transport"
)

type harness struct {
	api     *testutil.MockTenantAPI
	store   *tenant.MemoryStore
	manager *Manager
	waits   []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{api: testutil.NewMockTenantAPI(), store: tenant.NewMemoryStore()}
	t.Cleanup(h.api.Close)

	client, err := transport.New(transport.DefaultConfig("test-agent"))
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	client.SetSleeper(func(ctx context.Context, d time.Duration) error { return nil })

	h.manager = NewManager(client, h.store, zerolog.Nop())
	h.manager.SetSleeper(func(ctx context.Context, d time.Duration) error {
		h.waits = append(h.waits, d)
		return ctx.Err()
	})

	h.store.Put(h.api.Tenant("acme"))
	return h
}

func (h *harness) tenant(t *testing.T) *tenant.Tenant {
	t.Helper()
	tn, err := h.store.Get(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return tn
}

func TestManager_Create(t *testing.T) {
	h := newHarness(t)
	path := testutil.IteratorPath(ClientStatusName)
	h.api.Script(http.MethodPost, path, testutil.NewCursorCreatedResponse("netskope_ce_cs_iterator_8f2a"))

	name, err := h.manager.Create(context.Background(), h.tenant(t), ClientStatusEventType, ClientStatusName)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if name != "netskope_ce_cs_iterator_8f2a" {
		t.Errorf("Create() = %q, want netskope_ce_cs_iterator_8f2a", name)
	}

	reqs := h.api.Requests()
	if len(reqs) != 1 || reqs[0].Query.Get("eventtype") != "clientstatus" {
		t.Errorf("requests = %+v, want one POST with eventtype=clientstatus", reqs)
	}

	stored := h.tenant(t).Storage.String(checkpoint.IteratorKey(checkpoint.ClientStatusFeature))
	if stored != name {
		t.Errorf("stored cursor = %q, want %q", stored, name)
	}
}

func TestManager_CreateAlreadyExists(t *testing.T) {
	h := newHarness(t)
	path := testutil.IteratorPath(ClientStatusName)
	h.api.Script(http.MethodPost, path, testutil.NewCursorExistsResponse())

	_, err := h.manager.Create(context.Background(), h.tenant(t), ClientStatusEventType, ClientStatusName)
	if !errors.Is(err, ErrCursorAlreadyExists) {
		t.Fatalf("Create() error = %v, want ErrCursorAlreadyExists", err)
	}
	if n := h.api.RequestCount(http.MethodPost, path); n != 1 {
		t.Errorf("POST count = %d, want 1 (never retried)", n)
	}
	if len(h.store.Updates()) != 0 {
		t.Errorf("storage updates = %+v, want none", h.store.Updates())
	}
}

func TestManager_CreateWithoutName(t *testing.T) {
	h := newHarness(t)
	path := testutil.IteratorPath(ClientStatusName)
	h.api.Script(http.MethodPost, path, testutil.MockResponse{StatusCode: http.StatusAccepted, Body: `{"ok": 1}`})

	_, err := h.manager.Create(context.Background(), h.tenant(t), ClientStatusEventType, ClientStatusName)
	if !errors.Is(err, ErrCursorNameMissing) {
		t.Errorf("Create() error = %v, want ErrCursorNameMissing", err)
	}
}

func TestManager_Status(t *testing.T) {
	tests := []struct {
		name string
		resp testutil.MockResponse
		want Status
	}{
		{"ready", testutil.NewCursorStatusResponse("Ready"), StatusReady},
		{"in progress", testutil.NewCursorStatusResponse("InProgress"), StatusInProgress},
		{"failed", testutil.NewCursorStatusResponse("Failed"), StatusFailed},
		{"missing status", testutil.MockResponse{StatusCode: 200, Body: `{"ok": 1}`}, StatusFailed},
		{"unknown status", testutil.NewCursorStatusResponse("Paused"), StatusFailed},
		{"not json", testutil.MockResponse{StatusCode: 200, Body: `garbage`}, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.api.Script(http.MethodGet, testutil.IteratorPath("cs"), tt.resp)

			got, err := h.manager.Status(context.Background(), h.tenant(t), "cs")
			if err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Status() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestManager_PollReady(t *testing.T) {
	h := newHarness(t)
	h.api.Script(http.MethodGet, testutil.IteratorPath("cs"),
		testutil.NewCursorStatusResponse("InProgress"),
		testutil.NewCursorStatusResponse("InProgress"),
		testutil.NewCursorStatusResponse("Ready"),
	)

	status, err := h.manager.PollReady(context.Background(), h.tenant(t), "cs")
	if err != nil {
		t.Fatalf("PollReady() error = %v", err)
	}
	if status != StatusReady {
		t.Errorf("PollReady() = %q, want Ready", status)
	}
	if len(h.waits) != 2 || h.waits[0] != DefaultPollInterval {
		t.Errorf("waits = %v, want two %v polls", h.waits, DefaultPollInterval)
	}
}

func TestManager_PollReadyCancelled(t *testing.T) {
	h := newHarness(t)
	h.api.Script(http.MethodGet, testutil.IteratorPath("cs"), testutil.NewCursorStatusResponse("InProgress"))

	ctx, cancel := context.WithCancel(context.Background())
	h.manager.SetSleeper(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	})

	if _, err := h.manager.PollReady(ctx, h.tenant(t), "cs"); !errors.Is(err, context.Canceled) {
		t.Errorf("PollReady() error = %v, want context.Canceled", err)
	}
}

func TestManager_EnsureClientStatus(t *testing.T) {
	t.Run("creates when storage is empty", func(t *testing.T) {
		h := newHarness(t)
		h.api.Script(http.MethodPost, testutil.IteratorPath(ClientStatusName), testutil.NewCursorCreatedResponse("netskope_ce_cs_1"))
		h.api.Script(http.MethodGet, testutil.IteratorPath("netskope_ce_cs_1"), testutil.NewCursorStatusResponse("Ready"))

		c, err := h.manager.EnsureClientStatus(context.Background(), h.tenant(t))
		if err != nil {
			t.Fatalf("EnsureClientStatus() error = %v", err)
		}
		if c.State != StateReady || c.Name != "netskope_ce_cs_1" {
			t.Errorf("cursor = %+v, want ready netskope_ce_cs_1", c)
		}
	})

	t.Run("reuses stored cursor", func(t *testing.T) {
		h := newHarness(t)
		h.store.Mutate("acme", func(tn *tenant.Tenant) {
			tn.Storage["client_status_iterator"] = []byte(`"netskope_ce_cs_stored"`)
		})
		h.api.Script(http.MethodGet, testutil.IteratorPath("netskope_ce_cs_stored"), testutil.NewCursorStatusResponse("Failed"))

		c, err := h.manager.EnsureClientStatus(context.Background(), h.tenant(t))
		if err != nil {
			t.Fatalf("EnsureClientStatus() error = %v", err)
		}
		if c.State != StateFailed {
			t.Errorf("State = %q, want failed", c.State)
		}
		if n := h.api.RequestCount(http.MethodPost, testutil.IteratorPath(ClientStatusName)); n != 0 {
			t.Errorf("POST count = %d, want 0", n)
		}
	})
}
