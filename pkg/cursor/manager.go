package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/checkpoint"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/logging"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/tenant"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/transport"
)

// DefaultPollInterval is the wait between readiness polls.
const DefaultPollInterval = 10 * time.Second

var (
	cursorPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_cursor_polls_total",
		Help: "Total cursor readiness polls by reported status",
	}, []string{"status"})

	cursorCreationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_cursor_creations_total",
		Help: "Total cursor provisioning calls by result",
	}, []string{"result"})
)

// generatedName extracts the provisioned cursor name from a 202 body.
var generatedName = regexp.MustCompile(`(netskope_ce[^\s,"]+)`)

// Doer performs tenant API requests. *transport.Client implements it.
type Doer interface {
	Do(ctx context.Context, r transport.Request) (*transport.Response, error)
}

// Manager provisions cursors and polls their readiness.
type Manager struct {
	client   Doer
	store    tenant.Store
	interval time.Duration
	sleep    transport.SleepFunc
	logger   zerolog.Logger
}

// NewManager creates a cursor manager.
func NewManager(client Doer, store tenant.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		client:   client,
		store:    store,
		interval: DefaultPollInterval,
		sleep:    transport.ContextSleep,
		logger:   logger,
	}
}

// SetPollInterval overrides the readiness poll interval.
func (m *Manager) SetPollInterval(d time.Duration) {
	m.interval = d
}

// SetSleeper replaces the poll wait (for testing).
func (m *Manager) SetSleeper(sleep transport.SleepFunc) {
	m.sleep = sleep
}

// IteratorPath is the provisioning and status path of a named cursor.
func IteratorPath(name string) string {
	return "/api/v2/events/dataexport/iterator/" + url.PathEscape(name)
}

// CSVPath is the CSV data path of a provisioned cursor.
func CSVPath(name string) string {
	return IteratorPath(name) + "/events"
}

// Create provisions a cursor for eventType and returns the generated name.
// The name is written to tenant storage before Create returns.
func (m *Manager) Create(ctx context.Context, t *tenant.Tenant, eventType, desiredName string) (string, error) {
	logger := m.logger.With().
		Str("tenant", t.Name).
		Str("cursor", desiredName).
		Logger()

	resp, err := m.client.Do(ctx, transport.Request{
		Tenant: t,
		Method: http.MethodPost,
		Path:   IteratorPath(desiredName),
		Query:  url.Values{"eventtype": {eventType}},
		Op:     "creating iterator " + desiredName,
	})
	if err != nil {
		var se *transport.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusBadRequest &&
			strings.Contains(string(se.Body), AlreadyExistsMarker) {
			cursorCreationsTotal.WithLabelValues("already_exists").Inc()
			logger.Error().
				Str("raw_response", logging.RawResponse(se.Body)).
				Msg("One iterator already exists for the event type. Delete the existing iterator to continue.")
			return "", fmt.Errorf("%w: %s", ErrCursorAlreadyExists, eventType)
		}
		cursorCreationsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("create cursor %s: %w", desiredName, err)
	}

	if resp.StatusCode != http.StatusAccepted {
		cursorCreationsTotal.WithLabelValues("error").Inc()
		logger.Error().
			Int("status_code", resp.StatusCode).
			Str("raw_response", logging.RawResponse(resp.Body)).
			Msg("Unexpected status while creating iterator")
		return "", fmt.Errorf("create cursor %s: unexpected status %d", desiredName, resp.StatusCode)
	}

	match := generatedName.FindSubmatch(resp.Body)
	if match == nil {
		cursorCreationsTotal.WithLabelValues("error").Inc()
		logger.Error().
			Str("raw_response", logging.RawResponse(resp.Body)).
			Msg("Error while storing iterator name in storage")
		return "", fmt.Errorf("%w: %s", ErrCursorNameMissing, desiredName)
	}
	name := string(match[1])

	set := map[string]any{checkpoint.IteratorKey(checkpoint.ClientStatusFeature): name}
	if err := m.store.UpdateStorage(ctx, t.Name, set, nil); err != nil {
		cursorCreationsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("persist cursor name %s: %w", name, err)
	}

	cursorCreationsTotal.WithLabelValues("created").Inc()
	logger.Info().Str("iterator", name).Msg("Successfully created iterator")
	return name, nil
}

type statusBody struct {
	Status string `json:"status"`
}

// Status fetches the readiness of a cursor once. A missing or unknown
// status is reported as StatusFailed and logged with the raw response.
func (m *Manager) Status(ctx context.Context, t *tenant.Tenant, name string) (Status, error) {
	resp, err := m.client.Do(ctx, transport.Request{
		Tenant: t,
		Method: http.MethodGet,
		Path:   IteratorPath(name),
		Op:     "checking status of iterator " + name,
	})
	if err != nil {
		return "", fmt.Errorf("cursor status %s: %w", name, err)
	}

	var body statusBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		body.Status = ""
	}

	status := Status(body.Status)
	switch status {
	case StatusReady, StatusInProgress, StatusFailed:
	default:
		m.logger.Error().
			Str("tenant", t.Name).
			Str("iterator", name).
			Str("raw_response", logging.RawResponse(resp.Body)).
			Msg("Failed to validate the status of iterator")
		status = StatusFailed
	}
	cursorPollsTotal.WithLabelValues(string(status)).Inc()
	return status, nil
}

// PollReady polls until the cursor is Ready or Failed. InProgress waits
// the poll interval and polls again.
func (m *Manager) PollReady(ctx context.Context, t *tenant.Tenant, name string) (Status, error) {
	for {
		status, err := m.Status(ctx, t, name)
		if err != nil {
			return "", err
		}
		switch status {
		case StatusReady:
			m.logger.Debug().
				Str("tenant", t.Name).
				Str("iterator", name).
				Msg("Iterator is ready to fetch the data")
			return status, nil
		case StatusFailed:
			m.logger.Error().
				Str("tenant", t.Name).
				Str("iterator", name).
				Msg("Iterator creation failed. Please retry creating the iterator.")
			return status, nil
		}

		m.logger.Debug().
			Str("tenant", t.Name).
			Str("iterator", name).
			Dur("wait_time", m.interval).
			Msg("Iterator is in progress")
		if err := m.sleep(ctx, m.interval); err != nil {
			return "", fmt.Errorf("poll cursor %s: %w", name, err)
		}
	}
}

// EnsureClientStatus returns the client-status cursor, creating it when
// storage holds none, and polls it to a terminal state.
func (m *Manager) EnsureClientStatus(ctx context.Context, t *tenant.Tenant) (*Cursor, error) {
	c := &Cursor{DataType: "event", Subtype: ClientStatusEventType, State: StateCreating}

	name := t.Storage.String(checkpoint.IteratorKey(checkpoint.ClientStatusFeature))
	if name == "" {
		created, err := m.Create(ctx, t, ClientStatusEventType, ClientStatusName)
		if err != nil {
			c.State = StateFailed
			return c, err
		}
		name = created
	}
	c.Name = name
	c.State = StatePolling

	status, err := m.PollReady(ctx, t, name)
	if err != nil {
		c.State = StateFailed
		return c, err
	}
	if status == StatusReady {
		c.State = StateReady
	} else {
		c.State = StateFailed
	}
	return c, nil
}
