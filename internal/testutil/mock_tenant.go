// Package testutil provides a scriptable mock of the tenant export API.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/tenant"
)

// MockResponse defines the behavior for one mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is one request seen by the mock.
type RecordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

// MockTenantAPI is a configurable mock tenant export API for testing.
// Each path holds a script of responses served in order; the last one
// repeats once the script is used up.
type MockTenantAPI struct {
	server   *httptest.Server
	mu       sync.Mutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	scripts  map[string][]MockResponse
	served   map[string]int
	requests []RecordedRequest
}

// NewMockTenantAPI creates and starts a mock tenant API server.
func NewMockTenantAPI() *MockTenantAPI {
	mock := &MockTenantAPI{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
		scripts:  make(map[string][]MockResponse),
		served:   make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path

		mock.mu.Lock()
		mock.requests = append(mock.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
		})
		handler, hasHandler := mock.handlers[key]
		var resp MockResponse
		script, hasScript := mock.scripts[key]
		if !hasHandler && hasScript {
			i := mock.served[key]
			if i >= len(script) {
				i = len(script) - 1
			}
			resp = script[i]
			mock.served[key]++
		}
		mock.mu.Unlock()

		switch {
		case hasHandler:
			handler(w, r)
		case hasScript:
			writeResponse(w, resp)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `{"message":"no mock for %s"}`, key)
		}
	}))

	return mock
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// URL returns the mock server URL.
func (m *MockTenantAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockTenantAPI) Close() {
	m.server.Close()
}

// Tenant returns an enabled tenant pointing at the mock.
func (m *MockTenantAPI) Tenant(name string) *tenant.Tenant {
	return &tenant.Tenant{
		Name:          name,
		Hostname:      m.server.URL,
		Token:         "test-token",
		PluginEnabled: true,
		ModuleEnabled: true,
		Storage:       tenant.Storage{},
	}
}

// SetHandler sets a custom handler for a method and path.
func (m *MockTenantAPI) SetHandler(method, path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method+" "+path] = handler
}

// Script sets the responses served, in order, for a method and path.
func (m *MockTenantAPI) Script(method, path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := method + " " + path
	m.scripts[key] = responses
	m.served[key] = 0
}

// Requests returns every request seen so far.
func (m *MockTenantAPI) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestCount returns the number of requests for a method and path.
func (m *MockTenantAPI) RequestCount(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// EventsPath is the JSON data path of an event subtype.
func EventsPath(subtype string) string {
	return "/api/v2/events/dataexport/events/" + subtype
}

// AlertsPath is the JSON data path of an alert subtype.
func AlertsPath(subtype string) string {
	return "/api/v2/events/dataexport/alerts/" + subtype
}

// IteratorPath is the provisioning/status path of a cursor.
func IteratorPath(name string) string {
	return "/api/v2/events/dataexport/iterator/" + name
}

// NewJSONPullResponse creates a token-protocol pull body.
func NewJSONPullResponse(ids []string, hwm int64, waitTime int) MockResponse {
	var b strings.Builder
	b.WriteString(`{"ok": 1, "result": [`)
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, `{"_id": %q, "timestamp": %d}`, id, hwm)
	}
	fmt.Fprintf(&b, `], "timestamp_hwm": %d, "wait_time": %d}`, hwm, waitTime)
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       b.String(),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewHistoricalResponse creates a historical pull body with explicit record timestamps.
func NewHistoricalResponse(timestamps []int64, hwm int64, waitTime int) MockResponse {
	var b strings.Builder
	b.WriteString(`{"ok": 1, "result": [`)
	for i, ts := range timestamps {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, `{"_id": "r%d", "timestamp": %d}`, i, ts)
	}
	fmt.Fprintf(&b, `], "timestamp_hwm": %d, "wait_time": %d}`, hwm, waitTime)
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       b.String(),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewCSVResponse creates a CSV pull response with optional schema headers.
func NewCSVResponse(body, schemaHeaders string) MockResponse {
	headers := map[string]string{"Content-Type": "text/csv"}
	if schemaHeaders != "" {
		headers["schema_headers"] = schemaHeaders
	}
	return MockResponse{StatusCode: http.StatusOK, Body: body, Headers: headers}
}

// NewEmptyResponse creates a 200 response without a body.
func NewEmptyResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusOK, Headers: map[string]string{"Content-Type": "application/json"}}
}

// NewStatusResponse creates a bare error response.
func NewStatusResponse(status int, body string) MockResponse {
	return MockResponse{StatusCode: status, Body: body, Headers: map[string]string{"Content-Type": "application/json"}}
}

// NewRateLimitResponse creates a 429 response with Retry-After.
func NewRateLimitResponse(retryAfter int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After":  fmt.Sprint(retryAfter),
			"Content-Type": "application/json",
		},
	}
}

// NewCursorCreatedResponse creates a 202 provisioning response.
func NewCursorCreatedResponse(name string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusAccepted,
		Body:       fmt.Sprintf(`{"ok": 1, "message": "Iterator %s created, it will be ready shortly"}`, name),
	}
}

// NewCursorExistsResponse creates the 400 "one iterator per event type" response.
func NewCursorExistsResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       `{"message": "Only one iterator is allowed per event type. Please use the existing iterator"}`,
	}
}

// NewCursorStatusResponse creates a cursor status response.
func NewCursorStatusResponse(status string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       fmt.Sprintf(`{"status": %q}`, status),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}
