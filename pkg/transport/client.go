// Package transport provides the tenant export API HTTP client: auth and
// identification headers, proxy selection, rate limit gating, and an
// explicit retry policy with error classification.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/ratelimit"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/tenant"
)

// Prometheus metrics for tenant API requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_requests_total",
		Help: "Total tenant API requests by operation and status",
	}, []string{"op", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "export_request_duration_seconds",
		Help:    "Tenant API request duration in seconds by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"op"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_errors_total",
		Help: "Total tenant API errors by class",
	}, []string{"class"})
)

// InstallationIDHeader identifies this installation to the tenant API.
const InstallationIDHeader = "X-CE-Installation-Id"

// UserAgent builds the user agent string sent to the tenant API.
func UserAgent(base, plugin, version string) string {
	return fmt.Sprintf("%s-tenant-%s-v%s", base, strings.ToLower(plugin), version)
}

// Config holds the client configuration.
type Config struct {
	// UserAgent header (required).
	UserAgent string

	// InstallationID is sent in X-CE-Installation-Id. Generated when empty.
	InstallationID string

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// Retry is the default policy for Do. Requests may override it.
	Retry RetryPolicy

	// RateLimiter is optional. When set, every attempt waits on the tenant
	// budget and responses update it.
	RateLimiter *ratelimit.Tracker
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent: userAgent,
		Timeout:   120 * time.Second,
		Retry:     DefaultRetryPolicy(),
	}
}

// Client performs authenticated requests against tenant export APIs.
// It is safe for concurrent use by multiple workers.
type Client struct {
	httpClient *http.Client
	config     Config
	sleep      SleepFunc
	logger     zerolog.Logger
}

// New creates a new tenant API client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.InstallationID == "" {
		cfg.InstallationID = uuid.NewString()
	} else if _, err := uuid.Parse(cfg.InstallationID); err != nil {
		return nil, fmt.Errorf("invalid installation id: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               proxyFromContext,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		config: cfg,
		sleep:  ContextSleep,
		logger: log.With().Str("component", "transport").Logger(),
	}, nil
}

// Request describes one tenant API call.
type Request struct {
	Tenant *tenant.Tenant
	Method string

	// Path is appended to the tenant base URL.
	Path  string
	Query url.Values

	// Op names the operation for errors, logs and metrics.
	Op string

	// Validation marks requests made while validating configuration.
	Validation bool

	// Retry overrides the client policy when non-nil.
	Retry *RetryPolicy
}

// Response is a fully read tenant API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

// Do performs a request with rate limiting, retry, and error classification.
// Any non-2xx status ends as a *StatusError; retries exhausted on a
// retryable class are additionally wrapped in ErrRetryExhausted.
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	if r.Tenant == nil {
		return nil, fmt.Errorf("request %q: tenant is required", r.Op)
	}
	if r.Method == "" {
		r.Method = http.MethodGet
	}

	target := r.Tenant.BaseURL() + r.Path
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}

	policy := c.config.Retry
	if r.Retry != nil {
		policy = *r.Retry
	}

	logger := c.logger.With().
		Str("tenant", r.Tenant.Name).
		Str("op", r.Op).
		Logger()

	var out *Response
	err := RetryWithBackoff(ctx, policy, c.sleep, logger, func(attempt int) error {
		resp, err := c.attempt(ctx, r, target, logger)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) attempt(ctx context.Context, r Request, target string, logger zerolog.Logger) (*Response, error) {
	if c.config.RateLimiter != nil {
		if err := c.config.RateLimiter.Wait(ctx, r.Tenant.Name); err != nil {
			return nil, &NetworkError{Op: r.Op, Err: err}
		}
	}

	// An issued request runs to completion so a response the server has
	// already committed to is never dropped.
	reqCtx := context.WithoutCancel(ctx)
	req, err := http.NewRequestWithContext(withProxy(reqCtx, r.Tenant), r.Method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.Tenant.Token)
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set(InstallationIDHeader, c.config.InstallationID)

	logger.Debug().
		Str("method", r.Method).
		Str("path", r.Path).
		Msg("Executing tenant API request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.WithLabelValues(r.Op).Observe(time.Since(start).Seconds())
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(r.Op, "network_error").Inc()
		return nil, &NetworkError{Op: r.Op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &NetworkError{Op: r.Op, Err: fmt.Errorf("read body: %w", err)}
	}

	requestsTotal.WithLabelValues(r.Op, strconv.Itoa(resp.StatusCode)).Inc()

	if c.config.RateLimiter != nil {
		if err := c.config.RateLimiter.UpdateFromHeaders(reqCtx, r.Tenant.Name, resp.Header); err != nil {
			logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	class := Classify(resp.StatusCode, body)
	if class == "" {
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       bytes.TrimSpace(body),
			URL:        target,
		}, nil
	}

	errorsTotal.WithLabelValues(string(class)).Inc()
	statusErr := &StatusError{
		StatusCode: resp.StatusCode,
		Class:      class,
		Op:         r.Op,
		Validation: r.Validation,
		Body:       body,
		URL:        target,
	}

	switch class {
	case ErrorClassRateLimit:
		wait := parseRetryAfter(resp.Header.Get(ratelimit.HeaderRetryAfter))
		if wait > MaxRetryAfter {
			statusErr.Err = fmt.Errorf("%w: %s", ErrRetryAfterTooLong, wait)
			logger.Error().
				Dur("retry_after", wait).
				Msg("Tenant API asked for a wait longer than allowed")
			return nil, statusErr
		}
		if c.config.RateLimiter != nil {
			if err := c.config.RateLimiter.RecordRetryAfter(reqCtx, r.Tenant.Name, wait); err != nil {
				logger.Warn().Err(err).Msg("Failed to record retry-after")
			}
		}
		return nil, &retryAfterError{wait: wait, err: statusErr}
	default:
		logger.Debug().
			Int("status_code", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Tenant API request error")
		return nil, statusErr
	}
}

// parseRetryAfter reads a Retry-After value in seconds or HTTP-date form,
// defaulting to DefaultRetryAfter.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}

type proxyKey struct{}

func withProxy(ctx context.Context, t *tenant.Tenant) context.Context {
	if !t.UseProxy {
		return ctx
	}
	return context.WithValue(ctx, proxyKey{}, t.Proxy)
}

// proxyFromContext selects the tenant proxy carried by the request context.
func proxyFromContext(req *http.Request) (*url.URL, error) {
	p, ok := req.Context().Value(proxyKey{}).(tenant.Proxy)
	if !ok {
		return nil, nil
	}
	raw := p.HTTPS
	if req.URL.Scheme == "http" && p.HTTP != "" {
		raw = p.HTTP
	}
	if raw == "" {
		raw = p.HTTP
	}
	if raw == "" {
		return nil, nil
	}
	return url.Parse(raw)
}

// InstallationID returns the id sent with every request.
func (c *Client) InstallationID() string {
	return c.config.InstallationID
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetSleeper replaces the retry wait (for testing).
func (c *Client) SetSleeper(sleep SleepFunc) {
	c.sleep = sleep
}
