package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "export_rate_limit_remaining",
		Help: "Requests remaining in the current tenant API rate limit window",
	}, []string{"tenant"})

	rateLimitBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_rate_limit_blocks_total",
		Help: "Total number of requests held until the rate limit window reset",
	}, []string{"tenant"})

	rateLimitThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_rate_limit_throttles_total",
		Help: "Total number of requests throttled due to a low remaining budget",
	}, []string{"tenant"})
)

// DefaultThrottle is the pause applied when the budget is in the warning band.
const DefaultThrottle = 1 * time.Second

// MaxBlock caps how long a single request waits for a window reset.
const MaxBlock = 5 * time.Minute

// Tracker monitors tenant API rate limits and gates requests.
type Tracker struct {
	redis    *redis.Client
	logger   zerolog.Logger
	throttle time.Duration
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:    redisClient,
		logger:   logger,
		throttle: DefaultThrottle,
	}
}

// SetThrottle overrides the warning-band pause (for testing).
func (t *Tracker) SetThrottle(d time.Duration) {
	t.throttle = d
}

func stateKey(tenantName string) string {
	return "ce:rate_limit:" + strings.ReplaceAll(tenantName, ":", "_")
}

// GetState retrieves the rate limit state of a tenant from Redis.
// Returns a default healthy state if nothing has been recorded yet.
func (t *Tracker) GetState(ctx context.Context, tenantName string) (*RateLimitState, error) {
	data, err := t.redis.Get(ctx, stateKey(tenantName)).Bytes()
	if err == redis.Nil {
		return &RateLimitState{
			Remaining:  RemainingHealthy,
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	var state RateLimitState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse rate limit state: %w", err)
	}
	state.UpdateHealth()
	return &state, nil
}

// UpdateFromHeaders parses the RateLimit-* headers of a response and stores
// the new state. Responses without the headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, tenantName string, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(strings.TrimSpace(remainStr))
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	resetStr := headers.Get(HeaderReset)
	if resetStr == "" {
		return fmt.Errorf("%s header missing", HeaderReset)
	}
	resetSeconds, err := strconv.Atoi(strings.TrimSpace(resetStr))
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}

	limit, _ := strconv.Atoi(strings.TrimSpace(headers.Get(HeaderLimit)))

	now := time.Now()
	state := &RateLimitState{
		Remaining:  remain,
		Limit:      limit,
		ResetAt:    now.Add(time.Duration(resetSeconds) * time.Second),
		LastUpdate: now,
	}
	return t.store(ctx, tenantName, state)
}

// RecordRetryAfter records a 429 response: the budget is exhausted until
// retryAfter has elapsed.
func (t *Tracker) RecordRetryAfter(ctx context.Context, tenantName string, retryAfter time.Duration) error {
	now := time.Now()
	return t.store(ctx, tenantName, &RateLimitState{
		Remaining:  0,
		ResetAt:    now.Add(retryAfter),
		LastUpdate: now,
	})
}

func (t *Tracker) store(ctx context.Context, tenantName string, state *RateLimitState) error {
	state.UpdateHealth()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal rate limit state: %w", err)
	}

	// Keep the key a little past the window so stale budgets age out.
	ttl := state.TimeUntilReset() + time.Minute
	if err := t.redis.Set(ctx, stateKey(tenantName), data, ttl).Err(); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	rateLimitRemaining.WithLabelValues(tenantName).Set(float64(state.Remaining))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Warn().
			Str("tenant", tenantName).
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit exhausted - requests will wait for reset")
	case state.NeedsThrottling():
		t.logger.Warn().
			Str("tenant", tenantName).
			Int("remaining", state.Remaining).
			Msg("Rate limit low - requests will be throttled")
	default:
		t.logger.Debug().
			Str("tenant", tenantName).
			Int("remaining", state.Remaining).
			Msg("Rate limit state updated")
	}

	return nil
}

// Wait blocks until a request to the tenant is allowed. An exhausted budget
// waits for the window reset (capped at MaxBlock); a low budget adds the
// throttle pause. It returns early with the context error on cancellation.
func (t *Tracker) Wait(ctx context.Context, tenantName string) error {
	state, err := t.GetState(ctx, tenantName)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	var pause time.Duration
	switch {
	case state.NeedsCriticalBlock():
		pause = state.TimeUntilReset()
		if pause > MaxBlock {
			pause = MaxBlock
		}
		rateLimitBlocksTotal.WithLabelValues(tenantName).Inc()
		t.logger.Warn().
			Str("tenant", tenantName).
			Dur("wait_duration", pause).
			Msg("Rate limit exhausted - holding request until reset")
	case state.NeedsThrottling():
		pause = t.throttle
		rateLimitThrottlesTotal.WithLabelValues(tenantName).Inc()
		t.logger.Debug().
			Str("tenant", tenantName).
			Int("remaining", state.Remaining).
			Msg("Rate limit low - throttling request")
	default:
		return nil
	}

	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
