// Package ratelimit tracks the tenant API request budget advertised in the
// RateLimit-Remaining / RateLimit-Reset response headers and in Retry-After
// on 429 responses, and gates outgoing requests against it.
//
// State is kept in Redis so that every worker of a tenant, in this process
// or another, sees the same budget.
package ratelimit

import (
	"time"
)

// Response headers consulted by the tracker.
const (
	HeaderRemaining  = "RateLimit-Remaining"
	HeaderReset      = "RateLimit-Reset"
	HeaderLimit      = "RateLimit-Limit"
	HeaderRetryAfter = "Retry-After"
)

// Thresholds for rate limit decisions.
const (
	// RemainingCritical blocks requests until the window resets when the
	// remaining budget falls below this value.
	RemainingCritical = 1

	// RemainingWarning throttles requests when the remaining budget falls
	// below this value.
	RemainingWarning = 3

	// RemainingHealthy marks the budget as healthy at or above this value.
	RemainingHealthy = 10
)

// RateLimitState is the current request budget of one tenant.
type RateLimitState struct {
	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// Limit is the window size, when advertised.
	Limit int `json:"limit"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the state was last written.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= RemainingHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests must wait for the window reset.
// A state whose reset time has passed never blocks.
func (s *RateLimitState) NeedsCriticalBlock() bool {
	return s.Remaining < RemainingCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.Remaining < RemainingWarning && !s.NeedsCriticalBlock() && s.TimeUntilReset() > 0
}

// TimeUntilReset returns the duration until the window resets, or 0.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth updates IsHealthy from Remaining.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= RemainingHealthy
}
