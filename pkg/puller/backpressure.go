package puller

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Policy decides whether workers should stop pulling.
type Policy interface {
	ShouldStop() bool
}

// Never is a Policy that never applies backpressure.
type Never struct{}

// ShouldStop implements Policy.
func (Never) ShouldStop() bool { return false }

// Probe reports how far downstream consumption is behind.
type Probe interface {
	Depth(ctx context.Context) (int64, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) (int64, error)

// Depth implements Probe.
func (f ProbeFunc) Depth(ctx context.Context) (int64, error) { return f(ctx) }

// RedisListProbe measures the length of a Redis list the downstream
// consumer works through.
type RedisListProbe struct {
	Client *redis.Client
	Key    string
}

// Depth implements Probe.
func (p RedisListProbe) Depth(ctx context.Context) (int64, error) {
	n, err := p.Client.LLen(ctx, p.Key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s: %w", p.Key, err)
	}
	return n, nil
}

// DefaultProbeInterval is how often the Monitor samples its probe.
const DefaultProbeInterval = 10 * time.Second

// Monitor samples a Probe in the background and raises the stop signal
// while the depth is at or above the threshold. Probe errors keep the
// previous decision.
type Monitor struct {
	probe     Probe
	threshold int64
	interval  time.Duration
	stop      atomic.Bool
	logger    zerolog.Logger
}

// NewMonitor creates a backpressure monitor.
func NewMonitor(probe Probe, threshold int64, interval time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{
		probe:     probe,
		threshold: threshold,
		interval:  interval,
		logger:    logger,
	}
}

// ShouldStop implements Policy.
func (m *Monitor) ShouldStop() bool {
	return m.stop.Load()
}

// Check samples the probe once and updates the signal.
func (m *Monitor) Check(ctx context.Context) {
	depth, err := m.probe.Depth(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Backpressure probe failed")
		return
	}

	stop := depth >= m.threshold
	if m.stop.Swap(stop) != stop {
		if stop {
			BackpressureActive.Set(1)
			m.logger.Warn().
				Int64("depth", depth).
				Int64("threshold", m.threshold).
				Msg("Downstream is behind, stopping pulls")
		} else {
			BackpressureActive.Set(0)
			m.logger.Info().
				Int64("depth", depth).
				Msg("Downstream caught up, resuming pulls")
		}
	}
}

// Run samples the probe until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
