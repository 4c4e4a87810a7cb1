package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// AlertsChannel is the pub/sub channel banner events are published on.
const AlertsChannel = "ce:alerts"

var bannersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "export_banners_total",
	Help: "Total banner events by id and action",
}, []string{"banner", "action"})

// Event is published on AlertsChannel for every raise and ack.
type Event struct {
	Action string `json:"action"`
	Alert  Alert  `json:"alert"`
}

// RedisNotifier keeps active banners in a hash per tenant and publishes
// every change so a UI can react without polling.
type RedisNotifier struct {
	redis *redis.Client
	now   func() time.Time
}

// NewRedisNotifier creates a Redis-backed notifier.
func NewRedisNotifier(redisClient *redis.Client) *RedisNotifier {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisNotifier{redis: redisClient, now: time.Now}
}

// BannerKey is the hash holding the active banners of a tenant.
func BannerKey(tenantName string) string {
	return "ce:banner:" + strings.ReplaceAll(tenantName, ":", "_")
}

// Raise implements Notifier.
func (n *RedisNotifier) Raise(ctx context.Context, a Alert) error {
	if a.RaisedAt.IsZero() {
		a.RaisedAt = n.now()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal banner: %w", err)
	}
	event, err := json.Marshal(Event{Action: "raise", Alert: a})
	if err != nil {
		return fmt.Errorf("marshal banner event: %w", err)
	}

	pipe := n.redis.TxPipeline()
	pipe.HSet(ctx, BannerKey(a.Tenant), a.ID, data)
	pipe.Publish(ctx, AlertsChannel, event)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis raise banner: %w", err)
	}
	bannersTotal.WithLabelValues(a.ID, "raise").Inc()
	return nil
}

// Ack implements Notifier. Acknowledging an inactive banner is a no-op.
func (n *RedisNotifier) Ack(ctx context.Context, tenantName, id string) error {
	removed, err := n.redis.HDel(ctx, BannerKey(tenantName), id).Result()
	if err != nil {
		return fmt.Errorf("redis ack banner: %w", err)
	}
	if removed == 0 {
		return nil
	}

	event, err := json.Marshal(Event{Action: "ack", Alert: Alert{ID: id, Tenant: tenantName}})
	if err != nil {
		return fmt.Errorf("marshal banner event: %w", err)
	}
	if err := n.redis.Publish(ctx, AlertsChannel, event).Err(); err != nil {
		return fmt.Errorf("redis publish ack: %w", err)
	}
	bannersTotal.WithLabelValues(id, "ack").Inc()
	return nil
}

// Active returns the active banners of a tenant.
func (n *RedisNotifier) Active(ctx context.Context, tenantName string) ([]Alert, error) {
	fields, err := n.redis.HGetAll(ctx, BannerKey(tenantName)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall banners: %w", err)
	}
	out := make([]Alert, 0, len(fields))
	for id, raw := range fields {
		var a Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode banner %s: %w", id, err)
		}
		out = append(out, a)
	}
	return out, nil
}
