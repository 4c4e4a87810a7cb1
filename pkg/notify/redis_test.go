package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestRedisNotifier_RaiseAndAck(t *testing.T) {
	client := setupTestRedis(t)
	n := NewRedisNotifier(client)
	ctx := context.Background()

	sub := client.Subscribe(ctx, AlertsChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := n.Raise(ctx, Forbidden("acme", "audit", "/x")); err != nil {
		t.Fatalf("Raise() error = %v", err)
	}

	active, err := n.Active(ctx, "acme")
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != BannerForbidden {
		t.Errorf("Active() = %+v, want forbidden banner", active)
	}
	if active[0].RaisedAt.IsZero() {
		t.Error("RaisedAt should be set")
	}

	select {
	case msg := <-sub.Channel():
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Action != "raise" || ev.Alert.ID != BannerForbidden {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no raise event published")
	}

	if err := n.Ack(ctx, "acme", BannerForbidden); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	active, _ = n.Active(ctx, "acme")
	if len(active) != 0 {
		t.Errorf("Active() after Ack = %+v, want none", active)
	}

	// Acking again is a no-op.
	if err := n.Ack(ctx, "acme", BannerForbidden); err != nil {
		t.Errorf("second Ack() error = %v", err)
	}
}
