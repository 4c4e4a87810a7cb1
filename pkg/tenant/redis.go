package tenant

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the tenant configuration as a JSON string and the
// tenant storage as a Redis hash, one field per dotted storage key.
// Field-level HSET/HDEL gives idempotent set/unset semantics.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a tenant store backed by Redis.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Put writes the tenant configuration. Storage fields present on t are
// merged into the hash; other fields are left alone.
func (s *RedisStore) Put(ctx context.Context, t *Tenant) error {
	data, err := json.Marshal(t)
	if err != nil {
		StoreErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal tenant: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, ConfigKey(t.Name), data, 0)
	if len(t.Storage) > 0 {
		fields := make(map[string]any, len(t.Storage))
		for k, v := range t.Storage {
			fields[k] = string(v)
		}
		pipe.HSet(ctx, StorageKey(t.Name), fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		StoreErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis put tenant: %w", err)
	}
	return nil
}

// Delete removes the tenant configuration and its storage.
func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := s.redis.Del(ctx, ConfigKey(name), StorageKey(name)).Err(); err != nil {
		return fmt.Errorf("redis del tenant: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, name string) (*Tenant, error) {
	data, err := s.redis.Get(ctx, ConfigKey(name)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, name)
		}
		StoreErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get tenant: %w", err)
	}

	var t Tenant
	if err := json.Unmarshal(data, &t); err != nil {
		StoreErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("decode tenant %s: %w", name, err)
	}

	fields, err := s.redis.HGetAll(ctx, StorageKey(name)).Result()
	if err != nil {
		StoreErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis hgetall storage: %w", err)
	}
	t.Storage = make(Storage, len(fields))
	for k, v := range fields {
		t.Storage[k] = json.RawMessage(v)
	}

	return &t, nil
}

// UpdateStorage implements Store.
func (s *RedisStore) UpdateStorage(ctx context.Context, name string, set map[string]any, unset []string) error {
	exists, err := s.redis.Exists(ctx, ConfigKey(name)).Result()
	if err != nil {
		StoreErrors.WithLabelValues("update").Inc()
		return fmt.Errorf("redis exists tenant: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, name)
	}

	pipe := s.redis.TxPipeline()
	if len(set) > 0 {
		fields := make(map[string]any, len(set))
		for k, v := range set {
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("marshal storage value %s: %w", k, err)
			}
			fields[k] = string(raw)
		}
		pipe.HSet(ctx, StorageKey(name), fields)
	}
	if len(unset) > 0 {
		pipe.HDel(ctx, StorageKey(name), unset...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		StoreErrors.WithLabelValues("update").Inc()
		return fmt.Errorf("redis update storage: %w", err)
	}

	StorageWrites.WithLabelValues("set").Add(float64(len(set)))
	StorageWrites.WithLabelValues("unset").Add(float64(len(unset)))
	return nil
}
