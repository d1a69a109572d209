package blocklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding every blocked entity.
const DefaultRedisKey = "riskgate:blocklist"

// RedisStore keeps the blocklist in a single Redis hash (field = entity id,
// value = JSON entity) so every instance sees a block the moment it is written.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a Redis-backed blocklist store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, key: DefaultRedisKey}
}

// WithKey overrides the hash key (tests use a per-test key).
func (s *RedisStore) WithKey(key string) *RedisStore {
	s.key = key
	return s
}

func (s *RedisStore) Get(ctx context.Context, entityID string) (*Entity, error) {
	raw, err := s.client.HGet(ctx, s.key, entityID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis blocklist get: %w", err)
	}
	var e Entity
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("redis blocklist decode %s: %w", entityID, err)
	}
	return &e, nil
}

func (s *RedisStore) Put(ctx context.Context, e *Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key, e.EntityID, data).Err(); err != nil {
		return fmt.Errorf("redis blocklist put: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, entityID string) error {
	n, err := s.client.HDel(ctx, s.key, entityID).Result()
	if err != nil {
		return fmt.Errorf("redis blocklist delete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*Entity, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis blocklist list: %w", err)
	}
	result := make([]*Entity, 0, len(all))
	for id, raw := range all {
		var e Entity
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("redis blocklist decode %s: %w", id, err)
		}
		result = append(result, &e)
	}
	sortNewestFirst(result)
	return result, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
