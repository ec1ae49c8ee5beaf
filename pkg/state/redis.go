package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key used when none is configured.
const DefaultRedisKey = "chartmogul:extractor:state"

// RedisStore keeps the state as one JSON document under a single key.
type RedisStore struct {
	redis *redis.Client
	key   string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client, key string) (*RedisStore, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{redis: redisClient, key: key}, nil
}

// Key returns the Redis key holding the state.
func (s *RedisStore) Key() string {
	return s.key
}

// Load implements Store. A missing key yields an empty state.
func (s *RedisStore) Load(ctx context.Context) (PersistedState, error) {
	data, err := s.redis.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Empty(), nil
	}
	if err != nil {
		return PersistedState{}, fmt.Errorf("redis get: %w", err)
	}

	var st PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return PersistedState{}, fmt.Errorf("redis state %s: %w", s.key, err)
	}
	return st, nil
}

// Save implements Store. The document is stored without expiry.
func (s *RedisStore) Save(ctx context.Context, st PersistedState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := s.redis.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
