package mapstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the document under a single redis key.
type RedisStore struct {
	redis *redis.Client
	key   string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{redis: client, key: key}
}

func (s *RedisStore) Load(ctx context.Context) (Maps, error) {
	data, err := s.redis.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Maps{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", s.key, err)
	}
	maps, err := decodeMaps(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.key, err)
	}
	return maps, nil
}

func (s *RedisStore) Save(ctx context.Context, maps Maps) error {
	data, err := json.Marshal(maps)
	if err != nil {
		return fmt.Errorf("failed to encode maps: %w", err)
	}
	if err := s.redis.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", s.key, err)
	}
	return nil
}
