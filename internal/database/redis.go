package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cryptogramllc/squibturf-sub000/internal/model"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "squibs:snapshot:"

// RedisStore keeps snapshots as JSON values, one key per feed.
type RedisStore struct {
	client *redis.Client
}

// Ensure RedisStore implements Store interface.
var _ Store = (*RedisStore)(nil)

// NewRedis connects to addr and checks the connection.
func NewRedis(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// DatabaseType returns the database backend name.
func (s *RedisStore) DatabaseType() string {
	return "Redis"
}

// SaveSnapshot stores the record of a feed without expiry.
func (s *RedisStore) SaveSnapshot(ctx context.Context, kind model.FeedKind, rec model.CacheRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", kind, err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+string(kind), b, 0).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", kind, err)
	}
	return nil
}

// LoadSnapshot returns the saved record of a feed or ErrNotFound.
func (s *RedisStore) LoadSnapshot(ctx context.Context, kind model.FeedKind) (model.CacheRecord, error) {
	b, err := s.client.Get(ctx, redisKeyPrefix+string(kind)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.CacheRecord{}, ErrNotFound
	}
	if err != nil {
		return model.CacheRecord{}, fmt.Errorf("load snapshot %s: %w", kind, err)
	}
	var rec model.CacheRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return model.CacheRecord{}, fmt.Errorf("decode snapshot %s: %w", kind, err)
	}
	return rec, nil
}

// DeleteSnapshot removes the saved record of a feed.
func (s *RedisStore) DeleteSnapshot(ctx context.Context, kind model.FeedKind) error {
	if err := s.client.Del(ctx, redisKeyPrefix+string(kind)).Err(); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", kind, err)
	}
	return nil
}
