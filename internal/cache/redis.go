package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 200

// RedisStore is the remote tier. Every key is namespaced with prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore parses a redis:// URL and builds a client. It does not dial.
func NewRedisStore(rawURL, prefix string, dialTimeout time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if dialTimeout > 0 {
		opt.DialTimeout = dialTimeout
		opt.ReadTimeout = dialTimeout
		opt.WriteTimeout = dialTimeout
	}
	return &RedisStore{client: redis.NewClient(opt), prefix: prefix}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.prefix + k
	}
	n, err := s.client.Del(ctx, full...).Result()
	return int(n), err
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	match := redisPattern(s.prefix) + redisPattern(pattern)
	iter := s.client.Scan(ctx, 0, match, scanBatch).Iterator()
	keys := make([]string, 0)
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	if s.prefix == "" {
		n, err := s.client.DBSize(ctx).Result()
		return int(n), err
	}
	keys, err := s.Keys(ctx, "*")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
