package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix prefixes keys of the redis backend.
const DefaultRedisKeyPrefix = "daaily:refresh-token:"

// RedisStore shares a refresh token between processes through redis, so a
// fleet of workers keeps renewing one session.
type RedisStore struct {
	client redis.Cmdable
	key    string
}

var _ TokenStore = (*RedisStore)(nil)

// NewRedisStore creates a store that keeps the token under key.
func NewRedisStore(client redis.Cmdable, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

// RedisKey returns the default key for the given user.
func RedisKey(user string) string {
	return DefaultRedisKeyPrefix + user
}

func (s *RedisStore) Read(ctx context.Context) (string, error) {
	token, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) || (err == nil && token == "") {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading redis: %w", err)
	}
	return token, nil
}

func (s *RedisStore) Write(ctx context.Context, token string) error {
	if token == "" {
		if err := s.client.Del(ctx, s.key).Err(); err != nil {
			return fmt.Errorf("clearing redis: %w", err)
		}
		return nil
	}
	if err := s.client.Set(ctx, s.key, token, 0).Err(); err != nil {
		return fmt.Errorf("writing redis: %w", err)
	}
	return nil
}

// Close releases the client when the store owns one that can be closed.
func (s *RedisStore) Close() error {
	if c, ok := s.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
