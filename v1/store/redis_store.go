package store

import (
	"context"
	stdErrors "errors"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

// RedisStore implements Store using SETNX and DEL. Keys are written without
// expiry; a lock stays until it is released or removed out-of-band.
type RedisStore struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{client: client, opts: buildOptions(opts)}
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, 0).Result()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return ok, nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	n, err := s.client.Del(cctx, key).Result()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return n > 0, nil
}

// Exists implements Checker.Exists.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	n, err := s.client.Exists(cctx, key).Result()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return n > 0, nil
}

func mapRedisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return warperrors.ErrConnectionClosed
	}
	return err
}
