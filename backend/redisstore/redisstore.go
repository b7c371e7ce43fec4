// Package redisstore implements backend.Backend on Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/Keksclan/squirrelstore/backend"
	"github.com/redis/go-redis/v9"
)

// Compile-time check that Store implements backend.Backend.
var _ backend.Backend = (*Store)(nil)

// Store keeps each payload as a plain Redis string. Unlike a cache it never
// hides failures: connection errors reach the caller as transient errors so
// that handles can count them and retry.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// Options configures New.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key, e.g. "game:".
	Prefix string
}

// New connects to a single Redis server.
func New(opts Options) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Store{rdb: rdb, prefix: opts.Prefix}
}

// NewFromClient wraps an existing client (cluster, sentinel or single).
func NewFromClient(rdb redis.UniversalClient, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

// Read returns the payload under key.
func (s *Store) Read(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Write stores value under key without expiration.
func (s *Store) Write(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
