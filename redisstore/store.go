// Package redisstore is a chatsync.Store backed by Redis strings.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key, e.g. "device-42:".
	Prefix string
}

// Store keeps values under Prefix+key.
type Store struct {
	cli    *redis.Client
	prefix string
}

// Dial connects and pings the server.
func Dial(ctx context.Context, opts Options) (*Store, error) {
	cli := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := cli.Ping(pctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{cli: cli, prefix: opts.Prefix}, nil
}

// New wraps an existing client.
func New(cli *redis.Client, prefix string) *Store {
	return &Store{cli: cli, prefix: prefix}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.cli.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.cli.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.cli.Del(ctx, s.prefix+key).Err()
}

func (s *Store) Close() error {
	return s.cli.Close()
}
