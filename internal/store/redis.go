package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "whocache:"

// Redis keeps entries as plain string keys under a prefix. It is meant for
// sharing one cache between machines; the SQLite file stays the default.
type Redis struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to rawURL (redis://…) and verifies the connection.
func OpenRedis(ctx context.Context, rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse redis URL: %v", ErrStore, err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping failed: %v", ErrStore, err)
	}
	return NewRedis(client, defaultRedisPrefix), nil
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	text, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: redis get %s: %v", ErrStore, key, err)
	}
	return text, true, nil
}

func (r *Redis) Put(ctx context.Context, key, text string) error {
	if err := r.client.Set(ctx, r.prefix+key, text, 0).Err(); err != nil {
		return fmt.Errorf("%w: redis set %s: %v", ErrStore, key, err)
	}
	return nil
}

func (r *Redis) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: redis scan: %v", ErrStore, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
