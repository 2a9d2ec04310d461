package store

import (
	"context"
	"strings"
)

// Store is the common surface of the cache backends.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, text string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Redis)(nil)
)

// Open picks the backend from location: redis:// and rediss:// URLs use
// Redis, anything else is a SQLite file path.
func Open(ctx context.Context, location string) (Store, error) {
	l := strings.ToLower(strings.TrimSpace(location))
	if strings.HasPrefix(l, "redis://") || strings.HasPrefix(l, "rediss://") {
		return OpenRedis(ctx, strings.TrimSpace(location))
	}
	return OpenSQLite(ctx, location)
}
