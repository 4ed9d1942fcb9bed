// Package engine defines the key-value engine the coordinator routes to.
// The engine executes non-routing commands; the coordinator only needs it
// for execution and for key-presence checks during migration classification.
package engine

import (
	"context"
	"time"
)

// Engine is the storage interface consumed by the protocol layer.
type Engine interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	DBSize(ctx context.Context) (int64, error)
	FlushDB(ctx context.Context) error
	Close() error
}
