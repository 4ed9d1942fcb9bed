// Package memory provides a sharded in-memory engine implementation.
package memory

import (
	"context"
	"hash/fnv"
	"path/filepath"
	"sync"
	"time"

	"github.com/fadidahanna/redisraft/internal/engine"
	"github.com/fadidahanna/redisraft/pkg/errors"
)

const shardCount = 16

type entry struct {
	value    []byte
	expireAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && e.expireAt.Before(now)
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store is a sharded in-memory key-value store with passive expiry.
type Store struct {
	shards [shardCount]*shard
	closed sync.Once
	done   chan struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{done: make(chan struct{})}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		return nil, errors.ErrKeyNotFound
	}
	return e.value, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.entries[key] = e
	sh.mu.Unlock()
	return nil
}

func (s *Store) Del(_ context.Context, keys ...string) (int64, error) {
	var n int64
	now := time.Now()
	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.Lock()
		if e, ok := sh.entries[key]; ok {
			if !e.expired(now) {
				n++
			}
			delete(sh.entries, key)
		}
		sh.mu.Unlock()
	}
	return n, nil
}

func (s *Store) Exists(_ context.Context, keys ...string) (int64, error) {
	var n int64
	now := time.Now()
	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.RLock()
		e, ok := sh.entries[key]
		sh.mu.RUnlock()
		if ok && !e.expired(now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	var out []string
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.RLock()
		for key, e := range sh.entries {
			if e.expired(now) {
				continue
			}
			if ok, _ := filepath.Match(pattern, key); ok {
				out = append(out, key)
			}
		}
		sh.mu.RUnlock()
	}
	return out, nil
}

func (s *Store) DBSize(_ context.Context) (int64, error) {
	var n int64
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			if !e.expired(now) {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n, nil
}

func (s *Store) FlushDB(_ context.Context) error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*entry)
		sh.mu.Unlock()
	}
	return nil
}

func (s *Store) Close() error {
	s.closed.Do(func() { close(s.done) })
	return nil
}

var _ engine.Engine = (*Store)(nil)
