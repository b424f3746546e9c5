// Package cache implements the Read API's fusion-result cache (spec §5):
// "a single {value, timestamp} guarded such that a read-then-write race
// only causes extra recomputation, never corruption." Memory is the
// default and spec-literal implementation. Redis is an optional
// alternative backend for multi-process deployments of the Read API,
// grounded on the teacher's CRun0.9/src/infrastructure/cache/redis_cache.go
// — selected the same way the Snapshot Store picks Postgres over the
// embedded backend: by the presence of an address in RuntimeConfig.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a single-entry, TTL-guarded cache keyed by an opaque string
// (the Read API uses one entry per profile name). It never blocks a
// reader behind a writer recomputing a stale value — spec §5 only
// requires that a race "cause extra recomputation, never corruption."
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Memory is the spec-literal {value, timestamp} cache: a single entry
// per key guarded by a mutex, staleness judged purely by wall-clock TTL.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	value   []byte
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.value, true
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	m.entries[key] = memEntry{value: value, expires: time.Now().Add(ttl)}
	m.mu.Unlock()
}

// Redis backs the same Cache contract with a shared redis instance, for
// Read API deployments running more than one process behind a load
// balancer where an in-process Memory cache would let each process
// recompute independently.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	r.client.Set(ctx, key, value, ttl)
}

func (r *Redis) Close() error {
	return r.client.Close()
}
