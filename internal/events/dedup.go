package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper records which events were already processed.
type Deduper interface {
	// Acquire returns true the first time key is seen within its TTL.
	Acquire(ctx context.Context, key string) (bool, error)
	// Release forgets key so a redelivery can be processed again.
	Release(ctx context.Context, key string) error
}

// DedupKey is the deduplication key of a completion recompute for an event.
func DedupKey(evt TaskCompleted) string {
	return fmt.Sprintf("completion:task:%d:%s", evt.TaskID, evt.EventID)
}

// RedisCmdable is the subset of the go-redis client used by RedisDeduper.
type RedisCmdable interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisDeduper keeps dedup keys in Redis with SETNX and a TTL.
type RedisDeduper struct {
	rdb RedisCmdable
	ttl time.Duration
}

// NewRedisDeduper creates a Redis-backed deduper.
func NewRedisDeduper(rdb RedisCmdable, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

// NewRedisClient opens a go-redis client for the dedup store.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Acquire sets key if absent. When Redis is unreachable the event is
// allowed through.
func (d *RedisDeduper) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		slog.Warn("dedup check failed, allowing processing",
			"component", "events",
			"action", "dedup_acquire",
			"dedup_key", key,
			"error", err,
		)
		return true, nil
	}
	return ok, nil
}

// Release deletes key.
func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	if err := d.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release dedup key %s: %w", key, err)
	}
	return nil
}

// MemoryDeduper is an in-process Deduper for single-instance deployments.
type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryDeduper creates an in-memory deduper whose keys expire after ttl.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

// Acquire implements Deduper.
func (d *MemoryDeduper) Acquire(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = now.Add(d.ttl)
	return true, nil
}

// Release implements Deduper.
func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}
