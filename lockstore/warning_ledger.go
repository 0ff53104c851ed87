package lockstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// WarningLedger remembers which expiring-soon warnings were already sent.
type WarningLedger interface {
	// MarkWarned reports true the first time key is seen within ttl.
	MarkWarned(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

func warnKey(key string) string { return fmt.Sprintf("gage:warned:%s", key) }

type RedisWarningLedger struct {
	rdb *redis.Client
}

func NewRedisWarningLedger(rdb *redis.Client) *RedisWarningLedger {
	return &RedisWarningLedger{rdb: rdb}
}

func (l *RedisWarningLedger) MarkWarned(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, warnKey(key), "1", ttl).Result()
}

// MemoryWarningLedger keeps entries in a bounded expirable LRU. Every entry
// shares the ledger ttl; the per-call ttl is ignored.
type MemoryWarningLedger struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

func NewMemoryWarningLedger(size int, ttl time.Duration) *MemoryWarningLedger {
	return &MemoryWarningLedger{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (l *MemoryWarningLedger) MarkWarned(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache.Contains(key) {
		return false, nil
	}
	l.cache.Add(key, struct{}{})
	return true, nil
}

// NoopWarningLedger never deduplicates: every sweep warns again.
type NoopWarningLedger struct{}

func (NoopWarningLedger) MarkWarned(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}
