package lockstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PassLock keeps a reconciliation pass to one runner at a time.
type PassLock interface {
	// TryAcquire returns ok=false when another runner holds the pass.
	TryAcquire(ctx context.Context, pass string, ttl time.Duration) (release func(), ok bool, err error)
}

func passKey(pass string) string { return fmt.Sprintf("gage:pass:%s", pass) }

// 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisPassLock struct {
	rdb *redis.Client
}

func NewRedisPassLock(rdb *redis.Client) *RedisPassLock { return &RedisPassLock{rdb: rdb} }

func (l *RedisPassLock) TryAcquire(ctx context.Context, pass string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, passKey(pass), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", pass, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// 用独立 context，调用方的 ctx 可能已取消
		rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.rdb, []string{passKey(pass)}, token).Err()
	}
	return release, true, nil
}

// LocalPassLock is the single-process fallback when redis is disabled.
type LocalPassLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalPassLock() *LocalPassLock { return &LocalPassLock{held: map[string]bool{}} }

func (l *LocalPassLock) TryAcquire(_ context.Context, pass string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[pass] {
		return nil, false, nil
	}
	l.held[pass] = true
	return func() {
		l.mu.Lock()
		delete(l.held, pass)
		l.mu.Unlock()
	}, true, nil
}
