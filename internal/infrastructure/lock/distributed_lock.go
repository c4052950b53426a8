package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// Redis 分布式锁
// ============================================================================
//
// 加锁：SET key value NX EX timeout
//   NX 保证互斥，EX 防止持有者崩溃导致死锁，value 标识持有者
// 释放：Lua 脚本校验 value 后删除，保证"检查+删除"原子，不误删他人的锁

var ErrLockFailed = errors.New("获取分布式锁失败")

// RedisLocker 基于 Redis 的 Locker 实现
type RedisLocker struct {
	client        *redis.Client
	expiration    time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client:        client,
		expiration:    30 * time.Second,
		retryInterval: 100 * time.Millisecond,
		maxRetries:    30,
	}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	value := uuid.NewString()
	if err := l.acquire(ctx, key, value); err != nil {
		return err
	}
	defer l.release(ctx, key, value)
	return fn()
}

func (l *RedisLocker) acquire(ctx context.Context, key, value string) error {
	for i := 0; i < l.maxRetries; i++ {
		success, err := l.client.SetNX(ctx, key, value, l.expiration).Result()
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
	return fmt.Errorf("%w: key=%s", ErrLockFailed, key)
}

func (l *RedisLocker) release(ctx context.Context, key, value string) {
	// 校验持有者后删除，防止锁过期被他人持有时误删
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	l.client.Eval(ctx, script, []string{key}, value)
}
