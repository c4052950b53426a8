package lock

import (
	"context"
	"sync"
)

// Locker 按 key 互斥，保护同一账户上"检查-写入"之间的临界区
// 生产环境使用 Redis 实现（多实例互斥），单机/测试使用进程内实现
type Locker interface {
	// WithLock 持锁执行 fn，获取失败返回错误且不执行 fn
	WithLock(ctx context.Context, key string, fn func() error) error
}

// LocalLocker 进程内按 key 互斥
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn()
}
