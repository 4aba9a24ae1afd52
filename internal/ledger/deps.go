package ledger

import (
	"context"
	"sync"
)

// ============================================================================
// 依赖接口
// ============================================================================
//
// 管理器通过显式注入拿到缓存和锁，不持有任何包级单例。
// 生产环境注入 Redis 实现（internal/infrastructure 下），
// 单机部署和测试用本文件里的进程内实现。

// BalanceCache 余额缓存
//
// 【共享资源约定】缓存永远可能是旧值，只能做乐观预判，
// 权威判断必须落在数据库的条件更新上。
// 持久化写入结果不确定时必须 Invalidate，而不是回写一个没落库的值。
type BalanceCache interface {
	// Get 返回缓存余额，第二个返回值表示是否命中
	Get(ctx context.Context, userID string) (float64, bool)

	// Set 仅在持久化写入确认成功后调用
	Set(ctx context.Context, userID string, balance float64)

	// Invalidate 删除缓存项，写入结果不确定时的唯一正确动作
	Invalidate(ctx context.Context, userID string)
}

// Locker 按用户维度的互斥锁
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// LockFactory 生产某个用户的锁
// 按用户加锁：同一用户的余额变更串行，不同用户互不影响
type LockFactory interface {
	ForUser(userID string) Locker
}

// ============================================================================
// 进程内实现
// ============================================================================

// LocalLockFactory 进程内每用户一把互斥锁，单实例部署够用
// 多实例部署必须换成 Redis 分布式锁，否则锁只约束得了本进程
type LocalLockFactory struct {
	mu sync.Map
}

func NewLocalLockFactory() *LocalLockFactory {
	return &LocalLockFactory{}
}

func (f *LocalLockFactory) ForUser(userID string) Locker {
	mu, _ := f.mu.LoadOrStore(userID, &sync.Mutex{})
	return &localLocker{mu: mu.(*sync.Mutex)}
}

type localLocker struct {
	mu *sync.Mutex
}

func (l *localLocker) Lock(ctx context.Context) error {
	l.mu.Lock()
	return nil
}

func (l *localLocker) Unlock(ctx context.Context) error {
	l.mu.Unlock()
	return nil
}

// MemoryCache 进程内余额缓存
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]float64
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]float64)}
}

func (c *MemoryCache) Get(ctx context.Context, userID string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[userID]
	return v, ok
}

func (c *MemoryCache) Set(ctx context.Context, userID string, balance float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = balance
}

func (c *MemoryCache) Invalidate(ctx context.Context, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}
