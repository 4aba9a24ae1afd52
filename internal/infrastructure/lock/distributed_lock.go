package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"shopwallet/internal/ledger"
	"shopwallet/pkg/idgen"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// Redis 分布式锁
// ============================================================================
//
// 多实例部署时，进程内互斥锁约束不了别的实例，同一用户的两笔并发
// 扣款可能落在不同实例上。按用户维度的 Redis 锁把这类请求串行化：
//
// 加锁：SET key value NX EX timeout
//   - NX 保证互斥，EX 防止持有者崩溃后死锁
//   - value 是持有者标识，释放时校验，避免误删别人的锁
//
// 释放：Lua 脚本原子地"校验 value + 删除 key"。
// 锁过期后别人已持锁的场景下，过期的持有者不会删掉新锁。
//
// 锁丢失的最坏情况由数据库条件更新兜底，锁只是降低冲突率的第一层。

var ErrLockFailed = errors.New("获取分布式锁失败")

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，Lua 保证"校验+删除"原子执行
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// ============================================================================
// 余额锁工厂：实现 ledger.LockFactory
// ============================================================================

// RedisLockFactory 按用户维度生产余额锁
//
// 为什么按用户维度？全局一把锁并发度太低；按用户加锁，
// 不同用户互不影响，同一用户串行 —— 正是余额变更需要的语义。
type RedisLockFactory struct {
	client        *redis.Client
	expiration    time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewRedisLockFactory(client *redis.Client) *RedisLockFactory {
	return &RedisLockFactory{
		client:        client,
		expiration:    30 * time.Second,
		retryInterval: 100 * time.Millisecond,
		maxRetries:    30,
	}
}

func (f *RedisLockFactory) ForUser(userID string) ledger.Locker {
	key := fmt.Sprintf("wallet:lock:user:%s", userID)
	// value 用雪花ID，便于追踪是哪次请求持有锁
	value := strconv.FormatInt(idgen.NextID(), 10)
	return &redisLocker{
		lock:          NewDistributedLock(f.client, key, value, f.expiration),
		retryInterval: f.retryInterval,
		maxRetries:    f.maxRetries,
	}
}

type redisLocker struct {
	lock          *DistributedLock
	retryInterval time.Duration
	maxRetries    int
}

func (l *redisLocker) Lock(ctx context.Context) error {
	return l.lock.Lock(ctx, l.retryInterval, l.maxRetries)
}

func (l *redisLocker) Unlock(ctx context.Context) error {
	return l.lock.Unlock(ctx)
}
