package cache

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"shopwallet/internal/config"

	"github.com/go-redis/redis/v8"
)

// InitRedis 初始化 Redis 连接
func InitRedis(cfg *config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("连接 Redis 失败: %v", err)
	}

	log.Println("Redis 连接成功")
	return client
}

// RedisBalanceCache 基于 Redis 的余额缓存，实现 ledger.BalanceCache
//
// 缓存只是便利品：读到的值可能是旧的，写入路径上的权威判断
// 永远在数据库条件更新那一层。Set 只在落库确认后调用，
// 落库结果不确定时调用 Invalidate 删 key。
type RedisBalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisBalanceCache(client *redis.Client, ttl time.Duration) *RedisBalanceCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisBalanceCache{client: client, ttl: ttl}
}

func balanceKey(userID string) string {
	return "wallet:balance:" + userID
}

func (c *RedisBalanceCache) Get(ctx context.Context, userID string) (float64, bool) {
	val, err := c.client.Get(ctx, balanceKey(userID)).Result()
	if err != nil {
		// 未命中和 Redis 故障同样处理：回源数据库
		return 0, false
	}
	balance, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return balance, true
}

func (c *RedisBalanceCache) Set(ctx context.Context, userID string, balance float64) {
	if err := c.client.Set(ctx, balanceKey(userID), strconv.FormatFloat(balance, 'f', 2, 64), c.ttl).Err(); err != nil {
		log.Printf("[BalanceCache] 写缓存失败: userID=%s, err=%v", userID, err)
	}
}

func (c *RedisBalanceCache) Invalidate(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, balanceKey(userID)).Err(); err != nil {
		// 删不掉只能靠 TTL 兜底，记一条日志便于排查
		log.Printf("[BalanceCache] 缓存失效失败: userID=%s, err=%v", userID, err)
	}
}
