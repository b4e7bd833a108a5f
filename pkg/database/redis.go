package database

import (
	"context"

	"github.com/go-redis/redis/v8"

	"docqa-go/pkg/log"
)

var RDB *redis.Client

// InitRedis 初始化 Redis 客户端连接。addr 为空时不启用 Redis，RDB 保持 nil。
func InitRedis(addr, password string, db int) {
	if addr == "" {
		log.Warnf("未配置 Redis 地址，会话缓存与消费重试计数将被禁用")
		return
	}
	RDB = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// 测试连接
	ctx := context.Background()
	if err := RDB.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", err)
	}

	log.Info("Redis client connected successfully")
}
