// Package infra Redis 基础设施初始化
package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sitegen/internal/config"
	"sitegen/internal/shared/eventbus"
	eventbusredis "sitegen/internal/shared/eventbus/redis"
	"sitegen/internal/shared/taskstore"
	taskstoreredis "sitegen/internal/shared/taskstore/redis"
	"sitegen/pkg/logging"
)

// NewRedisClient 从 URL 创建 Redis 客户端并确认连通
func NewRedisClient(ctx context.Context, redisURL string, logger *logging.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to redis", "addr", opts.Addr, "db", opts.DB)
	return client, nil
}

// newRedisStores 基于同一客户端创建任务存储与进度事件日志
func newRedisStores(client *redis.Client, cfg config.RedisConfig, logger *logging.Logger) (taskstore.Store, eventbus.ProgressLog) {
	return taskstoreredis.NewStore(client, cfg.TaskTTL), eventbusredis.NewLog(client, cfg.EventTTL, logger)
}
