// Package infra 基础设施聚合层
//
// 按配置组装编排器依赖的基础设施：
//   - Tasks / Events：任务存储与进度事件日志（Redis 或进程内实现）
//   - Artifacts：产物元数据存储（SQLite / PostgreSQL / MongoDB，可关闭）
//   - Objects：产物文件对象存储（MinIO，可关闭）
//   - Provider：模型提供方（Ollama / Gemini / 桩）
package infra

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"sitegen/internal/config"
	"sitegen/internal/provider"
	"sitegen/internal/shared/eventbus"
	eventbusmemory "sitegen/internal/shared/eventbus/memory"
	objstore "sitegen/internal/shared/minio"
	"sitegen/internal/shared/storage"
	"sitegen/internal/shared/taskstore"
	taskstorememory "sitegen/internal/shared/taskstore/memory"
	"sitegen/pkg/logging"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	// Redis 底层客户端，未启用时为 nil
	Redis *redis.Client

	Tasks  taskstore.Store
	Events eventbus.ProgressLog

	// Artifacts 产物存储，driver=none 时为 nil
	Artifacts storage.ArtifactStore

	// Objects 对象存储，未配置 MinIO 时为 nil
	Objects *objstore.Client

	// Persister 终态任务产物持久化，组合 Artifacts 与 Objects
	Persister storage.Persister

	Provider provider.Provider
}

// New 按配置创建基础设施；任一组件失败时关闭已创建的部分
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Infrastructure, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Named("infra")
	i := &Infrastructure{}

	if cfg.UsesRedis() {
		client, err := NewRedisClient(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, err
		}
		i.Redis = client
		i.Tasks, i.Events = newRedisStores(client, cfg.Redis, logger)
	} else {
		logger.Info("redis disabled, using in-memory task store and event log")
		i.Tasks = taskstorememory.NewStore()
		i.Events = eventbusmemory.NewLog()
	}

	artifacts, err := NewArtifactStore(cfg, logger)
	if err != nil {
		i.Close()
		return nil, err
	}
	i.Artifacts = artifacts

	if cfg.MinIO.Endpoint != "" {
		objects, err := objstore.NewClient(cfg.MinIO, logger)
		if err != nil {
			i.Close()
			return nil, err
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			i.Close()
			return nil, fmt.Errorf("minio: %w", err)
		}
		i.Objects = objects
	}
	i.Persister = newPersister(i.Artifacts, i.Objects, logger)

	p, err := NewProvider(ctx, cfg.Provider, logger)
	if err != nil {
		i.Close()
		return nil, err
	}
	i.Provider = p

	return i, nil
}

// NewInMemory 创建纯进程内的基础设施（用于测试和本地调试）
func NewInMemory(p provider.Provider) *Infrastructure {
	return &Infrastructure{
		Tasks:     taskstorememory.NewStore(),
		Events:    eventbusmemory.NewLog(),
		Persister: newPersister(nil, nil, nil),
		Provider:  p,
	}
}

// newPersister 两个存储都未配置时返回 nil，任务终结时跳过持久化
func newPersister(artifacts storage.ArtifactStore, objects *objstore.Client, logger *logging.Logger) storage.Persister {
	if artifacts == nil && objects == nil {
		return nil
	}
	var uploader storage.ObjectUploader
	if objects != nil {
		uploader = objects
	}
	return storage.NewArtifactPersister(artifacts, uploader, logger)
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var errs []error

	if i.Tasks != nil {
		errs = append(errs, i.Tasks.Close())
	}
	if i.Events != nil {
		errs = append(errs, i.Events.Close())
	}
	if i.Artifacts != nil {
		errs = append(errs, i.Artifacts.Close())
	}
	if c, ok := i.Provider.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	if i.Redis != nil {
		errs = append(errs, i.Redis.Close())
	}

	return errors.Join(errs...)
}
