package storage

import (
	"context"
	"sync"
	"time"

	"sitegen/internal/shared/model"
	"sitegen/pkg/logging"
)

// DefaultPersistTimeout 单次持久化时限
const DefaultPersistTimeout = 30 * time.Second

// BackgroundPersister 在后台调用 Persister，失败只记日志
//
// nil 接收者与 nil Persister 均为空操作。
type BackgroundPersister struct {
	p       Persister
	timeout time.Duration
	logger  *logging.Logger
	wg      sync.WaitGroup
}

// NewBackgroundPersister 创建后台持久化器；p 为 nil 时返回 nil
func NewBackgroundPersister(p Persister, timeout time.Duration, logger *logging.Logger) *BackgroundPersister {
	if p == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultPersistTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &BackgroundPersister{p: p, timeout: timeout, logger: logger}
}

// Go 从完整输出中提取文件并异步保存；没有文件时不保存
func (b *BackgroundPersister) Go(artifact *model.Artifact, output string) bool {
	if b == nil {
		return false
	}
	artifact.Files = model.ExtractFiles(output)
	if len(artifact.Files) == 0 {
		return false
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := b.p.PersistArtifact(ctx, artifact); err != nil {
			b.logger.WithError(err).Warn("artifact persistence failed", "artifact_id", artifact.ID, "owner", artifact.Owner)
		}
	}()
	return true
}

// Wait 等待所有进行中的持久化结束
func (b *BackgroundPersister) Wait() {
	if b == nil {
		return
	}
	b.wg.Wait()
}
