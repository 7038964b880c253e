// Package storage 定义产物持久化层抽象接口
//
// 调用方只依赖接口，具体实现在子包中：
//   - sqlstore/：SQLite / PostgreSQL（通过 dbutil.Dialect 屏蔽差异）
//   - mongostore/：MongoDB
//
// 对象存储（MinIO）通过 ObjectUploader 接口接入，由 Persister 组合使用。
package storage

import (
	"context"
	"io"

	"sitegen/internal/shared/model"
)

// ArtifactStore 产物元数据与文件内容存储
type ArtifactStore interface {
	// SaveArtifact 保存产物，ID 重复时返回 ErrDuplicate
	SaveArtifact(ctx context.Context, artifact *model.Artifact) error

	// GetArtifact 获取产物，不存在时返回 ErrNotFound
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)

	// ListArtifactsByOwner 按创建时间倒序列出 owner 的产物
	ListArtifactsByOwner(ctx context.Context, owner string, limit int) ([]*model.Artifact, error)

	Close() error
}

// ObjectUploader 对象存储上传接口
type ObjectUploader interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
}

// Persister 产物持久化钩子
//
// 生成成功后以 fire-and-forget 方式调用，失败只记录日志，不影响请求结果。
type Persister interface {
	PersistArtifact(ctx context.Context, artifact *model.Artifact) error
}
