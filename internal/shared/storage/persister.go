package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	"sitegen/internal/shared/model"
	"sitegen/pkg/logging"
)

// ArtifactPersister 组合产物存储与对象存储的持久化实现
//
// store 与 objects 均可为 nil，都为 nil 时退化为只记日志。
type ArtifactPersister struct {
	store   ArtifactStore
	objects ObjectUploader
	logger  *logging.Logger
}

// NewArtifactPersister 创建产物持久化器
func NewArtifactPersister(store ArtifactStore, objects ObjectUploader, logger *logging.Logger) *ArtifactPersister {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ArtifactPersister{store: store, objects: objects, logger: logger}
}

// PersistArtifact 保存产物元数据并上传文件
func (p *ArtifactPersister) PersistArtifact(ctx context.Context, artifact *model.Artifact) error {
	var errs []error

	if p.store != nil {
		if err := p.store.SaveArtifact(ctx, artifact); err != nil {
			errs = append(errs, fmt.Errorf("save artifact: %w", err))
		}
	}

	if p.objects != nil {
		for _, f := range artifact.Files {
			key := ObjectKey(artifact, f.Path)
			err := p.objects.Upload(ctx, key, strings.NewReader(f.Content), int64(len(f.Content)), contentType(f.Path))
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	p.logger.Info("Artifact persisted",
		"artifact_id", artifact.ID,
		"owner", artifact.Owner,
		"files", len(artifact.Files),
		"errors", len(errs),
	)
	return errors.Join(errs...)
}

// ObjectKey 返回产物文件在对象存储中的 key：{owner}/{artifact_id}/{path}
func ObjectKey(artifact *model.Artifact, filePath string) string {
	return path.Join(artifact.Owner, artifact.ID, filePath)
}

func contentType(filePath string) string {
	if ct := mime.TypeByExtension(path.Ext(filePath)); ct != "" {
		return ct
	}
	return "text/plain; charset=utf-8"
}

var _ Persister = (*ArtifactPersister)(nil)
