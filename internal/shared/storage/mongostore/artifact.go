package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"sitegen/internal/shared/model"
	"sitegen/internal/shared/storage"
)

// SaveArtifact 保存产物
func (s *Store) SaveArtifact(ctx context.Context, a *model.Artifact) error {
	doc := *a
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	doc.CreatedAt = doc.CreatedAt.UTC().Truncate(time.Millisecond)
	return insertOne(ctx, s.col(ColArtifacts), &doc)
}

// GetArtifact 获取产物
func (s *Store) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	return findOne[model.Artifact](ctx, s.col(ColArtifacts), bson.D{{Key: "_id", Value: id}})
}

// ListArtifactsByOwner 列出 owner 的产物
func (s *Store) ListArtifactsByOwner(ctx context.Context, owner string, limit int) ([]*model.Artifact, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	return findMany[model.Artifact](ctx, s.col(ColArtifacts), bson.D{{Key: "owner", Value: owner}}, opts)
}

var _ storage.ArtifactStore = (*Store)(nil)
