// Package sqlstore Artifact 相关的存储操作
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitegen/internal/shared/model"
	"sitegen/internal/shared/storage"
)

// SaveArtifact 保存产物
func (s *Store) SaveArtifact(ctx context.Context, a *model.Artifact) error {
	files, err := json.Marshal(a.Files)
	if err != nil {
		return fmt.Errorf("marshal artifact files: %w", err)
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	query := s.rebind(`INSERT INTO artifacts (id, owner, conversation_id, model, files, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	_, err = s.db.ExecContext(ctx, query, a.ID, a.Owner, a.ConversationID, a.Model, string(files), createdAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return err
	}
	return nil
}

// GetArtifact 获取产物
func (s *Store) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	query := s.rebind(`SELECT id, owner, conversation_id, model, files, created_at FROM artifacts WHERE id = $1`)
	a, err := scanArtifact(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return a, err
}

// ListArtifactsByOwner 列出 owner 的产物
func (s *Store) ListArtifactsByOwner(ctx context.Context, owner string, limit int) ([]*model.Artifact, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.rebind(`SELECT id, owner, conversation_id, model, files, created_at
		FROM artifacts WHERE owner = $1 ORDER BY created_at DESC LIMIT $2`)
	rows, err := s.db.QueryContext(ctx, query, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*model.Artifact, error) {
	var (
		a            model.Artifact
		conversation sql.NullString
		modelName    sql.NullString
		files        []byte
	)
	if err := row.Scan(&a.ID, &a.Owner, &conversation, &modelName, &files, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.ConversationID = conversation.String
	a.Model = modelName.String
	if len(files) > 0 {
		if err := json.Unmarshal(files, &a.Files); err != nil {
			return nil, fmt.Errorf("decode artifact files: %w", err)
		}
	}
	return &a, nil
}

// isUniqueViolation 识别 SQLite / PostgreSQL 的主键冲突
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

var _ storage.ArtifactStore = (*Store)(nil)
