// Package redis 基于 Redis 的任务存储实现
//
// 任务以 JSON 存放在 sitegen:task:{id}，读改写通过 WATCH/MULTI 乐观事务完成，
// 多实例部署时任意实例都能读取到同一份快照。
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sitegen/internal/shared/model"
	"sitegen/internal/shared/taskstore"
)

const (
	// KeyTask 任务记录 key 前缀
	KeyTask = "sitegen:task:"

	// DefaultTTL 任务记录兜底过期时间（正常情况下由保留期清理先删除）
	DefaultTTL = 24 * time.Hour

	maxTxRetries = 16
)

// Store Redis 任务存储
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore 基于已有客户端创建任务存储
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

func taskKey(id string) string {
	return KeyTask + id
}

func (s *Store) Create(ctx context.Context, task *model.AsyncTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	ok, err := s.client.SetNX(ctx, taskKey(task.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if !ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.AsyncTask, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return decode(data)
}

func (s *Store) Update(ctx context.Context, id string, fn taskstore.UpdateFunc) (*model.AsyncTask, error) {
	key := taskKey(id)
	var result *model.AsyncTask

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return model.ErrNotFound
			}
			return err
		}
		current, err := decode(data)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return model.ErrTerminal
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if err := taskstore.CheckUpdate(current, next); err != nil {
			return err
		}
		// fn 未设置更新时间时由存储补齐
		if next.UpdatedAt.Equal(current.UpdatedAt) {
			next.UpdatedAt = time.Now()
		}
		out, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("failed to update task %s: too much contention", id)
}

func (s *Store) DeleteIfStatus(ctx context.Context, id string, status model.TaskStatus) (bool, error) {
	key := taskKey(id)
	deleted := false

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return model.ErrNotFound
			}
			return err
		}
		current, err := decode(data)
		if err != nil {
			return err
		}
		if current.Status != status {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return deleted, err
	}
	return false, fmt.Errorf("failed to delete task %s: too much contention", id)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, taskKey(id)).Err()
}

// Close 不关闭共享客户端，由 infra 统一管理
func (s *Store) Close() error { return nil }

func decode(data []byte) (*model.AsyncTask, error) {
	var t model.AsyncTask
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &t, nil
}

var _ taskstore.Store = (*Store)(nil)
