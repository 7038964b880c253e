// Package memory 基于内存的任务存储实现（单实例部署与测试使用）
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sitegen/internal/shared/model"
	"sitegen/internal/shared/taskstore"
)

// Store 内存任务存储
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*model.AsyncTask
	now   func() time.Time
}

// NewStore 创建内存任务存储
func NewStore() *Store {
	return &Store{
		tasks: make(map[string]*model.AsyncTask),
		now:   time.Now,
	}
}

func (s *Store) Create(ctx context.Context, task *model.AsyncTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.AsyncTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *Store) Update(ctx context.Context, id string, fn taskstore.UpdateFunc) (*model.AsyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if current.Status.IsTerminal() {
		return nil, model.ErrTerminal
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := taskstore.CheckUpdate(current, next); err != nil {
		return nil, err
	}
	// fn 未设置更新时间时由存储补齐
	if next.UpdatedAt.Equal(current.UpdatedAt) {
		next.UpdatedAt = s.now()
	}
	s.tasks[id] = next
	return next.Clone(), nil
}

func (s *Store) DeleteIfStatus(ctx context.Context, id string, status model.TaskStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, model.ErrNotFound
	}
	if t.Status != status {
		return false, nil
	}
	delete(s.tasks, id)
	return true, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

// Len 返回当前任务数
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func (s *Store) Close() error { return nil }

var _ taskstore.Store = (*Store)(nil)
