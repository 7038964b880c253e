// Package taskstore 异步任务存储抽象
//
// 任务记录由所属 worker 通过 Update 做原子读改写，读取方拿到的是完整副本。
// 终态不可变、进度单调不减这两条约束由存储层统一校验（见 CheckUpdate）。
package taskstore

import (
	"context"

	"sitegen/internal/shared/model"
)

// UpdateFunc 在任务副本上执行修改，返回错误时放弃本次更新
type UpdateFunc func(task *model.AsyncTask) error

// Store 异步任务存储接口
type Store interface {
	// Create 创建任务，ID 已存在时返回错误
	Create(ctx context.Context, task *model.AsyncTask) error

	// Get 获取任务副本，不存在返回 model.ErrNotFound
	Get(ctx context.Context, id string) (*model.AsyncTask, error)

	// Update 原子读改写，返回更新后的副本
	//
	// 任务已处于终态时返回 model.ErrTerminal；fn 的修改违反状态机或进度单调性时返回错误。
	Update(ctx context.Context, id string, fn UpdateFunc) (*model.AsyncTask, error)

	// DeleteIfStatus 仅当任务处于指定状态时删除，返回是否删除
	DeleteIfStatus(ctx context.Context, id string, status model.TaskStatus) (bool, error)

	// Delete 删除任务（不存在时不报错）
	Delete(ctx context.Context, id string) error

	Close() error
}
