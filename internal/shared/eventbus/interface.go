// Package eventbus 任务进度事件日志抽象
//
// 每个任务一条只追加的事件日志，事件带有任务内单调递增的序号。
// 订阅从指定序号之后开始：先回放日志中已有的事件，再推送新事件，
// 推送终态事件后关闭通道，因此重连方不会丢失也不会重复收到事件。
package eventbus

import (
	"context"

	"sitegen/internal/shared/model"
)

// ProgressLog 任务进度事件日志接口
type ProgressLog interface {
	// Publish 追加一条持久化事件（Seq 由调用方分配）
	Publish(ctx context.Context, event *model.ProgressEvent) error

	// Events 返回序号大于 afterSeq 的事件，limit <= 0 表示不限制
	Events(ctx context.Context, taskID string, afterSeq int64, limit int64) ([]model.ProgressEvent, error)

	// Subscribe 订阅序号大于 afterSeq 的事件
	//
	// 通道在以下情况关闭：推送完终态事件、ctx 取消、日志被删除、底层连接出错。
	Subscribe(ctx context.Context, taskID string, afterSeq int64) (<-chan model.ProgressEvent, error)

	// Delete 删除任务的事件日志
	Delete(ctx context.Context, taskID string) error

	Close() error
}
