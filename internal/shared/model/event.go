// Package model 定义核心数据模型
//
// event.go 包含进度事件相关的数据模型定义：
//   - ProgressEvent：任务进度事件（事件日志存储 + 推送给观察者）
//   - EventType：事件类型枚举
package model

import (
	"time"
)

// ============================================================================
// EventType - 事件类型
// ============================================================================

// EventType 进度事件类型
//
// 持久化事件（写入事件日志，占用序号）：progress, completed, failed
// 会话事件（每个观察会话单独合成，不占用序号）：connected, heartbeat
type EventType string

const (
	// EventTypeConnected 观察会话建立，携带当前快照
	EventTypeConnected EventType = "connected"

	// EventTypeProgress 进度更新，可能携带新增输出
	EventTypeProgress EventType = "progress"

	// EventTypeHeartbeat 心跳，不携带状态变化
	EventTypeHeartbeat EventType = "heartbeat"

	// EventTypeCompleted 任务成功（终态）
	EventTypeCompleted EventType = "completed"

	// EventTypeFailed 任务失败（终态）
	EventTypeFailed EventType = "failed"
)

// IsTerminal 是否终态事件
func (t EventType) IsTerminal() bool {
	return t == EventTypeCompleted || t == EventTypeFailed
}

// IsPersisted 是否写入事件日志
func (t EventType) IsPersisted() bool {
	return t == EventTypeProgress || t.IsTerminal()
}

// ============================================================================
// ProgressEvent - 进度事件
// ============================================================================

// ProgressEvent 任务进度事件
//
// 字段说明：
//   - Seq：任务内单调递增的序号（从 1 开始），会话事件为 0
//   - Status/Progress：事件产生后任务的状态与进度
//   - Delta：本事件新增的输出片段
//   - Snapshot：仅 connected 事件携带
type ProgressEvent struct {
	TaskID    string     `json:"task_id"`
	Seq       int64      `json:"seq"`
	Type      EventType  `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Status    TaskStatus `json:"status,omitempty"`
	Progress  int        `json:"progress"`
	Delta     string     `json:"delta,omitempty"`
	Error     *TaskError `json:"error,omitempty"`
	Snapshot  *AsyncTask `json:"snapshot,omitempty"`
}

// Apply 将持久化事件应用到任务上
//
// 序号不大于任务当前序号的事件会被忽略，因此重复应用是幂等的。
// 返回是否发生了变更。
func (t *AsyncTask) Apply(ev ProgressEvent) bool {
	if !ev.Type.IsPersisted() || ev.Seq <= t.Seq {
		return false
	}
	t.Seq = ev.Seq
	if ev.Status != "" {
		if ev.Status == TaskStatusProcessing && t.StartedAt == nil {
			ts := ev.Timestamp
			t.StartedAt = &ts
		}
		t.Status = ev.Status
	}
	if ev.Progress > t.Progress {
		t.Progress = ev.Progress
	}
	t.Output += ev.Delta
	if ev.Error != nil {
		e := *ev.Error
		t.Error = &e
	}
	if ev.Type.IsTerminal() {
		ts := ev.Timestamp
		t.FinishedAt = &ts
	}
	t.UpdatedAt = ev.Timestamp
	return true
}

// Replay 从 base 出发依次应用事件，返回重建后的任务（不修改 base）
func Replay(base *AsyncTask, events []ProgressEvent) *AsyncTask {
	t := base.Clone()
	if t == nil {
		t = &AsyncTask{}
	}
	for _, ev := range events {
		t.Apply(ev)
	}
	return t
}

// TerminalEvent 根据终态快照合成终态事件
//
// 用于事件日志订阅提前结束、但任务已经终结的场景。非终态任务返回 false。
func TerminalEvent(t *AsyncTask) (ProgressEvent, bool) {
	if t == nil || !t.Status.IsTerminal() {
		return ProgressEvent{}, false
	}
	ev := ProgressEvent{
		TaskID:    t.ID,
		Seq:       t.Seq,
		Status:    t.Status,
		Progress:  t.Progress,
		Timestamp: t.UpdatedAt,
	}
	if t.Status == TaskStatusSucceeded {
		ev.Type = EventTypeCompleted
	} else {
		ev.Type = EventTypeFailed
		if t.Error != nil {
			e := *t.Error
			ev.Error = &e
		}
	}
	return ev, true
}
