// Package model 定义核心数据模型
//
// task.go 包含异步任务相关的数据模型定义：
//   - AsyncTask：后台生成任务（可轮询、可重连）
//   - TaskStatus：任务状态枚举
//   - TaskOrigin：任务来源
package model

import (
	"time"
)

// ============================================================================
// TaskStatus - 任务状态
// ============================================================================

// TaskStatus 任务状态
//
// 状态机：
//
//	pending → processing → succeeded
//	                     ↘ failed
//	pending → failed（提交后未开始即超时或出错）
//
// succeeded 与 failed 为终态，进入后不可再变更。
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusSucceeded  TaskStatus = "succeeded"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal 是否终态
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// CanTransitionTo 判断状态迁移是否合法（同状态视为合法，用于进度更新）
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s == next {
		return !s.IsTerminal()
	}
	switch s {
	case TaskStatusPending:
		return next == TaskStatusProcessing || next == TaskStatusFailed
	case TaskStatusProcessing:
		return next == TaskStatusSucceeded || next == TaskStatusFailed
	default:
		return false
	}
}

// TaskOrigin 任务来源
type TaskOrigin string

const (
	// TaskOriginAsync 准入时即判定为 async
	TaskOriginAsync TaskOrigin = "async"
	// TaskOriginEscalated 由 direct/segmented 运行时升级而来
	TaskOriginEscalated TaskOrigin = "escalated"
)

// ============================================================================
// AsyncTask - 异步任务
// ============================================================================

// AsyncTask 后台生成任务
//
// 任务记录只由所属 worker 通过原子读改写更新，读取方总是拿到完整副本。
//
// 字段说明：
//   - ID：任务 ID（UUID）
//   - Owner：任务归属者，每次读取都需校验
//   - ResumeOutput：升级任务已经推送给调用方的部分输出（续写上下文）
//   - Progress：0-100，单调不减，仅成功时到达 100
//   - Seq：已应用的最后一个事件序号（用于重连时定位）
//   - Error：仅在 failed 时有值
type AsyncTask struct {
	ID             string     `json:"id"`
	Owner          string     `json:"owner"`
	Prompt         string     `json:"prompt"`
	Model          string     `json:"model"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Origin         TaskOrigin `json:"origin"`
	ResumeOutput   string     `json:"resume_output,omitempty"`

	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"`
	Output   string     `json:"output,omitempty"`
	Error    *TaskError `json:"error,omitempty"`
	Seq      int64      `json:"seq"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TaskError 任务失败信息（可序列化）
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Segment int       `json:"segment,omitempty"`
}

// Clone 返回任务的深拷贝
func (t *AsyncTask) Clone() *AsyncTask {
	if t == nil {
		return nil
	}
	c := *t
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	return &c
}

// OwnedBy 判断任务是否归属指定 owner
func (t *AsyncTask) OwnedBy(owner string) bool {
	return t != nil && t.Owner == owner
}

// FullOutput 返回包含续写前缀在内的完整产物文本
func (t *AsyncTask) FullOutput() string {
	return t.ResumeOutput + t.Output
}

// NewAsyncTask 根据请求创建 pending 状态的任务
func NewAsyncTask(id string, req GenerationRequest, origin TaskOrigin, resume string, now time.Time) *AsyncTask {
	return &AsyncTask{
		ID:             id,
		Owner:          req.Owner,
		Prompt:         req.Prompt,
		Model:          req.Model,
		ConversationID: req.ConversationID,
		Origin:         origin,
		ResumeOutput:   resume,
		Status:         TaskStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
