// Package eventbus 事件日志常量定义
package eventbus

import "time"

const (
	// KeyTaskEvents 任务事件流 key 前缀
	KeyTaskEvents = "sitegen:task_events:"

	// MaxStreamLength 单个事件流的最大长度（近似裁剪）
	MaxStreamLength = 10000

	// DefaultStreamTTL 事件流兜底过期时间
	DefaultStreamTTL = 24 * time.Hour

	// SubscribeBlock 订阅阻塞读取的等待时长
	SubscribeBlock = 5 * time.Second

	subscribeBuffer = 64
)

// SubscribeBuffer 订阅通道缓冲大小
func SubscribeBuffer() int { return subscribeBuffer }
