// Package redis 基于 Redis Streams 的进度事件日志实现
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sitegen/internal/shared/eventbus"
	"sitegen/internal/shared/model"
	"sitegen/pkg/logging"
)

// Log Redis Streams 事件日志
//
// 每个任务一个 Stream（sitegen:task_events:{id}），消息字段：
//   - seq：任务内序号（订阅时据此过滤）
//   - type：事件类型
//   - data：完整事件 JSON
type Log struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewLog 基于已有客户端创建事件日志
func NewLog(client *redis.Client, ttl time.Duration, logger *logging.Logger) *Log {
	if ttl <= 0 {
		ttl = eventbus.DefaultStreamTTL
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Log{client: client, ttl: ttl, logger: logger}
}

func streamKey(taskID string) string {
	return eventbus.KeyTaskEvents + taskID
}

// Publish 追加事件
func (l *Log) Publish(ctx context.Context, event *model.ProgressEvent) error {
	if !event.Type.IsPersisted() {
		return fmt.Errorf("event type %s is not persisted", event.Type)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}

	key := streamKey(event.TaskID)
	pipe := l.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"seq":  event.Seq,
			"type": string(event.Type),
			"data": string(data),
		},
	})
	pipe.Expire(ctx, key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}

	l.logger.Debug("Published progress event", "task_id", event.TaskID, "seq", event.Seq, "type", event.Type)
	return nil
}

// Events 读取序号大于 afterSeq 的事件
func (l *Log) Events(ctx context.Context, taskID string, afterSeq int64, limit int64) ([]model.ProgressEvent, error) {
	msgs, err := l.client.XRange(ctx, streamKey(taskID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get progress events: %w", err)
	}

	var events []model.ProgressEvent
	for _, msg := range msgs {
		ev, err := parseProgressEvent(msg)
		if err != nil || ev.Seq <= afterSeq {
			continue
		}
		events = append(events, ev)
		if limit > 0 && int64(len(events)) >= limit {
			break
		}
	}
	return events, nil
}

// Subscribe 先从流头开始回放，再阻塞读取新消息
func (l *Log) Subscribe(ctx context.Context, taskID string, afterSeq int64) (<-chan model.ProgressEvent, error) {
	key := streamKey(taskID)
	ch := make(chan model.ProgressEvent, eventbus.SubscribeBuffer())

	go func() {
		defer close(ch)
		lastID := "0"
		lastSeq := afterSeq

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := l.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   100,
				Block:   eventbus.SubscribeBlock,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() == nil {
					l.logger.WithTaskID(taskID).WithError(err).Warn("Progress subscription error")
				}
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					ev, err := parseProgressEvent(msg)
					if err != nil || ev.Seq <= lastSeq {
						continue
					}
					select {
					case ch <- ev:
						lastSeq = ev.Seq
					case <-ctx.Done():
						return
					}
					if ev.Type.IsTerminal() {
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// Delete 删除事件流
func (l *Log) Delete(ctx context.Context, taskID string) error {
	return l.client.Del(ctx, streamKey(taskID)).Err()
}

// Close 不关闭共享客户端
func (l *Log) Close() error { return nil }

func parseProgressEvent(msg redis.XMessage) (model.ProgressEvent, error) {
	var ev model.ProgressEvent
	data, ok := msg.Values["data"].(string)
	if !ok {
		return ev, fmt.Errorf("message %s has no data", msg.ID)
	}
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return ev, fmt.Errorf("failed to decode progress event: %w", err)
	}
	if seqStr, ok := msg.Values["seq"].(string); ok {
		if seq, err := strconv.ParseInt(seqStr, 10, 64); err == nil {
			ev.Seq = seq
		}
	}
	return ev, nil
}

var _ eventbus.ProgressLog = (*Log)(nil)
