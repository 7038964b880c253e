// Package memory 基于内存的进度事件日志实现
package memory

import (
	"context"
	"fmt"
	"sync"

	"sitegen/internal/shared/eventbus"
	"sitegen/internal/shared/model"
)

type taskLog struct {
	events      []model.ProgressEvent
	notify      chan struct{} // 每次追加后关闭并替换
	subscribers int
	deleted     bool
}

// Log 内存事件日志
type Log struct {
	mu   sync.Mutex
	logs map[string]*taskLog
}

// NewLog 创建内存事件日志
func NewLog() *Log {
	return &Log{logs: make(map[string]*taskLog)}
}

// getLocked 获取或创建任务日志，调用方需持有锁
func (l *Log) getLocked(taskID string) *taskLog {
	tl, ok := l.logs[taskID]
	if !ok {
		tl = &taskLog{notify: make(chan struct{})}
		l.logs[taskID] = tl
	}
	return tl
}

func (l *Log) Publish(ctx context.Context, event *model.ProgressEvent) error {
	if !event.Type.IsPersisted() {
		return fmt.Errorf("event type %s is not persisted", event.Type)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tl := l.getLocked(event.TaskID)
	if n := len(tl.events); n > 0 && tl.events[n-1].Seq >= event.Seq {
		return fmt.Errorf("seq %d is not after %d", event.Seq, tl.events[n-1].Seq)
	}
	tl.events = append(tl.events, *event)
	close(tl.notify)
	tl.notify = make(chan struct{})
	return nil
}

func (l *Log) Events(ctx context.Context, taskID string, afterSeq int64, limit int64) ([]model.ProgressEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl, ok := l.logs[taskID]
	if !ok {
		return nil, nil
	}
	return after(tl.events, afterSeq, limit), nil
}

func (l *Log) Subscribe(ctx context.Context, taskID string, afterSeq int64) (<-chan model.ProgressEvent, error) {
	l.mu.Lock()
	tl := l.getLocked(taskID)
	tl.subscribers++
	l.mu.Unlock()

	ch := make(chan model.ProgressEvent, eventbus.SubscribeBuffer())
	go func() {
		defer close(ch)
		defer l.release(taskID, tl)

		last := afterSeq
		for {
			l.mu.Lock()
			pending := after(tl.events, last, 0)
			notify := tl.notify
			deleted := tl.deleted
			l.mu.Unlock()

			for _, ev := range pending {
				select {
				case ch <- ev:
					last = ev.Seq
				case <-ctx.Done():
					return
				}
				if ev.Type.IsTerminal() {
					return
				}
			}
			if deleted {
				return
			}

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// release 订阅结束时回收没有事件也没有订阅者的空日志
func (l *Log) release(taskID string, tl *taskLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.subscribers--
	if tl.subscribers == 0 && len(tl.events) == 0 && l.logs[taskID] == tl {
		delete(l.logs, taskID)
	}
}

func (l *Log) Delete(ctx context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tl, ok := l.logs[taskID]; ok {
		tl.deleted = true
		close(tl.notify)
		tl.notify = make(chan struct{})
		delete(l.logs, taskID)
	}
	return nil
}

func (l *Log) Close() error { return nil }

func after(events []model.ProgressEvent, afterSeq int64, limit int64) []model.ProgressEvent {
	var out []model.ProgressEvent
	for _, ev := range events {
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out
}

var _ eventbus.ProgressLog = (*Log)(nil)
