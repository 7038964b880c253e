// Package bridge 异步任务的进度桥接
//
// 桥接层只读取任务，从不修改任务。一次 Attach 会话的事件顺序：
//
//	connected（当前快照）→ 快照之后的 progress ... → completed | failed
//
// 期间按固定间隔插入 heartbeat。会话内序号严格递增、不重复；
// 调用方断开只结束会话，不影响任务本身。
package bridge

import (
	"context"
	"errors"
	"time"

	"sitegen/internal/shared/eventbus"
	"sitegen/internal/shared/model"
	"sitegen/pkg/logging"
)

// Config 桥接配置
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Buffer            int           `yaml:"buffer"`          // 会话出站缓冲
	ResubscribeDelay  time.Duration `yaml:"resubscribe_delay"` // 订阅失败后的重试间隔
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		Buffer:            64,
		ResubscribeDelay:  time.Second,
	}
}

// SnapshotReader 带归属校验的任务读取
type SnapshotReader interface {
	GetSnapshot(ctx context.Context, id, owner string) (*model.AsyncTask, error)
}

// Snapshot Poll 结果
type Snapshot struct {
	Task *model.AsyncTask `json:"task"`
	Seq  int64            `json:"seq"`
}

// Bridge 进度桥接
type Bridge struct {
	tasks  SnapshotReader
	log    eventbus.ProgressLog
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
}

// New 创建进度桥接
func New(tasks SnapshotReader, log eventbus.ProgressLog, cfg Config, logger *logging.Logger) *Bridge {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = def.ResubscribeDelay
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Bridge{tasks: tasks, log: log, cfg: cfg, logger: logger.Named("bridge"), now: time.Now}
}

// Poll 返回当前快照及其序号
func (b *Bridge) Poll(ctx context.Context, id, owner string) (*Snapshot, error) {
	task, err := b.tasks.GetSnapshot(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Task: task, Seq: task.Seq}, nil
}

// Attach 建立观察会话
//
// 任务不存在或不属于 owner 时直接返回错误。通道在推送终态事件后、
// ctx 取消后或任务被移除后关闭。附着到已终结任务时只推送 connected。
func (b *Bridge) Attach(ctx context.Context, id, owner string) (<-chan model.ProgressEvent, error) {
	snap, err := b.tasks.GetSnapshot(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	out := make(chan model.ProgressEvent, b.cfg.Buffer)
	s := &session{b: b, id: id, owner: owner, out: out, logger: b.logger.WithTaskID(id)}
	go s.run(ctx, snap)
	return out, nil
}

// session 一次观察会话
type session struct {
	b      *Bridge
	id     string
	owner  string
	out    chan<- model.ProgressEvent
	logger *logging.Logger

	last     int64 // 已交付的最大序号（含快照）
	status   model.TaskStatus
	progress int
}

func (s *session) run(ctx context.Context, snap *model.AsyncTask) {
	defer close(s.out)

	if !s.connected(ctx, snap) || snap.Status.IsTerminal() {
		return
	}

	ticker := time.NewTicker(s.b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	sub := s.subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.send(ctx, model.ProgressEvent{TaskID: s.id, Type: model.EventTypeHeartbeat, Status: s.status, Progress: s.progress, Timestamp: s.b.now()}) {
				return
			}
		case ev, ok := <-sub:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				// 订阅提前结束：先补齐，再重新订阅
				if done := s.catchUp(ctx); done {
					return
				}
				sub = s.subscribe(ctx)
				continue
			}
			if ev.Seq <= s.last {
				continue
			}
			if ev.Seq > s.last+1 {
				s.logger.Warn("event gap detected", "last", s.last, "got", ev.Seq)
				if done := s.catchUp(ctx); done {
					return
				}
				continue
			}
			if !s.deliver(ctx, ev) || ev.Type.IsTerminal() {
				return
			}
		}
	}
}

// subscribe 订阅快照之后的事件；失败时等待后重试，ctx 取消时返回 nil 通道
func (s *session) subscribe(ctx context.Context) <-chan model.ProgressEvent {
	for {
		sub, err := s.b.log.Subscribe(ctx, s.id, s.last)
		if err == nil {
			return sub
		}
		s.logger.WithError(err).Warn("subscribe failed, retrying")
		t := time.NewTimer(s.b.cfg.ResubscribeDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// catchUp 从日志补齐连续事件，再按快照收尾或重新同步；返回会话是否结束
func (s *session) catchUp(ctx context.Context) bool {
	events, err := s.b.log.Events(ctx, s.id, s.last, 0)
	if err != nil {
		s.logger.WithError(err).Warn("failed to read event log")
	}
	for _, ev := range events {
		if ev.Seq != s.last+1 {
			break
		}
		if !s.deliver(ctx, ev) || ev.Type.IsTerminal() {
			return true
		}
	}

	snap, err := s.b.tasks.GetSnapshot(ctx, s.id, s.owner)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		if errors.Is(err, model.ErrNotFound) {
			s.send(ctx, model.ProgressEvent{
				TaskID:    s.id,
				Type:      model.EventTypeFailed,
				Status:    model.TaskStatusFailed,
				Progress:  s.progress,
				Timestamp: s.b.now(),
				Error:     &model.TaskError{Kind: model.KindNotFound, Message: "task no longer exists"},
			})
			return true
		}
		s.logger.WithError(err).Warn("failed to re-snapshot task")
		return false
	}

	switch {
	case snap.Seq <= s.last:
		return false
	case snap.Status.IsTerminal() && snap.Seq == s.last+1:
		// 只缺终态事件，可以从快照精确合成
		ev, _ := model.TerminalEvent(snap)
		s.deliver(ctx, ev)
		return true
	default:
		return !s.connected(ctx, snap) || snap.Status.IsTerminal()
	}
}

// connected 推送携带快照的 connected 事件
func (s *session) connected(ctx context.Context, snap *model.AsyncTask) bool {
	s.last = snap.Seq
	s.status = snap.Status
	s.progress = snap.Progress
	return s.send(ctx, model.ProgressEvent{
		TaskID:    s.id,
		Type:      model.EventTypeConnected,
		Status:    snap.Status,
		Progress:  snap.Progress,
		Timestamp: s.b.now(),
		Snapshot:  snap,
	})
}

func (s *session) deliver(ctx context.Context, ev model.ProgressEvent) bool {
	if !s.send(ctx, ev) {
		return false
	}
	s.last = ev.Seq
	if ev.Status != "" {
		s.status = ev.Status
	}
	s.progress = max(s.progress, ev.Progress)
	return true
}

// send 写入出站通道；调用方消费过慢时阻塞，ctx 取消时放弃
func (s *session) send(ctx context.Context, ev model.ProgressEvent) bool {
	select {
	case s.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
