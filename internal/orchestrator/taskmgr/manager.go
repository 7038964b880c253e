// Package taskmgr 异步任务管理
//
// 每个任务一个 goroutine，由加权信号量限制同时处理的任务数；等待信号量期间任务保持 pending。
// 任务记录只由所属 goroutine 更新：先在存储中原子地应用事件（分配序号），
// 再把同一事件追加到事件日志，因此存储中的快照序号总是不小于日志中可见的最大序号。
package taskmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"sitegen/internal/orchestrator/pipeline"
	"sitegen/internal/shared/eventbus"
	"sitegen/internal/shared/model"
	"sitegen/internal/shared/storage"
	"sitegen/internal/shared/taskstore"
	"sitegen/pkg/logging"
)

// 任务上下文的取消原因
var (
	ErrCancelled   = errors.New("task cancelled by owner")
	ErrShutdown    = errors.New("task manager shutting down")
	ErrClosed      = errors.New("task manager is not accepting tasks")
	errCeiling     = errors.New("task ceiling exceeded")
	errNotApplied  = errors.New("event not applied")
)

// finalizeBudget 任务上下文结束后落盘终态的时限
const finalizeBudget = 10 * time.Second

// Config 任务管理配置
type Config struct {
	MaxConcurrent  int           `yaml:"max_concurrent_tasks"` // 同时处理的任务数上限
	TaskCeiling    time.Duration `yaml:"task_ceiling"`         // 单任务绝对时限（含排队时间）
	Retention      time.Duration `yaml:"retention"`            // 终态任务保留时长
	PersistTimeout time.Duration `yaml:"persist_timeout"`      // 产物持久化时限
	ExpectedChars  int           `yaml:"expected_chars"`       // 进度估算使用的预期输出长度
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  8,
		TaskCeiling:    10 * time.Minute,
		Retention:      time.Hour,
		PersistTimeout: 30 * time.Second,
		ExpectedChars:  6000,
	}
}

// SubmitOptions 提交选项
type SubmitOptions struct {
	Origin model.TaskOrigin
	Resume string // 已交付给调用方的输出，非空时任务从这里续写
}

// Observer 任务生命周期观察者（指标）
type Observer interface {
	TaskStatusChanged(from, to model.TaskStatus)
	TaskFinished(origin model.TaskOrigin, status model.TaskStatus, d time.Duration)
}

// Manager 异步任务管理器
type Manager struct {
	store     taskstore.Store
	log       eventbus.ProgressLog
	pipe      *pipeline.Pipeline
	persister *storage.BackgroundPersister
	cfg       Config
	logger    *logging.Logger
	observer  Observer
	sem       *semaphore.Weighted
	now       func() time.Time

	ctx  context.Context
	stop context.CancelCauseFunc

	mu        sync.Mutex
	running   map[string]context.CancelCauseFunc
	timers    map[string]*time.Timer
	closing   bool
	wg        sync.WaitGroup
}

// New 创建任务管理器；persister 可为 nil
func New(store taskstore.Store, log eventbus.ProgressLog, pipe *pipeline.Pipeline, persister storage.Persister, cfg Config, logger *logging.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.TaskCeiling <= 0 {
		cfg.TaskCeiling = def.TaskCeiling
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.ExpectedChars <= 0 {
		cfg.ExpectedChars = def.ExpectedChars
	}
	if logger == nil {
		logger = logging.Nop()
	}

	logger = logger.Named("taskmgr")
	ctx, stop := context.WithCancelCause(context.Background())
	return &Manager{
		store:     store,
		log:       log,
		pipe:      pipe,
		persister: storage.NewBackgroundPersister(persister, cfg.PersistTimeout, logger),
		cfg:       cfg,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		now:       time.Now,
		ctx:       ctx,
		stop:      stop,
		running:   make(map[string]context.CancelCauseFunc),
		timers:    make(map[string]*time.Timer),
	}
}

// Observe 设置生命周期观察者
func (m *Manager) Observe(o Observer) {
	m.observer = o
}

// Submit 创建 pending 任务并立即返回任务 ID，生成在后台进行
func (m *Manager) Submit(ctx context.Context, req model.GenerationRequest, opts SubmitOptions) (string, error) {
	if req.Owner == "" {
		return "", model.NewValidationError("owner is required")
	}
	if opts.Origin == "" {
		opts.Origin = model.TaskOriginAsync
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	id := uuid.NewString()
	task := model.NewAsyncTask(id, req, opts.Origin, opts.Resume, m.now())
	if err := m.store.Create(ctx, task); err != nil {
		m.wg.Done()
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	taskCtx, cancel := context.WithCancelCause(m.ctx)
	m.mu.Lock()
	m.running[id] = cancel
	m.mu.Unlock()

	m.logger.WithTaskID(id).Info("task submitted", "owner", req.Owner, "origin", opts.Origin, "resume_chars", len(opts.Resume))
	m.notifyStatus("", model.TaskStatusPending)

	go m.run(taskCtx, task)
	return id, nil
}

// GetSnapshot 返回任务快照，每次读取都校验归属
func (m *Manager) GetSnapshot(ctx context.Context, id, owner string) (*model.AsyncTask, error) {
	task, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.OwnedBy(owner) {
		return nil, model.ErrNotOwned
	}
	return task, nil
}

// Cancel 取消任务
//
// pending 任务直接删除，不产生任何事件（removed 为 true）；
// processing 任务停止后续 Provider 调用，最终记为 failed/cancelled。终态任务返回 model.ErrTerminal。
func (m *Manager) Cancel(ctx context.Context, id, owner string) (removed bool, err error) {
	task, err := m.GetSnapshot(ctx, id, owner)
	if err != nil {
		return false, err
	}
	if task.Status.IsTerminal() {
		return false, model.ErrTerminal
	}

	if task.Status == model.TaskStatusPending {
		ok, err := m.store.DeleteIfStatus(ctx, id, model.TaskStatusPending)
		if err != nil {
			return false, fmt.Errorf("failed to remove pending task: %w", err)
		}
		if ok {
			m.abort(id, ErrCancelled)
			if err := m.log.Delete(ctx, id); err != nil {
				m.logger.WithTaskID(id).WithError(err).Warn("failed to delete event log")
			}
			m.notifyStatus(model.TaskStatusPending, "")
			m.logger.TaskLog("cancelled", id, "status", model.TaskStatusPending)
			return true, nil
		}
	}

	m.abort(id, ErrCancelled)
	m.logger.TaskLog("cancel requested", id, "status", task.Status)
	return false, nil
}

func (m *Manager) abort(id string, cause error) {
	m.mu.Lock()
	cancel := m.running[id]
	m.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}

// run 任务 goroutine
func (m *Manager) run(parent context.Context, task *model.AsyncTask) {
	defer m.wg.Done()
	id := task.ID
	logger := m.logger.WithTaskID(id)

	ctx, cancel := context.WithTimeoutCause(parent, m.cfg.TaskCeiling, errCeiling)
	defer func() {
		cancel()
		m.mu.Lock()
		if c := m.running[id]; c != nil {
			c(nil)
		}
		delete(m.running, id)
		m.mu.Unlock()
	}()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.fail(ctx, task, err)
		return
	}
	defer m.sem.Release(1)

	plan := m.planFor(task)
	sink := &taskSink{m: m, task: task, total: 1, segChars: len(task.ResumeOutput)}

	started, err := m.commit(ctx, id, func(t *model.AsyncTask) model.ProgressEvent {
		return model.ProgressEvent{Type: model.EventTypeProgress, Status: model.TaskStatusProcessing, Progress: sink.progress()}
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			logger.Info("task removed before start")
			return
		}
		m.fail(ctx, task, err)
		return
	}
	m.notifyStatus(model.TaskStatusPending, model.TaskStatusProcessing)
	logger.Info("task processing", "segments", len(plan.Segments))

	outcome := m.pipe.Run(ctx, plan, sink)
	if outcome.Err != nil {
		m.fail(ctx, started, outcome.Err)
		return
	}
	m.succeed(ctx, started)
}

// planFor 新任务分段执行，升级任务从已交付的输出处续写
func (m *Manager) planFor(task *model.AsyncTask) pipeline.Plan {
	if task.ResumeOutput != "" {
		return pipeline.ResumePlan(task.Prompt, task.Model, task.ResumeOutput)
	}
	req := model.GenerationRequest{Owner: task.Owner, Prompt: task.Prompt, Model: task.Model, ConversationID: task.ConversationID}
	return pipeline.PlanFor(model.ModeSegmented, req, m.pipe.Segmenter())
}

func (m *Manager) succeed(ctx context.Context, task *model.AsyncTask) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeBudget)
	defer cancel()

	final, err := m.commit(fctx, task.ID, func(*model.AsyncTask) model.ProgressEvent {
		return model.ProgressEvent{Type: model.EventTypeCompleted, Status: model.TaskStatusSucceeded, Progress: 100}
	})
	if err != nil {
		m.logger.WithTaskID(task.ID).WithError(err).Error("failed to record task success")
		return
	}
	m.finished(final, model.TaskStatusProcessing)
	m.persist(final)
}

// fail 记录失败；上下文的取消原因决定错误分类
func (m *Manager) fail(ctx context.Context, task *model.AsyncTask, err error) {
	err = failureCause(ctx, err, m.cfg.TaskCeiling)
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeBudget)
	defer cancel()

	from := model.TaskStatusProcessing
	final, uerr := m.commit(fctx, task.ID, func(t *model.AsyncTask) model.ProgressEvent {
		from = t.Status
		return model.ProgressEvent{Type: model.EventTypeFailed, Status: model.TaskStatusFailed, Progress: t.Progress, Error: model.ToTaskError(err)}
	})
	if uerr != nil {
		if errors.Is(uerr, model.ErrNotFound) {
			m.logger.WithTaskID(task.ID).Info("task removed before start")
			return
		}
		m.logger.WithTaskID(task.ID).WithError(uerr).Error("failed to record task failure", "cause", err.Error())
		return
	}
	m.logger.WithTaskID(task.ID).WithError(err).Warn("task failed", "kind", model.KindOf(err))
	m.finished(final, from)
}

func failureCause(ctx context.Context, err error, ceiling time.Duration) error {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errCeiling):
		return &model.GenError{Kind: model.KindTimeout, Message: fmt.Sprintf("task exceeded ceiling of %s", ceiling), Err: err}
	case errors.Is(cause, ErrCancelled), errors.Is(cause, ErrShutdown):
		return &model.GenError{Kind: model.KindCancelled, Message: cause.Error()}
	}
	return err
}

// commit 在存储中原子地应用事件并追加到事件日志
func (m *Manager) commit(ctx context.Context, id string, build func(t *model.AsyncTask) model.ProgressEvent) (*model.AsyncTask, error) {
	var ev model.ProgressEvent
	task, err := m.store.Update(ctx, id, func(t *model.AsyncTask) error {
		ev = build(t)
		ev.TaskID = id
		ev.Seq = t.Seq + 1
		ev.Timestamp = m.now()
		if !t.Apply(ev) {
			return errNotApplied
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.log.Publish(ctx, &ev); err != nil {
		// 订阅方通过序号断档发现缺失并重新快照
		m.logger.WithTaskID(id).WithError(err).Warn("failed to publish progress event", "seq", ev.Seq)
	}
	return task, nil
}

func (m *Manager) finished(task *model.AsyncTask, from model.TaskStatus) {
	m.notifyStatus(from, task.Status)
	if m.observer != nil && task.StartedAt != nil && task.FinishedAt != nil {
		m.observer.TaskFinished(task.Origin, task.Status, task.FinishedAt.Sub(*task.StartedAt))
	}
	m.logger.TaskLog("finished", task.ID, "status", task.Status, "progress", task.Progress, "output_chars", len(task.Output))
	m.scheduleRemoval(task.ID)
}

// persist 以 fire-and-forget 方式保存产物，失败只记日志
func (m *Manager) persist(task *model.AsyncTask) {
	m.persister.Go(&model.Artifact{
		ID:             task.ID,
		Owner:          task.Owner,
		ConversationID: task.ConversationID,
		Model:          task.Model,
		CreatedAt:      m.now(),
	}, task.FullOutput())
}

func (m *Manager) scheduleRemoval(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return
	}
	m.timers[id] = time.AfterFunc(m.cfg.Retention, func() {
		m.mu.Lock()
		delete(m.timers, id)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), finalizeBudget)
		defer cancel()
		if err := m.store.Delete(ctx, id); err != nil {
			m.logger.WithTaskID(id).WithError(err).Warn("failed to remove expired task")
		}
		if err := m.log.Delete(ctx, id); err != nil {
			m.logger.WithTaskID(id).WithError(err).Warn("failed to remove expired event log")
		}
	})
}

func (m *Manager) notifyStatus(from, to model.TaskStatus) {
	if m.observer != nil {
		m.observer.TaskStatusChanged(from, to)
	}
}

// Drain 停止接收新任务并等待进行中的任务结束
//
// ctx 到期后取消所有剩余任务（记为 failed/cancelled），再等待它们落盘。
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		m.persister.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.stop(ErrShutdown)
		<-done
		return ctx.Err()
	}
}

// Running 返回进行中（含排队）的任务数
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// taskSink 把管道输出写入任务记录与事件日志
type taskSink struct {
	m        *Manager
	task     *model.AsyncTask
	segment  int
	total    int
	segChars int
}

func (s *taskSink) Batch(ctx context.Context, b pipeline.Batch) error {
	if b.Segment > s.segment {
		s.segment = b.Segment
	}
	s.segChars += len(b.Text)
	_, err := s.m.commit(ctx, s.task.ID, func(*model.AsyncTask) model.ProgressEvent {
		return model.ProgressEvent{Type: model.EventTypeProgress, Status: model.TaskStatusProcessing, Progress: s.progress(), Delta: b.Text}
	})
	return err
}

// KeepAlive 任务观察者的心跳由桥接层负责
func (s *taskSink) KeepAlive(context.Context) error { return nil }

func (s *taskSink) SegmentStarted(_ context.Context, seg pipeline.Segment, total int) error {
	s.segment = seg.Index
	s.total = total
	s.segChars = 0
	return nil
}

// progress 按分段加权的渐近估计，成功前最高 99
func (s *taskSink) progress() int {
	total := max(s.total, 1)
	seg := min(max(s.segment, 1), total)
	per := float64(max(s.m.cfg.ExpectedChars/total, 1))
	frac := float64(s.segChars) / (float64(s.segChars) + per)
	p := int((float64(seg-1) + frac) / float64(total) * 99)
	return min(max(p, 1), 99)
}

var (
	_ pipeline.Sink        = (*taskSink)(nil)
	_ pipeline.SegmentSink = (*taskSink)(nil)
)
