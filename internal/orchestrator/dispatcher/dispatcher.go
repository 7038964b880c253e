// Package dispatcher 请求模式分派
//
// 准入时按复杂度等级选择执行模式：small → direct，medium → segmented，large → async。
// direct/segmented 在调用方的请求 goroutine 上执行，期间由观察 goroutine 周期性采集
// 运行时信号交给评估器重新评估；等级升到 large 时执行一次性升级：
// 停止管道，把原提示词和已交付的部分输出交给任务管理器续写，并向调用方发送唯一一次 mode_switch。
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sitegen/internal/orchestrator/estimator"
	"sitegen/internal/orchestrator/pipeline"
	"sitegen/internal/orchestrator/taskmgr"
	"sitegen/internal/shared/model"
	"sitegen/internal/shared/storage"
	"sitegen/pkg/logging"
)

// 升级原因
const (
	ReasonTimeBudget = "time_budget"
	ReasonSlowOutput = "slow_output"
	ReasonRequested  = "requested"
)

// Config 分派配置
type Config struct {
	CheckInterval  time.Duration `yaml:"check_interval"`   // 运行时信号采样间隔
	GrowthFloor    float64       `yaml:"growth_floor"`     // 输出增长速率下限（字符/秒）
	MaxPromptChars int           `yaml:"max_prompt_chars"` // 提示词长度上限，0 表示不限制
	AllowedModels  []string      `yaml:"allowed_models"`   // 允许的模型，空表示不限制
	PersistTimeout time.Duration `yaml:"persist_timeout"`  // 产物持久化时限
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		CheckInterval:  time.Second,
		GrowthFloor:    20,
		MaxPromptChars: 20000,
		PersistTimeout: storage.DefaultPersistTimeout,
	}
}

// Limits 请求校验限制
func (c Config) Limits() model.RequestLimits {
	return model.RequestLimits{MaxPromptChars: c.MaxPromptChars, AllowedModels: c.AllowedModels}
}

// ModeSwitch 模式切换通知
type ModeSwitch struct {
	From      model.ExecutionMode `json:"from"`
	To        model.ExecutionMode `json:"to"`
	TaskID    string              `json:"task_id"`
	Reason    string              `json:"reason"`
	Delivered int                 `json:"delivered"` // 切换前已交付的字节数
}

// Stream 调用方连接；在 pipeline.Sink 之上增加模式切换通知
type Stream interface {
	pipeline.Sink
	ModeSwitch(ctx context.Context, ms ModeSwitch) error
}

// Result 分派结果
//
// Escalated 为 true 时 Mode 为 async，Output 为切换前已交付的部分；
// 调用方随后通过进度桥接跟随 TaskID。
type Result struct {
	RequestID string                `json:"request_id"`
	Mode      model.ExecutionMode   `json:"mode"`
	Score     model.ComplexityScore `json:"score"`
	TaskID    string                `json:"task_id,omitempty"`
	Escalated bool                  `json:"escalated"`
	Reason    string                `json:"reason,omitempty"`
	Output    string                `json:"output,omitempty"`
}

// Submitter 异步任务提交
type Submitter interface {
	Submit(ctx context.Context, req model.GenerationRequest, opts taskmgr.SubmitOptions) (string, error)
}

// Observer 分派观察者（指标）
type Observer interface {
	Dispatched(mode model.ExecutionMode)
	Escalated(from model.ExecutionMode, reason string)
}

// Dispatcher 模式分派器
type Dispatcher struct {
	est      *estimator.Estimator
	pipe     *pipeline.Pipeline
	tasks    Submitter
	saver    *storage.BackgroundPersister
	cfg      Config
	logger   *logging.Logger
	observer Observer
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]*execution
}

// New 创建分派器；persister 可为 nil
func New(est *estimator.Estimator, pipe *pipeline.Pipeline, tasks Submitter, persister storage.Persister, cfg Config, logger *logging.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.GrowthFloor < 0 {
		cfg.GrowthFloor = 0
	}
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Named("dispatcher")
	return &Dispatcher{
		est:      est,
		pipe:     pipe,
		tasks:    tasks,
		saver:    storage.NewBackgroundPersister(persister, cfg.PersistTimeout, logger),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]*execution),
	}
}

// Observe 设置观察者
func (d *Dispatcher) Observe(o Observer) {
	d.observer = o
}

// Classify 评估请求并给出准入模式
func (d *Dispatcher) Classify(req model.GenerationRequest) (model.ComplexityScore, model.ExecutionMode) {
	score := d.est.Estimate(req.Prompt, req.Model)
	return score, model.ModeForClass(score.Class)
}

// Validate 校验请求
func (d *Dispatcher) Validate(req model.GenerationRequest) error {
	return req.Validate(d.cfg.Limits())
}

// Dispatch 分派并驱动请求直到完成、升级或失败
//
// direct/segmented 失败时同时返回 Result（Output 为已交付的部分）与错误。
func (d *Dispatcher) Dispatch(ctx context.Context, req model.GenerationRequest, stream Stream) (*Result, error) {
	if err := d.Validate(req); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	score, mode := d.Classify(req)
	logger := d.logger.WithRequestID(req.RequestID)
	logger.Info("request dispatched", "mode", mode, "score", score.Score, "class", score.Class, "owner", req.Owner)
	if d.observer != nil {
		d.observer.Dispatched(mode)
	}

	result := &Result{RequestID: req.RequestID, Mode: mode, Score: score}
	if mode == model.ModeAsync {
		id, err := d.tasks.Submit(ctx, req, taskmgr.SubmitOptions{Origin: model.TaskOriginAsync})
		if err != nil {
			return nil, err
		}
		result.TaskID = id
		return result, nil
	}
	return d.drive(ctx, req, result, stream, logger)
}

// Escalate 请求把 owner 进行中的 direct/segmented 请求升级为 async
//
// 同一请求只会升级一次，重复调用、请求不存在或不属于 owner 时返回 false。
// 返回 true 后升级即成立：之后管道即使以其他错误结束，剩余工作也交给异步任务，
// 只有管道先于升级完成或调用方断开时才不切换。
func (d *Dispatcher) Escalate(requestID, owner, reason string) bool {
	d.mu.Lock()
	ex := d.inflight[requestID]
	d.mu.Unlock()
	if ex == nil || ex.owner != owner {
		return false
	}
	return ex.escalate(reason)
}

// 执行状态
const (
	stateRunning int32 = iota
	stateEscalating
	stateFinished
)

// execution 一次 direct/segmented 执行
type execution struct {
	owner     string
	state     atomic.Int32
	reason    atomic.Value
	delivered atomic.Int64
	cancel    context.CancelFunc
}

// escalate 原子地进入升级状态并停止管道
func (e *execution) escalate(reason string) bool {
	if !e.state.CompareAndSwap(stateRunning, stateEscalating) {
		return false
	}
	e.reason.Store(reason)
	e.cancel()
	return true
}

func (d *Dispatcher) drive(ctx context.Context, req model.GenerationRequest, result *Result, stream Stream, logger *logging.Logger) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ex := &execution{owner: req.Owner, cancel: cancel}
	d.mu.Lock()
	d.inflight[req.RequestID] = ex
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, req.RequestID)
		d.mu.Unlock()
	}()

	stopWatch := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		d.watch(ex, result.Score, stopWatch)
	}()

	plan := pipeline.PlanFor(result.Mode, req, d.pipe.Segmenter())
	outcome := d.pipe.Run(runCtx, plan, &countingSink{Stream: stream, ex: ex})
	close(stopWatch)
	<-watchDone

	result.Output = outcome.Output
	finished := ex.state.CompareAndSwap(stateRunning, stateFinished)
	switch {
	case outcome.Err == nil:
		// 先于升级完成的请求按正常完成处理
		logger.Info("request completed", "mode", result.Mode, "output_chars", len(outcome.Output))
		d.persist(req, outcome.Output)
		return result, nil
	case finished || ctx.Err() != nil:
		// 调用方断开时不留下后台任务
		logger.WithError(outcome.Err).Warn("request failed", "mode", result.Mode, "delivered", len(outcome.Output))
		return result, outcome.Err
	}
	return d.escalate(ctx, req, result, stream, ex, outcome.Output, logger)
}

// persist 保存 direct/segmented 请求的产物，失败只记日志
func (d *Dispatcher) persist(req model.GenerationRequest, output string) {
	d.saver.Go(&model.Artifact{
		ID:             req.RequestID,
		Owner:          req.Owner,
		ConversationID: req.ConversationID,
		Model:          req.Model,
		CreatedAt:      d.now(),
	}, output)
}

// Wait 等待进行中的产物持久化结束
func (d *Dispatcher) Wait() {
	d.saver.Wait()
}

// escalate 把剩余工作交给任务管理器并通知调用方
func (d *Dispatcher) escalate(ctx context.Context, req model.GenerationRequest, result *Result, stream Stream, ex *execution, delivered string, logger *logging.Logger) (*Result, error) {
	reason, _ := ex.reason.Load().(string)
	from := result.Mode
	if !from.CanUpgradeTo(model.ModeAsync) {
		return result, &model.GenError{Kind: model.KindInternal, Message: fmt.Sprintf("mode %s cannot be escalated", from)}
	}

	id, err := d.tasks.Submit(ctx, req, taskmgr.SubmitOptions{Origin: model.TaskOriginEscalated, Resume: delivered})
	if err != nil {
		return result, fmt.Errorf("escalation failed: %w", err)
	}

	result.Mode = model.ModeAsync
	result.TaskID = id
	result.Escalated = true
	result.Reason = reason
	if d.observer != nil {
		d.observer.Escalated(from, reason)
	}
	logger.Info("request escalated", "from", from, "task_id", id, "reason", reason, "delivered", len(delivered))

	ms := ModeSwitch{From: from, To: model.ModeAsync, TaskID: id, Reason: reason, Delivered: len(delivered)}
	if err := stream.ModeSwitch(ctx, ms); err != nil {
		// 任务已独立运行，调用方可通过任务 ID 重新附着
		logger.WithError(err).Warn("failed to notify mode switch", "task_id", id)
	}
	return result, nil
}

// watch 周期性采集运行时信号并请求重新评估
func (d *Dispatcher) watch(ex *execution, base model.ComplexityScore, stop <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	start := d.now()
	last := d.now()
	var (
		prevChars int64
		slowFor   time.Duration
	)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		now := d.now()
		interval := now.Sub(last)
		last = now
		chars := ex.delivered.Load()

		var rate float64
		if interval > 0 {
			rate = float64(chars-prevChars) / interval.Seconds()
		}
		prevChars = chars
		if rate < d.cfg.GrowthFloor {
			slowFor += interval
		} else {
			slowFor = 0
		}

		sig := estimator.RuntimeSignals{Elapsed: now.Sub(start), OutputChars: int(chars), GrowthRate: rate, SlowFor: slowFor}
		if !d.est.Reevaluate(base, sig).Class.AtLeast(model.SizeLarge) {
			continue
		}
		reason := ReasonSlowOutput
		if budget := d.est.Config().RequestBudget; budget > 0 && sig.Elapsed >= budget {
			reason = ReasonTimeBudget
		}
		ex.escalate(reason)
		return
	}
}

// countingSink 统计已交付的输出量供观察 goroutine 使用
type countingSink struct {
	Stream
	ex *execution
}

func (s *countingSink) Batch(ctx context.Context, b pipeline.Batch) error {
	if err := s.Stream.Batch(ctx, b); err != nil {
		return err
	}
	s.ex.delivered.Add(int64(len(b.Text)))
	return nil
}

// SegmentStarted 透传给支持分段通知的调用方连接
func (s *countingSink) SegmentStarted(ctx context.Context, seg pipeline.Segment, total int) error {
	if ss, ok := s.Stream.(pipeline.SegmentSink); ok {
		return ss.SegmentStarted(ctx, seg, total)
	}
	return nil
}

