// Package pipeline 直连与分段模式的流式执行管道
//
// 管道驱动 Provider 生成文本，把文本块攒成固定大小的批次交给 Sink，
// 同时按固定间隔发送保活信号。所有 Sink 调用都发生在 Run 所在的 goroutine 中，
// 因此批次严格按生成顺序到达。
//
// 分段模式下第 n+1 段只会在第 n 段全部交付之后开始；
// 任一分段不可恢复地失败时中止剩余分段，已交付的输出保留在 Outcome 中。
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"sitegen/internal/orchestrator/retry"
	"sitegen/internal/provider"
	"sitegen/internal/shared/model"
	"sitegen/pkg/logging"
)

// Config 管道配置
type Config struct {
	BatchChars        int           `yaml:"batch_chars"`        // 缓冲达到该字节数即交付一个批次
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"` // 保活信号间隔
	SegmentCount      int           `yaml:"segment_count"`      // 分段模式的分段数
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		BatchChars:        256,
		KeepAliveInterval: 15 * time.Second,
		SegmentCount:      3,
	}
}

// Plan 执行计划
type Plan struct {
	Mode     model.ExecutionMode
	Model    string
	Segments []Segment
	Context  string // 续写上下文（升级后的任务使用）
}

// Batch 一个输出批次
type Batch struct {
	Segment int    `json:"segment"`
	Text    string `json:"text"`
}

// Sink 管道输出的接收方
type Sink interface {
	Batch(ctx context.Context, b Batch) error
	KeepAlive(ctx context.Context) error
}

// SegmentSink 可选接口：分段模式下每段开始前被通知
type SegmentSink interface {
	SegmentStarted(ctx context.Context, seg Segment, total int) error
}

// Outcome 唯一的终结结果
//
// Err 为空时 Output 为完整输出；否则 Output 为失败前已交付的部分。
type Outcome struct {
	Output string
	Err    error
}

// RetryObserver 重试观察者
type RetryObserver interface {
	ProviderRetry(provider string)
}

// Pipeline 流式执行管道
type Pipeline struct {
	provider provider.Provider
	cfg      Config
	policy   retry.Policy
	logger   *logging.Logger
	observer RetryObserver
}

// New 创建管道
func New(p provider.Provider, cfg Config, policy retry.Policy, logger *logging.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.BatchChars <= 0 {
		cfg.BatchChars = def.BatchChars
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = def.KeepAliveInterval
	}
	if cfg.SegmentCount <= 0 {
		cfg.SegmentCount = def.SegmentCount
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Pipeline{provider: p, cfg: cfg, policy: policy, logger: logger.Named("pipeline")}
}

// Observe 设置重试观察者
func (p *Pipeline) Observe(o RetryObserver) {
	p.observer = o
}

// Segmenter 返回按配置分段数工作的切分器
func (p *Pipeline) Segmenter() Segmenter {
	return Segmenter{Count: p.cfg.SegmentCount}
}

// Config 返回生效的配置
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Run 执行计划，返回唯一的终结结果
func (p *Pipeline) Run(ctx context.Context, plan Plan, sink Sink) Outcome {
	ticker := time.NewTicker(p.cfg.KeepAliveInterval)
	defer ticker.Stop()

	segSink, notify := sink.(SegmentSink)
	notify = notify && len(plan.Segments) > 1

	var out strings.Builder
	for _, seg := range plan.Segments {
		if notify {
			if err := segSink.SegmentStarted(ctx, seg, len(plan.Segments)); err != nil {
				return Outcome{Output: out.String(), Err: stopError(err)}
			}
		}

		f := provider.Fragment{Prompt: seg.Prompt, Model: plan.Model, Context: plan.Context}
		if len(plan.Segments) > 1 {
			f.Preceding = out.String()
		}
		text, err := p.runFragment(ctx, f, seg.Index, sink, ticker)
		out.WriteString(text)
		if err != nil {
			err = stopError(err)
			if len(plan.Segments) > 1 {
				err = withSegment(err, seg.Index)
			}
			p.logger.WithError(err).Warn("pipeline failed",
				"mode", plan.Mode, "segment", seg.Index, "delivered", out.Len())
			return Outcome{Output: out.String(), Err: err}
		}
	}
	return Outcome{Output: out.String()}
}

// runFragment 带重试地执行一次片段调用，返回已交付的文本
//
// 只有当前这次尝试尚未交付任何文本时，瞬时错误才会被重试。
func (p *Pipeline) runFragment(ctx context.Context, f provider.Fragment, segment int, sink Sink, ticker *time.Ticker) (string, error) {
	var (
		delivered strings.Builder
		attemptN  int
	)
	err := p.policy.DoWait(ctx, func(ctx context.Context) error {
		text, err := p.stream(ctx, f, segment, sink, ticker)
		delivered.WriteString(text)
		attemptN = len(text)
		return err
	}, func(err error) bool {
		return attemptN == 0 && model.IsTransient(err)
	}, func(attempt int, err error) {
		p.logger.WithError(err).Info("retrying provider call", "provider", p.provider.Name(), "segment", segment, "attempt", attempt)
		if p.observer != nil {
			p.observer.ProviderRetry(p.provider.Name())
		}
	}, func(ctx context.Context, d time.Duration) error {
		return backoff(ctx, d, sink, ticker)
	})
	return delivered.String(), err
}

// backoff 重试等待期间照常按 ticker 发送保活
func backoff(ctx context.Context, d time.Duration, sink Sink, ticker *time.Ticker) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sink.KeepAlive(ctx); err != nil {
				return err
			}
		case <-timer.C:
			return nil
		}
	}
}

// stream 执行一次 Provider 调用：攒批交付，期间按 ticker 发送保活
func (p *Pipeline) stream(ctx context.Context, f provider.Fragment, segment int, sink Sink, ticker *time.Ticker) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, err := p.provider.GenerateFragment(ctx, f)
	if err != nil {
		return "", err
	}

	var buf, delivered strings.Builder
	flush := func() error {
		if buf.Len() == 0 {
			return nil
		}
		text := buf.String()
		buf.Reset()
		if err := sink.Batch(ctx, Batch{Segment: segment, Text: text}); err != nil {
			return err
		}
		delivered.WriteString(text)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return delivered.String(), ctx.Err()
		case <-ticker.C:
			if err := sink.KeepAlive(ctx); err != nil {
				return delivered.String(), err
			}
		case c, ok := <-chunks:
			if !ok {
				// 取消时 Provider 可能直接关闭通道而不发送错误
				if err := ctx.Err(); err != nil {
					return delivered.String(), err
				}
				err := flush()
				return delivered.String(), err
			}
			if c.Err != nil {
				return delivered.String(), c.Err
			}
			buf.WriteString(c.Text)
			if buf.Len() >= p.cfg.BatchChars {
				if err := flush(); err != nil {
					return delivered.String(), err
				}
			}
		}
	}
}

// stopError 把上下文错误转换为分类错误
func stopError(err error) error {
	var ge *model.GenError
	if errors.As(err, &ge) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &model.GenError{Kind: model.KindTimeout, Message: "pipeline deadline exceeded", Err: err}
	case errors.Is(err, context.Canceled):
		return &model.GenError{Kind: model.KindCancelled, Message: "pipeline stopped", Err: err}
	}
	return err
}

// withSegment 为错误标注失败分段
func withSegment(err error, segment int) error {
	var ge *model.GenError
	if errors.As(err, &ge) {
		tagged := *ge
		tagged.Segment = segment
		return &tagged
	}
	return &model.GenError{Kind: model.KindOf(err), Segment: segment, Err: err}
}
