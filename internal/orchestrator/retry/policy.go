// Package retry Provider 瞬时错误的有界重试策略
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Policy 重试策略
type Policy struct {
	MaxRetries        int           `yaml:"max_retries"`        // 最大重试次数（0 表示不重试）
	InitialDelay      time.Duration `yaml:"initial_delay"`      // 首次重试前的等待
	MaxDelay          time.Duration `yaml:"max_delay"`          // 单次等待上限
	BackoffMultiplier float64       `yaml:"backoff_multiplier"` // 指数退避倍数
}

// DefaultPolicy 默认重试策略
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        2,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ZeroDelay 返回不等待的重试策略（测试使用）
func ZeroDelay(maxRetries int) Policy {
	return Policy{MaxRetries: maxRetries, BackoffMultiplier: 1}
}

// CalculateDelay 计算第 retryCount 次重试前的等待时间
func (p Policy) CalculateDelay(retryCount int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	if retryCount <= 0 {
		return p.InitialDelay
	}

	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(retryCount))
	if p.MaxDelay > 0 && time.Duration(delay) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry 判断已重试 retryCount 次后是否还能继续
func (p Policy) ShouldRetry(retryCount int) bool {
	return retryCount < p.MaxRetries
}

// Validate 校验策略参数
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("max_retries must be non-negative")
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return errors.New("retry delays must be non-negative")
	}
	if p.BackoffMultiplier <= 0 {
		return errors.New("backoff_multiplier must be positive")
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		return errors.New("initial_delay cannot be greater than max_delay")
	}
	return nil
}

// Do 执行 op，retryable 返回 true 时按策略退避后重试
//
// onRetry 可为 nil，在每次重试等待前调用。返回最后一次的错误；
// 等待期间 ctx 取消时返回 ctx.Err()。
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, retryable func(error) bool, onRetry func(attempt int, err error)) error {
	return p.DoWait(ctx, op, retryable, onRetry, Sleep)
}

// DoWait 与 Do 相同，退避等待交给 wait；wait 返回错误时停止重试并返回该错误
func (p Policy) DoWait(ctx context.Context, op func(ctx context.Context) error, retryable func(error) bool, onRetry func(attempt int, err error), wait func(ctx context.Context, d time.Duration) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) || !p.ShouldRetry(attempt) || ctx.Err() != nil {
			return err
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		if d := p.CalculateDelay(attempt); d > 0 {
			if err := wait(ctx, d); err != nil {
				return err
			}
		}
	}
}

// Sleep 等待 d 或 ctx 结束
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
