// Package stub 确定性的桩 Provider
//
// 输出只由片段决定：默认原样回显提示词。带续写上下文的调用只返回上下文之后的部分，
// 因此"已交付部分 + 续写"总是等于一次完整调用的输出。
// 开发环境（provider.type=stub）与测试共用。
package stub

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"sitegen/internal/provider"
)

// Call 一次调用记录
type Call struct {
	Fragment provider.Fragment
	Start    time.Time
	End      time.Time
	Err      error
}

// Provider 桩 Provider
type Provider struct {
	// Respond 计算片段的完整输出（不考虑 Context），默认回显提示词
	Respond func(f provider.Fragment) string

	// ChunkSize 每个文本块的字符数，<=0 表示整体一次返回
	ChunkSize int

	// ChunkDelay 相邻文本块之间的等待
	ChunkDelay time.Duration

	// DelayFor 首个文本块之前的等待，可按片段区分
	DelayFor func(f provider.Fragment) time.Duration

	// FailWith 返回非空错误时本次调用失败；call 为从 1 开始的调用序号
	// emitted 为失败前先输出的字符数
	FailWith func(f provider.Fragment, call int) (err error, emitted int)

	mu    sync.Mutex
	calls []Call
}

// New 创建回显桩
func New() *Provider {
	return &Provider{}
}

func (p *Provider) Name() string { return "stub" }

// Calls 返回调用记录副本
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// Output 返回片段的确定性输出（考虑续写上下文）
func (p *Provider) Output(f provider.Fragment) string {
	full := f.Prompt
	if p.Respond != nil {
		full = p.Respond(f)
	}
	if f.Context != "" && strings.HasPrefix(full, f.Context) {
		return full[len(f.Context):]
	}
	return full
}

func (p *Provider) GenerateFragment(ctx context.Context, f provider.Fragment) (<-chan provider.Chunk, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Fragment: f, Start: time.Now()})
	idx := len(p.calls) - 1
	p.mu.Unlock()

	out := p.Output(f)
	var (
		failErr error
		emitted = -1
	)
	if p.FailWith != nil {
		failErr, emitted = p.FailWith(f, idx+1)
	}

	ch := provider.Emit(ctx, 0, func(send func(string) error) error {
		err := p.produce(ctx, f, out, failErr, emitted, send)
		p.mu.Lock()
		p.calls[idx].End = time.Now()
		p.calls[idx].Err = err
		p.mu.Unlock()
		return err
	})
	return ch, nil
}

func (p *Provider) produce(ctx context.Context, f provider.Fragment, out string, failErr error, emitted int, send func(string) error) error {
	if p.DelayFor != nil {
		if err := sleep(ctx, p.DelayFor(f)); err != nil {
			return err
		}
	}
	if failErr != nil {
		if emitted > 0 {
			if err := send(prefix(out, emitted)); err != nil {
				return err
			}
		}
		return failErr
	}

	for i, c := range split(out, p.ChunkSize) {
		if i > 0 {
			if err := sleep(ctx, p.ChunkDelay); err != nil {
				return err
			}
		}
		if err := send(c); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// split 按字符数切分，不拆开多字节字符
func split(s string, size int) []string {
	if size <= 0 || utf8.RuneCountInString(s) <= size {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var out []string
	for len(s) > 0 {
		n, i := 0, 0
		for i < len(s) && n < size {
			_, w := utf8.DecodeRuneInString(s[i:])
			i += w
			n++
		}
		out = append(out, s[:i])
		s = s[i:]
	}
	return out
}

func prefix(s string, runes int) string {
	i, n := 0, 0
	for i < len(s) && n < runes {
		_, w := utf8.DecodeRuneInString(s[i:])
		i += w
		n++
	}
	return s[:i]
}

var _ provider.Provider = (*Provider)(nil)
