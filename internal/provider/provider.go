// Package provider 文本生成能力的抽象
//
// Provider 把一个提示词片段变成文本块流。调用可能很慢、可能瞬时失败，
// 并且不保证幂等（同一片段重复调用不一定得到相同输出）。
//
// 错误分类约定：实现方把可重试的失败包装为 model.KindProviderTransient，
// 明确拒绝或不可恢复的失败包装为 model.KindProviderFatal；ctx 取消时原样返回 ctx.Err()。
package provider

import (
	"context"
	"strings"
)

// Fragment 一次生成调用的输入
//
// Context 为续写上下文：非空时表示调用方已经拿到了这部分输出，
// Provider 只需产生其后的内容。
// Preceding 为分段生成时前序分段的输出，仅作参考，Provider 只产生 Prompt 对应的部分。
type Fragment struct {
	Prompt    string
	Model     string
	Context   string
	Preceding string
}

// Chunk 文本块；Err 非空的块是流中的最后一个元素
type Chunk struct {
	Text string
	Err  error
}

// Provider 文本生成能力
type Provider interface {
	Name() string

	// GenerateFragment 发起一次生成调用
	//
	// 返回的 error 表示调用未能开始；开始后的失败以 Err 块的形式出现在流中。
	// 通道在流结束后关闭。ctx 取消后实现方必须尽快停止并关闭通道。
	GenerateFragment(ctx context.Context, f Fragment) (<-chan Chunk, error)
}

// ComposePrompt 将前序输出与续写上下文拼接到提示词中
func ComposePrompt(f Fragment) string {
	if f.Context == "" && f.Preceding == "" {
		return f.Prompt
	}
	var b strings.Builder
	if f.Preceding != "" {
		b.WriteString("Earlier parts of this project were generated as follows:\n")
		b.WriteString(f.Preceding)
		b.WriteString("\n\nNow generate only the next part:\n")
	}
	b.WriteString(f.Prompt)
	if f.Context != "" {
		b.WriteString("\n\nThe output below was already delivered. Continue exactly where it stops and do not repeat any of it:\n")
		b.WriteString(f.Context)
	}
	return b.String()
}

// Emit 启动一个生产者 goroutine，把 produce 通过 send 推送的文本转成 Chunk 流
//
// produce 返回的错误作为最后一个 Err 块发送。
func Emit(ctx context.Context, buffer int, produce func(send func(string) error) error) <-chan Chunk {
	ch := make(chan Chunk, buffer)
	go func() {
		defer close(ch)
		send := func(text string) error {
			if text == "" {
				return nil
			}
			select {
			case ch <- Chunk{Text: text}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := produce(send); err != nil {
			select {
			case ch <- Chunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}

// ResolveModel 按映射表把对外模型标识转换为 Provider 侧模型名
func ResolveModel(models map[string]string, id, fallback string) string {
	if m, ok := models[id]; ok && m != "" {
		return m
	}
	if id != "" {
		return id
	}
	return fallback
}
