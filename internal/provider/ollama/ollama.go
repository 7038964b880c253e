// Package ollama 基于 Ollama 的 Provider 实现
package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/ollama/ollama/api"

	"sitegen/internal/provider"
	"sitegen/internal/shared/model"
)

// Config Ollama 配置
type Config struct {
	Host         string            `yaml:"host"`
	DefaultModel string            `yaml:"default_model"`
	System       string            `yaml:"system"`
	Models       map[string]string `yaml:"models"`  // 模型 ID -> Ollama 模型名
	Options      map[string]any    `yaml:"options"` // 透传给 Ollama 的生成参数（temperature 等）
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Host:         "http://localhost:11434",
		DefaultModel: "llama3.2",
	}
}

// Provider Ollama Provider
type Provider struct {
	client *api.Client
	cfg    Config
}

// New 创建 Ollama Provider，httpClient 为空时使用 http.DefaultClient
func New(cfg Config, httpClient *http.Client) (*Provider, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultConfig().Host
	}
	base, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", cfg.Host, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Provider{client: api.NewClient(base, httpClient), cfg: cfg}, nil
}

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) GenerateFragment(ctx context.Context, f provider.Fragment) (<-chan provider.Chunk, error) {
	stream := true
	req := &api.GenerateRequest{
		Model:   provider.ResolveModel(p.cfg.Models, f.Model, p.cfg.DefaultModel),
		Prompt:  provider.ComposePrompt(f),
		System:  p.cfg.System,
		Stream:  &stream,
		Options: p.cfg.Options,
	}

	ch := provider.Emit(ctx, 16, func(send func(string) error) error {
		err := p.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
			return send(resp.Response)
		})
		return classify(ctx, err)
	})
	return ch, nil
}

// classify 将 Ollama 客户端错误映射为分类错误
//
// 上下文取消原样返回；429 与 5xx 以及网络层错误可重试；其余 4xx 与未知错误不可重试。
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctx.Err()
	}

	var se api.StatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500 {
			return model.NewTransientError(fmt.Sprintf("ollama status %d", se.StatusCode), err)
		}
		return model.NewFatalError(fmt.Sprintf("ollama status %d", se.StatusCode), err)
	}

	var (
		netErr net.Error
		urlErr *url.Error
	)
	switch {
	case errors.As(err, &netErr), errors.As(err, &urlErr),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return model.NewTransientError("ollama unreachable", err)
	}
	return model.NewFatalError("ollama generate", err)
}

var _ provider.Provider = (*Provider)(nil)
