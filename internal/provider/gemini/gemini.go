// Package gemini 基于 Google Gemini 的 Provider 实现
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"sitegen/internal/provider"
	"sitegen/internal/shared/model"
)

// Config Gemini 配置
type Config struct {
	APIKey       string            `yaml:"-"` // 仅从环境变量读取
	DefaultModel string            `yaml:"default_model"`
	System       string            `yaml:"system"`
	Models       map[string]string `yaml:"models"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{DefaultModel: "gemini-1.5-flash"}
}

// Provider Gemini Provider
type Provider struct {
	client *genai.Client
	cfg    Config
}

// New 创建 Gemini Provider
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Provider, error) {
	if cfg.APIKey == "" && len(opts) == 0 {
		return nil, fmt.Errorf("gemini API key must not be empty")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultConfig().DefaultModel
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Provider{client: client, cfg: cfg}, nil
}

func (p *Provider) Name() string { return "gemini" }

// Close 关闭底层客户端
func (p *Provider) Close() error {
	return p.client.Close()
}

func (p *Provider) GenerateFragment(ctx context.Context, f provider.Fragment) (<-chan provider.Chunk, error) {
	gm := p.client.GenerativeModel(provider.ResolveModel(p.cfg.Models, f.Model, p.cfg.DefaultModel))
	if p.cfg.System != "" {
		gm.SystemInstruction = genai.NewUserContent(genai.Text(p.cfg.System))
	}
	prompt := provider.ComposePrompt(f)

	ch := provider.Emit(ctx, 16, func(send func(string) error) error {
		iter := gm.GenerateContentStream(ctx, genai.Text(prompt))
		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			if err != nil {
				return classify(ctx, err)
			}
			if err := send(textOf(resp)); err != nil {
				return err
			}
		}
	})
	return ch, nil
}

func textOf(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var out string
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out += string(text)
		}
	}
	return out
}

// classify 将 Gemini 错误映射为分类错误
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctx.Err()
	}

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return model.NewFatalError("gemini blocked response", err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 {
			return model.NewTransientError(fmt.Sprintf("gemini status %d", gerr.Code), err)
		}
		return model.NewFatalError(fmt.Sprintf("gemini status %d", gerr.Code), err)
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Internal, codes.Aborted:
			return model.NewTransientError("gemini "+st.Code().String(), err)
		}
	}
	return model.NewFatalError("gemini generate", err)
}

var _ provider.Provider = (*Provider)(nil)
