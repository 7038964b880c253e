package infra

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"sitegen/internal/config"
	"sitegen/internal/provider"
	"sitegen/internal/provider/gemini"
	"sitegen/internal/provider/ollama"
	"sitegen/internal/provider/stub"
	"sitegen/pkg/logging"
)

// NewProvider 根据配置创建模型提供方
//
// stub 回显提示词并按块慢速输出，便于在没有模型服务时联调流式接口。
func NewProvider(ctx context.Context, cfg config.ProviderConfig, logger *logging.Logger) (provider.Provider, error) {
	var (
		p   provider.Provider
		err error
	)
	switch cfg.Type {
	case config.ProviderOllama:
		p, err = ollama.New(cfg.Ollama, &http.Client{Timeout: cfg.Timeout})
	case config.ProviderGemini:
		p, err = gemini.New(ctx, cfg.Gemini)
	case config.ProviderStub:
		s := stub.New()
		s.ChunkSize = 16
		s.ChunkDelay = 20 * time.Millisecond
		p = s
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("provider ready", "provider", p.Name())
	return p, nil
}
