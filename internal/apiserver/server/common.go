// Package server 提供 HTTP API 处理器
//
// 本包把生成编排层暴露为 HTTP 接口：
//   - 生成请求（direct/segmented 以 SSE 流式返回，async 返回任务 ID）
//   - 异步任务快照、取消与进度订阅（SSE / WebSocket）
//   - 产物查询、复杂度评估
//
// 文件组织：
//   - common.go: Handler 定义与通用工具函数
//   - handler.go: 路由与中间件
//   - generations.go: 生成请求接口
//   - tasks.go: 任务接口
//   - sse.go: SSE 写出
//   - websocket.go: WebSocket 进度订阅
//   - artifacts.go: 产物接口
//   - metrics.go: Prometheus 指标
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"sitegen/internal/apiserver/auth"
	"sitegen/internal/orchestrator/bridge"
	"sitegen/internal/orchestrator/dispatcher"
	"sitegen/internal/orchestrator/taskmgr"
	"sitegen/internal/shared/model"
	"sitegen/internal/shared/storage"
	"sitegen/pkg/logging"
)

// Config HTTP 层配置
type Config struct {
	DefaultModel   string        `yaml:"default_model"`    // 请求未指定模型时使用
	WSPingInterval time.Duration `yaml:"ws_ping_interval"` // WebSocket ping 间隔
	WSWriteTimeout time.Duration `yaml:"ws_write_timeout"` // WebSocket 单次写超时
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`   // 请求体上限
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		WSPingInterval: 30 * time.Second,
		WSWriteTimeout: 10 * time.Second,
		MaxBodyBytes:   1 << 20,
	}
}

// Options Handler 依赖
//
// Artifacts 可为空，此时不注册产物接口；Metrics 为空时使用独立 Registry。
type Options struct {
	Dispatcher *dispatcher.Dispatcher
	Tasks      *taskmgr.Manager
	Bridge     *bridge.Bridge
	Artifacts  storage.ArtifactStore
	Auth       *auth.Resolver
	Metrics    *Metrics
	Logger     *logging.Logger
	Config     Config
}

// Handler API 处理器
type Handler struct {
	dispatcher *dispatcher.Dispatcher
	tasks      *taskmgr.Manager
	bridge     *bridge.Bridge
	artifacts  storage.ArtifactStore
	resolver   *auth.Resolver
	metrics    *Metrics
	logger     *logging.Logger
	cfg        Config
}

// NewHandler 创建 Handler 实例
func NewHandler(opts Options) *Handler {
	def := DefaultConfig()
	cfg := opts.Config
	if cfg.WSPingInterval <= 0 {
		cfg.WSPingInterval = def.WSPingInterval
	}
	if cfg.WSWriteTimeout <= 0 {
		cfg.WSWriteTimeout = def.WSWriteTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	resolver := opts.Auth
	if resolver == nil {
		resolver = auth.NewResolver(auth.Config{})
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics("sitegen", nil)
	}
	return &Handler{
		dispatcher: opts.Dispatcher,
		tasks:      opts.Tasks,
		bridge:     opts.Bridge,
		artifacts:  opts.Artifacts,
		resolver:   resolver,
		metrics:    metrics,
		logger:     logger.Named("http"),
		cfg:        cfg,
	}
}

// GetMetrics 返回指标实例
func (h *Handler) GetMetrics() *Metrics {
	return h.metrics
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// errorResponse 分类错误响应体
type errorResponse struct {
	Error         string          `json:"error"`
	Kind          model.ErrorKind `json:"kind"`
	Segment       int             `json:"segment,omitempty"`
	PartialOutput string          `json:"partial_output,omitempty"`
}

// writeErrorFrom 按错误分类写出响应
func writeErrorFrom(w http.ResponseWriter, err error, partial string) {
	te := model.ToTaskError(err)
	writeJSON(w, statusFor(err), errorResponse{Error: te.Message, Kind: te.Kind, Segment: te.Segment, PartialOutput: partial})
}

// statusFor 错误到 HTTP 状态码的映射
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrTerminal):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, taskmgr.ErrClosed):
		return http.StatusServiceUnavailable
	}
	switch model.KindOf(err) {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotOwned:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindProviderTransient, model.KindProviderFatal:
		return http.StatusBadGateway
	case model.KindTimeout:
		return http.StatusGatewayTimeout
	case model.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ownerOf 返回认证中间件注入的 owner
func ownerOf(r *http.Request) string {
	return auth.OwnerFromContext(r.Context())
}

// Health 健康检查接口
//
// 路由: GET /health
//
// 返回 {"status": "ok", "tasks_running": n}。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if h.tasks != nil {
		resp["tasks_running"] = h.tasks.Running()
	}
	writeJSON(w, http.StatusOK, resp)
}
