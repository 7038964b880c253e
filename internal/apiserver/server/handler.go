// Package server 路由配置
package server

import (
	"net/http"
	"time"

	"sitegen/internal/apiserver/auth"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查与指标:
//   - GET /health  - 服务健康检查
//   - GET /metrics - Prometheus 指标
//
// 生成请求 (Generation):
//   - POST /api/v1/generations               - 提交生成请求（SSE 或 JSON）
//   - POST /api/v1/generations/{id}/escalate - 把进行中的请求升级为后台任务
//   - GET  /api/v1/estimate                  - 评估复杂度（POST 同样可用）
//
// 任务 (Task):
//   - GET    /api/v1/tasks/{id}        - 获取任务快照
//   - DELETE /api/v1/tasks/{id}        - 取消任务
//   - GET    /api/v1/tasks/{id}/events - SSE 进度订阅
//
// 产物 (Artifact，配置了产物存储时):
//   - GET /api/v1/artifacts      - 列出产物
//   - GET /api/v1/artifacts/{id} - 获取产物
//
// WebSocket:
//   - GET /ws/tasks/{id}/events - 进度订阅
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", h.Health)

	// Prometheus 指标端点
	mux.Handle("GET /metrics", h.metrics.Handler())

	// 生成请求
	mux.HandleFunc("POST /api/v1/generations", h.CreateGeneration)
	mux.HandleFunc("POST /api/v1/generations/{id}/escalate", h.EscalateGeneration)
	mux.HandleFunc("GET /api/v1/estimate", h.Estimate)
	mux.HandleFunc("POST /api/v1/estimate", h.Estimate)

	// 任务
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.GetTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", h.CancelTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/events", h.StreamTaskEvents)

	// 产物
	if h.artifacts != nil {
		mux.HandleFunc("GET /api/v1/artifacts", h.ListArtifacts)
		mux.HandleFunc("GET /api/v1/artifacts/{id}", h.GetArtifact)
	}

	authMiddleware := auth.Middleware(h.resolver, h.logger)

	// 应用指标与访问日志中间件到 REST API
	apiHandler := h.metrics.MetricsMiddleware(h.accessLog(mux))

	// 应用认证中间件
	authedHandler := authMiddleware(apiHandler)

	// 应用 CORS 中间件
	corsHandler := corsMiddleware(authedHandler)

	// 创建顶层路由，WebSocket 绕过 metrics 中间件（避免 http.Hijacker 问题）
	topMux := http.NewServeMux()
	topMux.Handle("GET /ws/tasks/{id}/events", authMiddleware(http.HandlerFunc(h.StreamTaskEventsWS)))
	topMux.Handle("/", corsHandler)

	return topMux
}

// accessLog 记录每个请求
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		h.logger.HTTPRequestLog(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start), r.RemoteAddr)
	})
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
