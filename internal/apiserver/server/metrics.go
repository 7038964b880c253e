// Package server Prometheus 指标导出
package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sitegen/internal/shared/model"
)

// Metrics 包含所有 API Server 指标
//
// 同时实现 pipeline.RetryObserver、taskmgr.Observer 与 dispatcher.Observer。
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 分派指标
	DispatchTotal    *prometheus.CounterVec
	EscalationsTotal *prometheus.CounterVec

	// 任务指标
	TasksActive     *prometheus.GaugeVec
	TaskDuration    *prometheus.HistogramVec
	ProviderRetries *prometheus.CounterVec

	// 流式连接指标
	StreamsActive  *prometheus.GaugeVec
	StreamMessages *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics 创建指标实例
//
// reg 为空时注册到默认 Registry。
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Generation requests by admission mode",
			},
			[]string{"mode"},
		),
		EscalationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Requests escalated to async by original mode and reason",
			},
			[]string{"from", "reason"},
		),
		TasksActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_active",
				Help:      "Non-terminal async tasks by status",
			},
			[]string{"status"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Async task processing duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"origin", "status"},
		),
		ProviderRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_retries_total",
				Help:      "Retried provider calls",
			},
			[]string{"provider"},
		),
		StreamsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stream_connections_active",
				Help:      "Active SSE and WebSocket connections",
			},
			[]string{"transport"},
		),
		StreamMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_messages_total",
				Help:      "Messages written to streaming clients",
			},
			[]string{"transport", "type"},
		),
		gatherer: gatherer,
	}
}

// MetricsMiddleware 创建 HTTP 指标中间件
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// 包装 ResponseWriter 以捕获状态码
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Flush SSE 需要逐条刷新
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap 供 http.ResponseController 使用
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath 规范化路径，将 ID 替换为占位符
func normalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// /api/v1/{resource}/{id}/...
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "v1" {
		switch parts[2] {
		case "tasks", "artifacts", "generations":
			parts[3] = "{id}"
			return "/" + strings.Join(parts, "/")
		}
	}
	return path
}

// Handler 返回 Prometheus HTTP Handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ============================================================================
// 编排层观察者
// ============================================================================

// ProviderRetry 记录 Provider 重试
func (m *Metrics) ProviderRetry(provider string) {
	m.ProviderRetries.WithLabelValues(provider).Inc()
}

// TaskStatusChanged 维护非终态任务数量
func (m *Metrics) TaskStatusChanged(from, to model.TaskStatus) {
	if from != "" && !from.IsTerminal() {
		m.TasksActive.WithLabelValues(string(from)).Dec()
	}
	if to != "" && !to.IsTerminal() {
		m.TasksActive.WithLabelValues(string(to)).Inc()
	}
}

// TaskFinished 记录任务耗时
func (m *Metrics) TaskFinished(origin model.TaskOrigin, status model.TaskStatus, d time.Duration) {
	m.TaskDuration.WithLabelValues(string(origin), string(status)).Observe(d.Seconds())
}

// Dispatched 记录准入模式
func (m *Metrics) Dispatched(mode model.ExecutionMode) {
	m.DispatchTotal.WithLabelValues(string(mode)).Inc()
}

// Escalated 记录模式升级
func (m *Metrics) Escalated(from model.ExecutionMode, reason string) {
	m.EscalationsTotal.WithLabelValues(string(from), reason).Inc()
}

// ============================================================================
// 流式连接
// ============================================================================

// StreamOpened 流式连接打开
func (m *Metrics) StreamOpened(transport string) {
	m.StreamsActive.WithLabelValues(transport).Inc()
}

// StreamClosed 流式连接关闭
func (m *Metrics) StreamClosed(transport string) {
	m.StreamsActive.WithLabelValues(transport).Dec()
}

// RecordStreamMessage 记录推送消息
func (m *Metrics) RecordStreamMessage(transport, msgType string) {
	m.StreamMessages.WithLabelValues(transport, msgType).Inc()
}
