package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// sseWriter Server-Sent Events 写出
//
// 响应头在第一条消息时才写出，之前的错误仍可以普通 JSON 响应返回。
// 只能由单个 goroutine 使用。
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	metrics *Metrics
	started bool
}

func newSSEWriter(w http.ResponseWriter, metrics *Metrics) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w), metrics: metrics}
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	// 流的时长由编排层控制，不受服务器写超时限制
	_ = s.rc.SetWriteDeadline(time.Time{})
	s.w.WriteHeader(http.StatusOK)
	s.metrics.StreamOpened("sse")
}

// send 写出一条事件并立即刷新
func (s *sseWriter) send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	s.start()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		return err
	}
	s.metrics.RecordStreamMessage("sse", event)
	return nil
}

func (s *sseWriter) close() {
	if s.started {
		s.metrics.StreamClosed("sse")
	}
}
