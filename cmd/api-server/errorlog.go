package main

import (
	"context"
	"log"
	"log/slog"
	"strings"

	"sitegen/pkg/logging"
)

// serverErrorWriter 把 http.Server 内部错误写入结构化日志
//
// 客户端提前断开产生的错误在长连接（SSE/WebSocket）场景下非常频繁，降为 debug。
type serverErrorWriter struct {
	logger *logging.Logger
}

func (w *serverErrorWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	level := slog.LevelWarn
	if strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer") {
		level = slog.LevelDebug
	}
	w.logger.Log(context.Background(), level, msg)
	return len(p), nil
}

// newServerErrorLog 创建 http.Server.ErrorLog
func newServerErrorLog(logger *logging.Logger) *log.Logger {
	return log.New(&serverErrorWriter{logger: logger.Named("http")}, "", 0)
}
