// Package main API Server 入口
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sitegen/internal/apiserver/auth"
	"sitegen/internal/apiserver/server"
	"sitegen/internal/config"
	"sitegen/internal/orchestrator/bridge"
	"sitegen/internal/orchestrator/dispatcher"
	"sitegen/internal/orchestrator/estimator"
	"sitegen/internal/orchestrator/pipeline"
	"sitegen/internal/orchestrator/taskmgr"
	"sitegen/internal/shared/infra"
	"sitegen/pkg/logging"
)

func main() {
	configDirFlag := flag.String("config", "", "配置文件目录")
	flag.Parse()
	if *configDirFlag != "" {
		config.SetConfigDir(*configDirFlag)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	cfg.Log.Component = "api-server"
	logger := logging.New(cfg.Log)
	slog.SetDefault(logger.Logger)

	logger.Info("Starting API Server", "env", cfg.Env, "config_file", cfg.ConfigFilePath)
	logger.Info("Config loaded", "config", cfg.String())

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("API Server exited")
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 基础设施：任务存储、事件日志、产物存储、模型提供方
	in, err := infra.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init infrastructure: %w", err)
	}
	defer in.Close()

	// 编排器
	orc := cfg.Orchestrator
	pipe := pipeline.New(in.Provider, orc.Pipeline, orc.Retry, logger.Named("pipeline"))
	mgr := taskmgr.New(in.Tasks, in.Events, pipe, in.Persister, orc.Tasks, logger.Named("taskmgr"))
	disp := dispatcher.New(estimator.New(orc.Estimator), pipe, mgr, in.Persister, orc.Dispatcher, logger.Named("dispatcher"))
	br := bridge.New(mgr, in.Events, orc.Bridge, logger.Named("bridge"))

	metrics := server.NewMetrics("sitegen", nil)
	pipe.Observe(metrics)
	mgr.Observe(metrics)
	disp.Observe(metrics)

	resolver := auth.NewResolver(cfg.Auth)
	if !resolver.Enabled() {
		logger.Warn("Authentication disabled, all requests run as anonymous owner")
	}

	h := server.NewHandler(server.Options{
		Dispatcher: disp,
		Tasks:      mgr,
		Bridge:     br,
		Artifacts:  in.Artifacts,
		Auth:       resolver,
		Metrics:    metrics,
		Logger:     logger.Named("http"),
		Config:     cfg.Server,
	})

	// 关闭时取消所有请求上下文，长连接（SSE/WebSocket）随之结束，Shutdown 不会被它们拖住
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	// 流式响应可能持续数分钟，不设置 WriteTimeout；SSE 写入方自行管理截止时间
	srv := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          newServerErrorLog(logger),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelRequests)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	// 优雅关闭：先停止接收请求，再等待后台任务收尾
	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown incomplete")
	}
	if err := mgr.Drain(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Background tasks did not finish in time", "running", mgr.Running())
	}
	disp.Wait()
	return nil
}
