package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Yarce22/chatlive/internal/config"
	"github.com/Yarce22/chatlive/internal/connection"
	"github.com/Yarce22/chatlive/internal/group"
	"github.com/Yarce22/chatlive/internal/handler"
	"github.com/Yarce22/chatlive/internal/health"
	"github.com/Yarce22/chatlive/internal/message"
	"github.com/Yarce22/chatlive/internal/server"
	"github.com/Yarce22/chatlive/internal/service"
	"github.com/Yarce22/chatlive/internal/snowflake"
	"github.com/Yarce22/chatlive/internal/workerpool"
)

func main() {
	// 加载配置
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		slog.Warn("Failed to load config, using defaults", "error", err)
		cfg = config.Default()
	}

	// 初始化日志
	var handlerOpts = &slog.HandlerOptions{Level: cfg.LogLevel()}
	var logHandler slog.Handler
	if cfg.Logging.Format == "text" {
		logHandler = slog.NewTextHandler(os.Stdout, handlerOpts)
	} else {
		logHandler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 组装各组件
	idNode := snowflake.NewNode(cfg.Server.NodeID)
	connMgr := connection.NewManager()
	groups := group.NewDirectory(idNode)
	store := message.NewStore()
	dispatcher := service.NewDispatcherService(connMgr)
	pool := workerpool.New(4, 1024, logger)
	router := service.NewRouterService(groups, store, dispatcher, idNode, pool)
	h := handler.NewHandler(connMgr, groups, router, dispatcher, logger)

	srv := server.New(cfg, connMgr, h, logger)
	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// 启动健康检查 HTTP 服务
	go startHealthServer(cfg.Server.HealthAddr, connMgr, groups, logger)

	logger.Info("Chat server started",
		"addr", cfg.Server.Addr,
		"ws_addr", cfg.Server.WSAddr,
		"node_id", cfg.Server.NodeID)

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()
	srv.Shutdown()
	pool.Shutdown()
	logger.Info("Server stopped")
}

// startHealthServer 启动健康检查 HTTP 服务
func startHealthServer(addr string, connCounter health.ConnectionCounter, groupCounter health.GroupCounter, logger *slog.Logger) {
	healthChecker := health.NewChecker(connCounter, groupCounter)

	mux := http.NewServeMux()
	mux.Handle("/health", healthChecker)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if healthChecker.IsHealthy(r.Context()) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Not Ready"))
		}
	})

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	logger.Info("Health check server started", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Health check server failed", "error", err)
	}
}
