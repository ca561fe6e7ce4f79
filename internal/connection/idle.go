package connection

import (
	"context"
	"log/slog"
	"time"
)

// IdleChecker 空闲连接检测器
// 心跳事件和任何上行数据都会刷新连接的活跃时间，
// 超时未活跃的连接被关闭，由会话收尾逻辑完成解绑和广播
type IdleChecker struct {
	manager       *Manager
	timeout       time.Duration
	checkInterval time.Duration
	logger        *slog.Logger
	onTimeout     func(conn *Connection)
}

func NewIdleChecker(manager *Manager, timeout, checkInterval time.Duration, logger *slog.Logger, onTimeout func(conn *Connection)) *IdleChecker {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}

	return &IdleChecker{
		manager:       manager,
		timeout:       timeout,
		checkInterval: checkInterval,
		logger:        logger,
		onTimeout:     onTimeout,
	}
}

// Start 启动检测循环（阻塞，应在 goroutine 中调用）
func (ic *IdleChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(ic.checkInterval)
	defer ticker.Stop()

	ic.logger.Info("Idle checker started",
		"timeout", ic.timeout,
		"check_interval", ic.checkInterval)

	for {
		select {
		case <-ctx.Done():
			ic.logger.Info("Idle checker stopped")
			return
		case <-ticker.C:
			ic.checkConnections()
		}
	}
}

func (ic *IdleChecker) checkConnections() {
	now := time.Now()
	timeoutCount := 0

	for _, conn := range ic.manager.Connections() {
		if now.Sub(conn.LastActiveTime()) > ic.timeout {
			timeoutCount++
			ic.logger.Info("Connection idle timeout",
				"conn_id", conn.ID(),
				"username", conn.Username(),
				"last_active", conn.LastActiveTime())
			if ic.onTimeout != nil {
				ic.onTimeout(conn)
			}
		}
	}

	if timeoutCount > 0 {
		ic.logger.Info("Idle check completed", "closed", timeoutCount)
	}
}
