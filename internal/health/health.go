package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Status 健康状态
type Status struct {
	Service     string `json:"service"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
	Groups      int    `json:"groups"`
	UptimeSec   int64  `json:"uptime_sec"`
}

// ConnectionCounter 连接计数器接口
type ConnectionCounter interface {
	Count() int
	Usernames() []string
}

// GroupCounter 群组计数器接口
type GroupCounter interface {
	Count() int
}

// Checker 健康检查器
type Checker struct {
	connCounter  ConnectionCounter
	groupCounter GroupCounter
	startTime    time.Time
}

// NewChecker 创建健康检查器
func NewChecker(connCounter ConnectionCounter, groupCounter GroupCounter) *Checker {
	return &Checker{
		connCounter:  connCounter,
		groupCounter: groupCounter,
		startTime:    time.Now(),
	}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service:   "chat",
		UptimeSec: int64(time.Since(h.startTime).Seconds()),
	}

	if h.connCounter != nil {
		status.Connections = h.connCounter.Count()
		status.Users = len(h.connCounter.Usernames())
	}
	if h.groupCounter != nil {
		status.Groups = h.groupCounter.Count()
	}

	return status
}

// IsHealthy 检查是否健康
// 服务无外部依赖，进程能响应即视为健康
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return true
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}
