package service

import (
	"errors"
	"log/slog"

	"github.com/Yarce22/chatlive/internal/connection"
	"github.com/Yarce22/chatlive/internal/protocol"
)

// DispatcherService 下行推送服务
// 统一编码下行事件并写入连接的发送队列。投递是尽力而为的：
// 离线用户静默跳过，发送队列满时丢弃并记录
type DispatcherService struct {
	connManager *connection.Manager
	logger      *slog.Logger
}

// NewDispatcherService 创建下行推送服务
func NewDispatcherService(connManager *connection.Manager) *DispatcherService {
	return &DispatcherService{
		connManager: connManager,
		logger:      slog.Default(),
	}
}

// PushToConn 推送事件到指定连接
func (s *DispatcherService) PushToConn(conn *connection.Connection, ev *protocol.ServerEvent) {
	data, err := protocol.EncodeServerEvent(ev)
	if err != nil {
		s.logger.Error("Failed to encode server event", "error", err)
		return
	}
	s.push(conn, data)
}

// PushToUser 推送事件到用户的在线连接，离线时静默跳过
func (s *DispatcherService) PushToUser(username string, ev *protocol.ServerEvent) {
	conn := s.connManager.Resolve(username)
	if conn == nil {
		s.logger.Debug("User is offline", "username", username)
		return
	}
	s.PushToConn(conn, ev)
}

// PushToUsers 推送同一事件到多个用户
// 事件只编码一次；单个用户的失败不影响其他用户
func (s *DispatcherService) PushToUsers(usernames []string, ev *protocol.ServerEvent) {
	data, err := protocol.EncodeServerEvent(ev)
	if err != nil {
		s.logger.Error("Failed to encode server event", "error", err)
		return
	}

	for _, username := range usernames {
		conn := s.connManager.Resolve(username)
		if conn == nil {
			continue
		}
		s.push(conn, data)
	}
}

// BroadcastPresence 广播在线用户全量快照
// 未登录的连接也收到，客户端登录前就能展示在线列表
func (s *DispatcherService) BroadcastPresence() {
	users := s.connManager.Usernames()
	data, err := protocol.EncodeServerEvent(&protocol.ServerEvent{
		UsersList: &protocol.UsersListPush{Users: users},
	})
	if err != nil {
		s.logger.Error("Failed to encode presence snapshot", "error", err)
		return
	}

	for _, conn := range s.connManager.Connections() {
		s.push(conn, data)
	}

	s.logger.Debug("Presence broadcast", "online", len(users))
}

// PushError 推送错误事件到连接
func (s *DispatcherService) PushError(conn *connection.Connection, code, message string) {
	s.PushToConn(conn, &protocol.ServerEvent{
		Error: &protocol.ErrorPush{Code: code, Message: message},
	})
}

func (s *DispatcherService) push(conn *connection.Connection, data []byte) {
	if err := conn.Send(data); err != nil {
		if errors.Is(err, connection.ErrSendBufferFull) {
			s.logger.Warn("Dropped push, send buffer full",
				"conn_id", conn.ID(),
				"username", conn.Username())
			return
		}
		s.logger.Debug("Failed to push to connection",
			"conn_id", conn.ID(),
			"error", err)
	}
}
