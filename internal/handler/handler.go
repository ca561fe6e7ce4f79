package handler

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/Yarce22/chatlive/internal/connection"
	"github.com/Yarce22/chatlive/internal/group"
	"github.com/Yarce22/chatlive/internal/protocol"
	"github.com/Yarce22/chatlive/internal/service"
)

// Handler 上行事件处理器
// 读循环把解帧后的事件体交到这里：解码、状态机检查、按类型分发。
// 同一连接的事件在读循环里同步处理，天然保持到达顺序；
// 跨连接之间不保证任何顺序
type Handler struct {
	connMgr    *connection.Manager
	groups     *group.Directory
	router     *service.RouterService
	dispatcher *service.DispatcherService
	logger     *slog.Logger
}

func NewHandler(connMgr *connection.Manager, groups *group.Directory, router *service.RouterService, dispatcher *service.DispatcherService, logger *slog.Logger) *Handler {
	return &Handler{
		connMgr:    connMgr,
		groups:     groups,
		router:     router,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// HandleEvent 处理一条上行事件
// 单个事件的 panic 只断开当前连接，不拖垮进程
func (h *Handler) HandleEvent(conn *connection.Connection, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Event handler panic recovered",
				"conn_id", conn.ID(),
				"panic", r)
			conn.Close()
		}
	}()

	ev, err := protocol.DecodeClientEvent(body)
	if err != nil {
		h.logger.Debug("Failed to decode client event",
			"conn_id", conn.ID(),
			"error", err)
		h.dispatcher.PushError(conn, protocol.CodeBadEvent, "malformed event")
		return
	}

	kind := ev.Kind()

	// 未登录的连接只接受 login 和心跳
	if conn.State() != connection.StateIdentified && kind != protocol.KindLogin && kind != protocol.KindHeartbeat {
		h.dispatcher.PushError(conn, protocol.CodeNotLoggedIn, "login required")
		return
	}

	switch kind {
	case protocol.KindLogin:
		h.handleLogin(conn, ev.Login)
	case protocol.KindLogout:
		h.handleLogout(conn)
	case protocol.KindHeartbeat:
		// UpdateActive 已在读循环完成，无需回应
	case protocol.KindPrivateSend:
		h.handlePrivateSend(conn, ev.PrivateSend)
	case protocol.KindGroupSend:
		h.handleGroupSend(conn, ev.GroupSend)
	case protocol.KindMessageRead:
		h.router.MarkRead(conn.Username(), ev.MessageRead.MessageId)
	case protocol.KindCreateGroup:
		h.handleCreateGroup(conn, ev.CreateGroup)
	case protocol.KindAddMember:
		h.handleAddMember(conn, ev.AddMember)
	case protocol.KindRemoveMember:
		h.handleRemoveMember(conn, ev.RemoveMember)
	case protocol.KindUpdateGroup:
		h.handleUpdateGroup(conn, ev.UpdateGroup)
	default:
		h.logger.Warn("Unknown event kind", "conn_id", conn.ID(), "kind", kind)
		h.dispatcher.PushError(conn, protocol.CodeBadEvent, "unknown event")
	}
}

// handleLogin 绑定用户名并广播在线列表
// 同名用户在新连接登录覆盖旧映射；绑定后下发该用户的群组列表
func (h *Handler) handleLogin(conn *connection.Connection, req *protocol.LoginRequest) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		h.dispatcher.PushError(conn, protocol.CodeInvalidInput, "username required")
		return
	}

	h.connMgr.BindUser(conn.ID(), username)
	h.logger.Info("User logged in",
		"conn_id", conn.ID(),
		"username", username)

	h.dispatcher.BroadcastPresence()
	h.pushGroupsList(conn, username)
}

// handleLogout 解绑身份，连接保持并回到未登录状态
func (h *Handler) handleLogout(conn *connection.Connection) {
	username, unbound := h.connMgr.UnbindUser(conn.ID())
	if !unbound {
		return
	}

	h.logger.Info("User logged out",
		"conn_id", conn.ID(),
		"username", username)
	h.dispatcher.BroadcastPresence()
}

func (h *Handler) handlePrivateSend(conn *connection.Connection, req *protocol.PrivateSendRequest) {
	if req.To == "" || req.Body == "" {
		h.dispatcher.PushError(conn, protocol.CodeInvalidInput, "recipient and body required")
		return
	}
	h.router.SendPrivate(conn.Username(), req)
}

func (h *Handler) handleGroupSend(conn *connection.Connection, req *protocol.GroupSendRequest) {
	if req.GroupId == "" || req.Body == "" {
		h.dispatcher.PushError(conn, protocol.CodeInvalidInput, "group id and body required")
		return
	}
	if err := h.router.SendGroup(conn.Username(), req); err != nil {
		h.pushGroupError(conn, err)
	}
}

// handleCreateGroup 创建群组并通知每个在线成员
func (h *Handler) handleCreateGroup(conn *connection.Connection, req *protocol.CreateGroupRequest) {
	g, err := h.groups.Create(req.Name, req.Members, conn.Username())
	if err != nil {
		h.pushGroupError(conn, err)
		return
	}

	h.dispatcher.PushToUsers(g.Members, &protocol.ServerEvent{
		GroupCreated: &protocol.GroupPush{Group: groupInfo(g)},
	})
}

// handleAddMember 添加群成员
// 已是成员时无通知；新成员收到完整群信息，其余成员收到变更通知
func (h *Handler) handleAddMember(conn *connection.Connection, req *protocol.AddMemberRequest) {
	added, err := h.groups.AddMember(req.GroupId, req.Username)
	if err != nil {
		h.pushGroupError(conn, err)
		return
	}
	if !added {
		return
	}

	g, err := h.groups.Get(req.GroupId)
	if err != nil {
		return
	}

	for _, m := range g.Members {
		if m == req.Username {
			// 新成员需要群的完整信息
			h.dispatcher.PushToUser(m, &protocol.ServerEvent{
				GroupCreated: &protocol.GroupPush{Group: groupInfo(g)},
			})
			continue
		}
		h.dispatcher.PushToUser(m, &protocol.ServerEvent{
			MemberAdded: &protocol.MemberChangePush{
				GroupId:  req.GroupId,
				Username: req.Username,
			},
		})
	}
}

// handleRemoveMember 移除群成员
// 留下的成员收到变更通知，被移除者单独收到移出通知
func (h *Handler) handleRemoveMember(conn *connection.Connection, req *protocol.RemoveMemberRequest) {
	removed, err := h.groups.RemoveMember(req.GroupId, req.Username)
	if err != nil {
		h.pushGroupError(conn, err)
		return
	}
	if !removed {
		return
	}

	members, err := h.groups.Members(req.GroupId)
	if err != nil {
		return
	}

	h.dispatcher.PushToUsers(members, &protocol.ServerEvent{
		MemberRemoved: &protocol.MemberChangePush{
			GroupId:  req.GroupId,
			Username: req.Username,
		},
	})
	h.dispatcher.PushToUser(req.Username, &protocol.ServerEvent{
		RemovedFromGroup: &protocol.RemovedFromGroupPush{GroupId: req.GroupId},
	})
}

func (h *Handler) handleUpdateGroup(conn *connection.Connection, req *protocol.UpdateGroupRequest) {
	g, err := h.groups.Update(req.GroupId, group.Update{Name: req.Name})
	if err != nil {
		h.pushGroupError(conn, err)
		return
	}

	h.dispatcher.PushToUsers(g.Members, &protocol.ServerEvent{
		GroupUpdated: &protocol.GroupUpdatedPush{
			GroupId: g.Id,
			Name:    g.Name,
		},
	})
}

// HandleDisconnect 连接收尾
// 防护性解绑：只有本连接仍持有该用户名的映射才广播下线，
// 同名用户已在新连接登录时静默移除
func (h *Handler) HandleDisconnect(conn *connection.Connection) {
	username, unbound := h.connMgr.UnbindUser(conn.ID())
	h.connMgr.Remove(conn.ID())
	conn.Close()

	if unbound {
		h.logger.Info("User disconnected",
			"conn_id", conn.ID(),
			"username", username)
		h.dispatcher.BroadcastPresence()
	} else {
		h.logger.Debug("Connection closed", "conn_id", conn.ID())
	}
}

// pushGroupsList 下发用户所在的群组列表（登录时）
func (h *Handler) pushGroupsList(conn *connection.Connection, username string) {
	userGroups := h.groups.GroupsFor(username)
	infos := make([]protocol.GroupInfo, 0, len(userGroups))
	for _, g := range userGroups {
		infos = append(infos, groupInfo(g))
	}

	h.dispatcher.PushToConn(conn, &protocol.ServerEvent{
		GroupsList: &protocol.GroupsListPush{Groups: infos},
	})
}

func (h *Handler) pushGroupError(conn *connection.Connection, err error) {
	switch {
	case errors.Is(err, group.ErrGroupNotFound):
		h.dispatcher.PushError(conn, protocol.CodeGroupNotFound, err.Error())
	case errors.Is(err, group.ErrInvalidName):
		h.dispatcher.PushError(conn, protocol.CodeInvalidInput, err.Error())
	default:
		h.dispatcher.PushError(conn, protocol.CodeInvalidInput, err.Error())
	}
}

func groupInfo(g group.Group) protocol.GroupInfo {
	return protocol.GroupInfo{
		Id:        g.Id,
		Name:      g.Name,
		Members:   g.Members,
		CreatedBy: g.CreatedBy,
	}
}
