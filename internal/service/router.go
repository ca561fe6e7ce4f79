package service

import (
	"log/slog"

	"github.com/Yarce22/chatlive/internal/group"
	"github.com/Yarce22/chatlive/internal/message"
	"github.com/Yarce22/chatlive/internal/protocol"
	"github.com/Yarce22/chatlive/internal/snowflake"
	"github.com/Yarce22/chatlive/internal/workerpool"
)

// RouterService 消息路由服务（编排层）
// 消息和已读状态的唯一创建入口：分配服务端ID、登记状态、
// 编排投递和回执扇出。回执通知对顺序不敏感，经 Worker Pool
// 异步扇出，不占用发送方连接的读循环
type RouterService struct {
	groups     *group.Directory
	store      *message.Store
	dispatcher *DispatcherService
	idNode     *snowflake.Node
	pool       *workerpool.Pool
	logger     *slog.Logger
}

// NewRouterService 创建消息路由服务
func NewRouterService(groups *group.Directory, store *message.Store, dispatcher *DispatcherService, idNode *snowflake.Node, pool *workerpool.Pool) *RouterService {
	return &RouterService{
		groups:     groups,
		store:      store,
		dispatcher: dispatcher,
		idNode:     idNode,
		pool:       pool,
		logger:     slog.Default(),
	}
}

// SendPrivate 发送私聊消息
// 接收方离线时消息照常登记，发送方总是收到带服务端ID的确认
func (s *RouterService) SendPrivate(from string, req *protocol.PrivateSendRequest) {
	// 1. 分配服务端ID并登记
	msgId := s.idNode.Generate().String()
	ts := s.store.CreatePrivate(msgId, from, req.To, req.Body)

	// 2. 投递给接收方（离线时跳过）
	s.dispatcher.PushToUser(req.To, &protocol.ServerEvent{
		PrivateMessage: &protocol.MessagePush{
			MessageId: msgId,
			From:      from,
			To:        req.To,
			Body:      req.Body,
			Timestamp: ts,
		},
	})

	// 3. 确认给发送方，回传客户端临时ID用于对账
	s.dispatcher.PushToUser(from, &protocol.ServerEvent{
		SendAck: &protocol.SendAckPush{
			MessageId:   msgId,
			ClientMsgId: req.ClientMsgId,
			To:          req.To,
			Timestamp:   ts,
		},
	})

	s.logger.Debug("Private message routed",
		"message_id", msgId,
		"from", from,
		"to", req.To)
}

// SendGroup 发送群聊消息
// 先解析群成员，群组不存在时直接失败且不产生任何副作用
func (s *RouterService) SendGroup(from string, req *protocol.GroupSendRequest) error {
	// 1. 解析群成员
	members, err := s.groups.Members(req.GroupId)
	if err != nil {
		return err
	}

	// 2. 分配服务端ID并登记（发送者计入已读）
	msgId := s.idNode.Generate().String()
	ts, allRead := s.store.CreateGroup(msgId, from, req.GroupId, req.Body, members)

	// 3. 投递给除发送者外的每个成员
	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if m != from {
			recipients = append(recipients, m)
		}
	}
	s.dispatcher.PushToUsers(recipients, &protocol.ServerEvent{
		GroupMessage: &protocol.MessagePush{
			MessageId: msgId,
			From:      from,
			GroupId:   req.GroupId,
			Body:      req.Body,
			Timestamp: ts,
		},
	})

	// 4. 确认给发送方
	s.dispatcher.PushToUser(from, &protocol.ServerEvent{
		SendAck: &protocol.SendAckPush{
			MessageId:   msgId,
			ClientMsgId: req.ClientMsgId,
			GroupId:     req.GroupId,
			Timestamp:   ts,
		},
	})

	// 5. 发送者是唯一成员时消息创建即全员已读
	if allRead {
		s.fanOutGroupAllRead(msgId, req.GroupId, members)
	}

	s.logger.Debug("Group message routed",
		"message_id", msgId,
		"from", from,
		"group_id", req.GroupId,
		"recipients", len(recipients))
	return nil
}

// MarkRead 标记已读
// 未知消息ID是空操作；全读判定在存储层原子完成，
// 本层只负责按结果扇出通知
func (s *RouterService) MarkRead(reader, messageId string) {
	outcome := s.store.MarkRead(messageId, reader, s.groups.Members)

	switch outcome.Kind {
	case message.OutcomePrivateRead:
		s.submitFanOut(func() {
			s.dispatcher.PushToUser(outcome.Sender, &protocol.ServerEvent{
				ReadReceipt: &protocol.ReadReceiptPush{
					MessageId: outcome.MessageId,
					Reader:    reader,
				},
			})
		})
	case message.OutcomeGroupAllRead:
		s.fanOutGroupAllRead(outcome.MessageId, outcome.GroupId, outcome.Members)
	}
}

// fanOutGroupAllRead 全员已读通知推送给每个成员
func (s *RouterService) fanOutGroupAllRead(messageId, groupId string, members []string) {
	s.submitFanOut(func() {
		s.dispatcher.PushToUsers(members, &protocol.ServerEvent{
			GroupReadReceipt: &protocol.GroupReadReceiptPush{
				MessageId: messageId,
				GroupId:   groupId,
			},
		})
	})
}

func (s *RouterService) submitFanOut(task workerpool.Task) {
	if !s.pool.Submit(task) {
		// 池已关闭（进程退出中），同步执行兜底
		task()
	}
}
