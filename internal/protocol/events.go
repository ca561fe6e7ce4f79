package protocol

import (
	"encoding/json"
	"errors"
)

var (
	ErrEmptyEvent     = errors.New("EMPTY_EVENT")
	ErrAmbiguousEvent = errors.New("AMBIGUOUS_EVENT")
)

// 错误码（下行 Error 推送使用）
const (
	CodeNotLoggedIn   = "NOT_LOGGED_IN"
	CodeBadEvent      = "BAD_EVENT"
	CodeInvalidInput  = "INVALID_INPUT"
	CodeGroupNotFound = "GROUP_NOT_FOUND"
)

// ============== 上行事件 (客户端 -> 服务端) ==============

// ClientEventKind 上行事件类型
type ClientEventKind int

const (
	KindInvalid ClientEventKind = iota
	KindLogin
	KindLogout
	KindHeartbeat
	KindPrivateSend
	KindGroupSend
	KindMessageRead
	KindCreateGroup
	KindAddMember
	KindRemoveMember
	KindUpdateGroup
)

// ClientEvent 上行事件封装
// 闭合联合类型：恰好一个负载字段非空，否则事件非法。
// 取代源系统基于任意字符串事件名的分发，未处理的事件在编译期暴露
type ClientEvent struct {
	Login        *LoginRequest        `json:"login,omitempty"`
	Logout       *LogoutRequest       `json:"logout,omitempty"`
	Heartbeat    *HeartbeatRequest    `json:"heartbeat,omitempty"`
	PrivateSend  *PrivateSendRequest  `json:"privateSend,omitempty"`
	GroupSend    *GroupSendRequest    `json:"groupSend,omitempty"`
	MessageRead  *MessageReadRequest  `json:"messageRead,omitempty"`
	CreateGroup  *CreateGroupRequest  `json:"createGroup,omitempty"`
	AddMember    *AddMemberRequest    `json:"addMember,omitempty"`
	RemoveMember *RemoveMemberRequest `json:"removeMember,omitempty"`
	UpdateGroup  *UpdateGroupRequest  `json:"updateGroup,omitempty"`
}

// Kind 返回事件类型
// 负载字段为零个或多个时返回 KindInvalid
func (e *ClientEvent) Kind() ClientEventKind {
	kind := KindInvalid
	count := 0

	if e.Login != nil {
		kind = KindLogin
		count++
	}
	if e.Logout != nil {
		kind = KindLogout
		count++
	}
	if e.Heartbeat != nil {
		kind = KindHeartbeat
		count++
	}
	if e.PrivateSend != nil {
		kind = KindPrivateSend
		count++
	}
	if e.GroupSend != nil {
		kind = KindGroupSend
		count++
	}
	if e.MessageRead != nil {
		kind = KindMessageRead
		count++
	}
	if e.CreateGroup != nil {
		kind = KindCreateGroup
		count++
	}
	if e.AddMember != nil {
		kind = KindAddMember
		count++
	}
	if e.RemoveMember != nil {
		kind = KindRemoveMember
		count++
	}
	if e.UpdateGroup != nil {
		kind = KindUpdateGroup
		count++
	}

	if count != 1 {
		return KindInvalid
	}
	return kind
}

// DecodeClientEvent 解析上行事件
func DecodeClientEvent(data []byte) (*ClientEvent, error) {
	var ev ClientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if ev.Kind() == KindInvalid {
		if ev.countPayloads() > 1 {
			return nil, ErrAmbiguousEvent
		}
		return nil, ErrEmptyEvent
	}
	return &ev, nil
}

func (e *ClientEvent) countPayloads() int {
	count := 0
	for _, set := range []bool{
		e.Login != nil, e.Logout != nil, e.Heartbeat != nil,
		e.PrivateSend != nil, e.GroupSend != nil, e.MessageRead != nil,
		e.CreateGroup != nil, e.AddMember != nil, e.RemoveMember != nil,
		e.UpdateGroup != nil,
	} {
		if set {
			count++
		}
	}
	return count
}

// LoginRequest 登录（绑定用户名）
type LoginRequest struct {
	Username string `json:"username"`
}

// LogoutRequest 登出（连接保持，身份解绑）
type LogoutRequest struct{}

// HeartbeatRequest 心跳
type HeartbeatRequest struct{}

// PrivateSendRequest 发送私聊消息
// ClientMsgId 为客户端临时ID，服务端在 SendAck 中原样回传用于对账
type PrivateSendRequest struct {
	To          string `json:"to"`
	Body        string `json:"body"`
	ClientMsgId string `json:"clientMsgId,omitempty"`
}

// GroupSendRequest 发送群聊消息
type GroupSendRequest struct {
	GroupId     string `json:"groupId"`
	Body        string `json:"body"`
	ClientMsgId string `json:"clientMsgId,omitempty"`
}

// MessageReadRequest 已读确认
type MessageReadRequest struct {
	MessageId string `json:"messageId"`
}

// CreateGroupRequest 创建群组
type CreateGroupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// AddMemberRequest 添加群成员
type AddMemberRequest struct {
	GroupId  string `json:"groupId"`
	Username string `json:"username"`
}

// RemoveMemberRequest 移除群成员
type RemoveMemberRequest struct {
	GroupId  string `json:"groupId"`
	Username string `json:"username"`
}

// UpdateGroupRequest 更新群组信息
// 未提供的字段保持不变
type UpdateGroupRequest struct {
	GroupId string  `json:"groupId"`
	Name    *string `json:"name,omitempty"`
}

// ============== 下行事件 (服务端 -> 客户端) ==============

// ServerEvent 下行事件封装
type ServerEvent struct {
	UsersList        *UsersListPush        `json:"usersList,omitempty"`
	PrivateMessage   *MessagePush          `json:"privateMessage,omitempty"`
	GroupMessage     *MessagePush          `json:"groupMessage,omitempty"`
	SendAck          *SendAckPush          `json:"sendAck,omitempty"`
	ReadReceipt      *ReadReceiptPush      `json:"readReceipt,omitempty"`
	GroupReadReceipt *GroupReadReceiptPush `json:"groupReadReceipt,omitempty"`
	GroupCreated     *GroupPush            `json:"groupCreated,omitempty"`
	GroupsList       *GroupsListPush       `json:"groupsList,omitempty"`
	GroupUpdated     *GroupUpdatedPush     `json:"groupUpdated,omitempty"`
	MemberAdded      *MemberChangePush     `json:"memberAdded,omitempty"`
	MemberRemoved    *MemberChangePush     `json:"memberRemoved,omitempty"`
	RemovedFromGroup *RemovedFromGroupPush `json:"removedFromGroup,omitempty"`
	Error            *ErrorPush            `json:"error,omitempty"`
}

// UsersListPush 在线用户全量快照
type UsersListPush struct {
	Users []string `json:"users"`
}

// MessagePush 消息投递
// GroupId 为空时是私聊消息
type MessagePush struct {
	MessageId string `json:"messageId"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	GroupId   string `json:"groupId,omitempty"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// SendAckPush 发送确认
// MessageId 是服务端分配的权威ID，发送方据此对账客户端临时ID
type SendAckPush struct {
	MessageId   string `json:"messageId"`
	ClientMsgId string `json:"clientMsgId,omitempty"`
	To          string `json:"to,omitempty"`
	GroupId     string `json:"groupId,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// ReadReceiptPush 私聊已读确认（推送给原发送者）
type ReadReceiptPush struct {
	MessageId string `json:"messageId"`
	Reader    string `json:"reader"`
}

// GroupReadReceiptPush 群消息全员已读（推送给全部成员）
type GroupReadReceiptPush struct {
	MessageId string `json:"messageId"`
	GroupId   string `json:"groupId"`
}

// GroupInfo 群组快照
type GroupInfo struct {
	Id        string   `json:"id"`
	Name      string   `json:"name"`
	Members   []string `json:"members"`
	CreatedBy string   `json:"createdBy"`
}

// GroupPush 群组创建通知
type GroupPush struct {
	Group GroupInfo `json:"group"`
}

// GroupsListPush 用户所在群组列表（登录时下发）
type GroupsListPush struct {
	Groups []GroupInfo `json:"groups"`
}

// GroupUpdatedPush 群组信息变更
type GroupUpdatedPush struct {
	GroupId string `json:"groupId"`
	Name    string `json:"name"`
}

// MemberChangePush 群成员变更
type MemberChangePush struct {
	GroupId  string `json:"groupId"`
	Username string `json:"username"`
}

// RemovedFromGroupPush 被移出群组通知（仅发给被移除者）
type RemovedFromGroupPush struct {
	GroupId string `json:"groupId"`
}

// ErrorPush 错误推送
type ErrorPush struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeServerEvent 编码下行事件
func EncodeServerEvent(ev *ServerEvent) ([]byte, error) {
	return json.Marshal(ev)
}
