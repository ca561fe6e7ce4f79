package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/Yarce22/chatlive/internal/connection"
	"github.com/Yarce22/chatlive/internal/group"
	"github.com/Yarce22/chatlive/internal/message"
	"github.com/Yarce22/chatlive/internal/protocol"
	"github.com/Yarce22/chatlive/internal/service"
	"github.com/Yarce22/chatlive/internal/snowflake"
	"github.com/Yarce22/chatlive/internal/workerpool"
)

// eventSink 测试传输：把下行事件解码后放入通道
type eventSink struct {
	events chan protocol.ServerEvent
}

func newEventSink() *eventSink {
	return &eventSink{events: make(chan protocol.ServerEvent, 64)}
}

func (s *eventSink) WriteMessage(data []byte) error {
	var ev protocol.ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	s.events <- ev
	return nil
}

func (s *eventSink) Close() error { return nil }

// await 排空通道直到事件满足条件，超时视为失败
func (s *eventSink) await(t *testing.T, what string, match func(ev *protocol.ServerEvent) bool) *protocol.ServerEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.events:
			if match(&ev) {
				return &ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
			return nil
		}
	}
}

// assertNone 在观察窗口内不应出现满足条件的事件
func (s *eventSink) assertNone(t *testing.T, what string, match func(ev *protocol.ServerEvent) bool) {
	t.Helper()
	window := time.After(150 * time.Millisecond)
	for {
		select {
		case ev := <-s.events:
			if match(&ev) {
				t.Fatalf("unexpected %s: %+v", what, ev)
			}
		case <-window:
			return
		}
	}
}

type testEnv struct {
	connMgr *connection.Manager
	groups  *group.Directory
	handler *Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	connMgr := connection.NewManager()
	groups := group.NewDirectory(snowflake.NewNode(1))
	store := message.NewStore()
	dispatcher := service.NewDispatcherService(connMgr)
	pool := workerpool.New(2, 64, logger)
	t.Cleanup(pool.Shutdown)
	router := service.NewRouterService(groups, store, dispatcher, snowflake.NewNode(2), pool)

	return &testEnv{
		connMgr: connMgr,
		groups:  groups,
		handler: NewHandler(connMgr, groups, router, dispatcher, logger),
	}
}

func (e *testEnv) connect(t *testing.T) (*connection.Connection, *eventSink) {
	t.Helper()
	sink := newEventSink()
	conn := connection.New(sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.connMgr.Add(conn)
	t.Cleanup(conn.Close)
	return conn, sink
}

func (e *testEnv) send(t *testing.T, conn *connection.Connection, ev protocol.ClientEvent) {
	t.Helper()
	data, err := json.Marshal(&ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	e.handler.HandleEvent(conn, data)
}

func (e *testEnv) login(t *testing.T, name string) (*connection.Connection, *eventSink) {
	t.Helper()
	conn, sink := e.connect(t)
	e.send(t, conn, protocol.ClientEvent{Login: &protocol.LoginRequest{Username: name}})
	return conn, sink
}

func hasUsers(want []string) func(ev *protocol.ServerEvent) bool {
	return func(ev *protocol.ServerEvent) bool {
		return ev.UsersList != nil && reflect.DeepEqual(ev.UsersList.Users, want)
	}
}

// TestPresenceBroadcast 两人登录后双方都看到完整在线列表
func TestPresenceBroadcast(t *testing.T) {
	env := newTestEnv(t)

	_, aliceSink := env.login(t, "alice")
	aliceSink.await(t, "presence [alice]", hasUsers([]string{"alice"}))

	_, bobSink := env.login(t, "bob")
	aliceSink.await(t, "presence [alice bob]", hasUsers([]string{"alice", "bob"}))
	bobSink.await(t, "presence [alice bob]", hasUsers([]string{"alice", "bob"}))
}

// TestPrivateMessageFlow 私聊投递、发送确认、已读回执的完整链路
func TestPrivateMessageFlow(t *testing.T) {
	env := newTestEnv(t)
	aliceConn, aliceSink := env.login(t, "alice")
	bobConn, bobSink := env.login(t, "bob")

	env.send(t, aliceConn, protocol.ClientEvent{PrivateSend: &protocol.PrivateSendRequest{
		To: "bob", Body: "hi", ClientMsgId: "tmp-1",
	}})

	delivered := bobSink.await(t, "private delivery", func(ev *protocol.ServerEvent) bool {
		return ev.PrivateMessage != nil
	})
	if delivered.PrivateMessage.Body != "hi" || delivered.PrivateMessage.From != "alice" {
		t.Errorf("unexpected delivery: %+v", delivered.PrivateMessage)
	}

	ack := aliceSink.await(t, "send ack", func(ev *protocol.ServerEvent) bool {
		return ev.SendAck != nil
	})
	if ack.SendAck.ClientMsgId != "tmp-1" {
		t.Errorf("ack must echo client msg id, got %q", ack.SendAck.ClientMsgId)
	}
	msgId := ack.SendAck.MessageId
	if msgId == "" {
		t.Fatal("ack must carry the server-assigned message id")
	}
	if msgId != delivered.PrivateMessage.MessageId {
		t.Errorf("delivery and ack must carry the same id: %q vs %q", delivered.PrivateMessage.MessageId, msgId)
	}

	env.send(t, bobConn, protocol.ClientEvent{MessageRead: &protocol.MessageReadRequest{MessageId: msgId}})

	receipt := aliceSink.await(t, "read receipt", func(ev *protocol.ServerEvent) bool {
		return ev.ReadReceipt != nil
	})
	if receipt.ReadReceipt.MessageId != msgId || receipt.ReadReceipt.Reader != "bob" {
		t.Errorf("unexpected receipt: %+v", receipt.ReadReceipt)
	}
}

// TestOfflineRecipientStillAcks 接收方离线时发送方仍收到确认
func TestOfflineRecipientStillAcks(t *testing.T) {
	env := newTestEnv(t)
	aliceConn, aliceSink := env.login(t, "alice")

	env.send(t, aliceConn, protocol.ClientEvent{PrivateSend: &protocol.PrivateSendRequest{
		To: "ghost", Body: "anyone there", ClientMsgId: "tmp-9",
	}})

	ack := aliceSink.await(t, "send ack", func(ev *protocol.ServerEvent) bool {
		return ev.SendAck != nil
	})
	if ack.SendAck.ClientMsgId != "tmp-9" || ack.SendAck.To != "ghost" {
		t.Errorf("unexpected ack: %+v", ack.SendAck)
	}
}

// TestUnknownMessageReadIsNoOp 未知消息ID的已读标记无任何可见效果
func TestUnknownMessageReadIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	_, aliceSink := env.login(t, "alice")
	bobConn, _ := env.login(t, "bob")

	env.send(t, bobConn, protocol.ClientEvent{MessageRead: &protocol.MessageReadRequest{MessageId: "nope"}})

	aliceSink.assertNone(t, "read receipt", func(ev *protocol.ServerEvent) bool {
		return ev.ReadReceipt != nil || ev.GroupReadReceipt != nil
	})
}

// TestGroupAllReadExactlyOnce 三人群全员已读通知对每个成员恰好一次
func TestGroupAllReadExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	aliceConn, aliceSink := env.login(t, "alice")
	bobConn, bobSink := env.login(t, "bob")
	carolConn, carolSink := env.login(t, "carol")

	env.send(t, aliceConn, protocol.ClientEvent{CreateGroup: &protocol.CreateGroupRequest{
		Name: "team", Members: []string{"bob", "carol"},
	}})

	created := aliceSink.await(t, "group created", func(ev *protocol.ServerEvent) bool {
		return ev.GroupCreated != nil
	})
	groupId := created.GroupCreated.Group.Id
	bobSink.await(t, "group created", func(ev *protocol.ServerEvent) bool { return ev.GroupCreated != nil })
	carolSink.await(t, "group created", func(ev *protocol.ServerEvent) bool { return ev.GroupCreated != nil })

	env.send(t, aliceConn, protocol.ClientEvent{GroupSend: &protocol.GroupSendRequest{
		GroupId: groupId, Body: "hello", ClientMsgId: "tmp-g1",
	}})

	ack := aliceSink.await(t, "send ack", func(ev *protocol.ServerEvent) bool { return ev.SendAck != nil })
	msgId := ack.SendAck.MessageId
	for _, sink := range []*eventSink{bobSink, carolSink} {
		got := sink.await(t, "group delivery", func(ev *protocol.ServerEvent) bool { return ev.GroupMessage != nil })
		if got.GroupMessage.MessageId != msgId || got.GroupMessage.Body != "hello" {
			t.Errorf("unexpected group delivery: %+v", got.GroupMessage)
		}
	}
	// 发送者自己不收投递
	aliceSink.assertNone(t, "self delivery", func(ev *protocol.ServerEvent) bool { return ev.GroupMessage != nil })

	env.send(t, bobConn, protocol.ClientEvent{MessageRead: &protocol.MessageReadRequest{MessageId: msgId}})
	bobSink.assertNone(t, "premature all-read", func(ev *protocol.ServerEvent) bool { return ev.GroupReadReceipt != nil })

	env.send(t, carolConn, protocol.ClientEvent{MessageRead: &protocol.MessageReadRequest{MessageId: msgId}})

	isAllRead := func(ev *protocol.ServerEvent) bool {
		return ev.GroupReadReceipt != nil && ev.GroupReadReceipt.MessageId == msgId
	}
	for _, sink := range []*eventSink{aliceSink, bobSink, carolSink} {
		got := sink.await(t, "all-read notification", isAllRead)
		if got.GroupReadReceipt.GroupId != groupId {
			t.Errorf("unexpected all-read: %+v", got.GroupReadReceipt)
		}
		sink.assertNone(t, "duplicate all-read", isAllRead)
	}

	// 此后任何已读标记不再触发
	env.send(t, carolConn, protocol.ClientEvent{MessageRead: &protocol.MessageReadRequest{MessageId: msgId}})
	aliceSink.assertNone(t, "re-triggered all-read", isAllRead)
}

// TestNotLoggedIn 未登录连接的业务事件被拒绝
func TestNotLoggedIn(t *testing.T) {
	env := newTestEnv(t)
	conn, sink := env.connect(t)

	env.send(t, conn, protocol.ClientEvent{PrivateSend: &protocol.PrivateSendRequest{To: "bob", Body: "hi"}})

	got := sink.await(t, "error push", func(ev *protocol.ServerEvent) bool { return ev.Error != nil })
	if got.Error.Code != protocol.CodeNotLoggedIn {
		t.Errorf("expected %s, got %s", protocol.CodeNotLoggedIn, got.Error.Code)
	}

	// 心跳在未登录状态下不报错
	env.send(t, conn, protocol.ClientEvent{Heartbeat: &protocol.HeartbeatRequest{}})
	sink.assertNone(t, "heartbeat error", func(ev *protocol.ServerEvent) bool { return ev.Error != nil })
}

// TestMalformedEvent 非法事件收到 BAD_EVENT
func TestMalformedEvent(t *testing.T) {
	env := newTestEnv(t)
	conn, sink := env.connect(t)

	env.handler.HandleEvent(conn, []byte("{not json"))
	got := sink.await(t, "error push", func(ev *protocol.ServerEvent) bool { return ev.Error != nil })
	if got.Error.Code != protocol.CodeBadEvent {
		t.Errorf("expected %s, got %s", protocol.CodeBadEvent, got.Error.Code)
	}

	// 空事件同样非法
	env.handler.HandleEvent(conn, []byte("{}"))
	sink.await(t, "error push", func(ev *protocol.ServerEvent) bool {
		return ev.Error != nil && ev.Error.Code == protocol.CodeBadEvent
	})
}

// TestGroupSendUnknownGroup 未知群组发送失败且无副作用
func TestGroupSendUnknownGroup(t *testing.T) {
	env := newTestEnv(t)
	aliceConn, aliceSink := env.login(t, "alice")

	env.send(t, aliceConn, protocol.ClientEvent{GroupSend: &protocol.GroupSendRequest{
		GroupId: "group_404", Body: "void",
	}})

	got := aliceSink.await(t, "error push", func(ev *protocol.ServerEvent) bool { return ev.Error != nil })
	if got.Error.Code != protocol.CodeGroupNotFound {
		t.Errorf("expected %s, got %s", protocol.CodeGroupNotFound, got.Error.Code)
	}
	aliceSink.assertNone(t, "ack for failed send", func(ev *protocol.ServerEvent) bool { return ev.SendAck != nil })
}

// TestAddMemberNotifications 新成员收到完整群信息，老成员收到变更通知；重复添加无通知
func TestAddMemberNotifications(t *testing.T) {
	env := newTestEnv(t)
	aliceConn, aliceSink := env.login(t, "alice")
	_, bobSink := env.login(t, "bob")
	_, carolSink := env.login(t, "carol")

	env.send(t, aliceConn, protocol.ClientEvent{CreateGroup: &protocol.CreateGroupRequest{
		Name: "team", Members: []string{"bob"},
	}})
	created := aliceSink.await(t, "group created", func(ev *protocol.ServerEvent) bool { return ev.GroupCreated != nil })
	groupId := created.GroupCreated.Group.Id

	env.send(t, aliceConn, protocol.ClientEvent{AddMember: &protocol.AddMemberRequest{
		GroupId: groupId, Username: "carol",
	}})

	joined := carolSink.await(t, "group info for new member", func(ev *protocol.ServerEvent) bool {
		return ev.GroupCreated != nil
	})
	wantMembers := []string{"alice", "bob", "carol"}
	if !reflect.DeepEqual(joined.GroupCreated.Group.Members, wantMembers) {
		t.Errorf("expected members %v, got %v", wantMembers, joined.GroupCreated.Group.Members)
	}
	for _, sink := range []*eventSink{aliceSink, bobSink} {
		got := sink.await(t, "member added", func(ev *protocol.ServerEvent) bool { return ev.MemberAdded != nil })
		if got.MemberAdded.Username != "carol" || got.MemberAdded.GroupId != groupId {
			t.Errorf("unexpected member added: %+v", got.MemberAdded)
		}
	}

	// 重复添加是空操作，无第二次通知
	env.send(t, aliceConn, protocol.ClientEvent{AddMember: &protocol.AddMemberRequest{
		GroupId: groupId, Username: "carol",
	}})
	bobSink.assertNone(t, "duplicate member added", func(ev *protocol.ServerEvent) bool { return ev.MemberAdded != nil })
}

// TestRemoveMemberNotifications 被移除者收到移出通知，留下的成员收到变更通知
func TestRemoveMemberNotifications(t *testing.T) {
	env := newTestEnv(t)
	aliceConn, aliceSink := env.login(t, "alice")
	_, bobSink := env.login(t, "bob")

	env.send(t, aliceConn, protocol.ClientEvent{CreateGroup: &protocol.CreateGroupRequest{
		Name: "team", Members: []string{"bob"},
	}})
	created := aliceSink.await(t, "group created", func(ev *protocol.ServerEvent) bool { return ev.GroupCreated != nil })
	groupId := created.GroupCreated.Group.Id

	env.send(t, aliceConn, protocol.ClientEvent{RemoveMember: &protocol.RemoveMemberRequest{
		GroupId: groupId, Username: "bob",
	}})

	removed := bobSink.await(t, "removed from group", func(ev *protocol.ServerEvent) bool {
		return ev.RemovedFromGroup != nil
	})
	if removed.RemovedFromGroup.GroupId != groupId {
		t.Errorf("unexpected removal notice: %+v", removed.RemovedFromGroup)
	}
	got := aliceSink.await(t, "member removed", func(ev *protocol.ServerEvent) bool { return ev.MemberRemoved != nil })
	if got.MemberRemoved.Username != "bob" {
		t.Errorf("unexpected member removed: %+v", got.MemberRemoved)
	}
}

// TestUpdateGroupNotifies 改名后全体成员收到变更通知
func TestUpdateGroupNotifies(t *testing.T) {
	env := newTestEnv(t)
	aliceConn, aliceSink := env.login(t, "alice")
	_, bobSink := env.login(t, "bob")

	env.send(t, aliceConn, protocol.ClientEvent{CreateGroup: &protocol.CreateGroupRequest{
		Name: "team", Members: []string{"bob"},
	}})
	created := aliceSink.await(t, "group created", func(ev *protocol.ServerEvent) bool { return ev.GroupCreated != nil })
	groupId := created.GroupCreated.Group.Id

	newName := "team-v2"
	env.send(t, aliceConn, protocol.ClientEvent{UpdateGroup: &protocol.UpdateGroupRequest{
		GroupId: groupId, Name: &newName,
	}})

	for _, sink := range []*eventSink{aliceSink, bobSink} {
		got := sink.await(t, "group updated", func(ev *protocol.ServerEvent) bool { return ev.GroupUpdated != nil })
		if got.GroupUpdated.Name != newName {
			t.Errorf("expected name %q, got %q", newName, got.GroupUpdated.Name)
		}
	}
}

// TestDisconnectKeepsMembership 断连只影响在线状态，群成员资格保留
func TestDisconnectKeepsMembership(t *testing.T) {
	env := newTestEnv(t)
	aliceConn, aliceSink := env.login(t, "alice")
	bobConn, _ := env.login(t, "bob")

	env.send(t, aliceConn, protocol.ClientEvent{CreateGroup: &protocol.CreateGroupRequest{
		Name: "team", Members: []string{"bob"},
	}})
	created := aliceSink.await(t, "group created", func(ev *protocol.ServerEvent) bool { return ev.GroupCreated != nil })
	groupId := created.GroupCreated.Group.Id

	env.handler.HandleDisconnect(bobConn)
	aliceSink.await(t, "presence [alice]", hasUsers([]string{"alice"}))

	// 离线成员不影响群发
	env.send(t, aliceConn, protocol.ClientEvent{GroupSend: &protocol.GroupSendRequest{
		GroupId: groupId, Body: "still here",
	}})
	aliceSink.await(t, "send ack", func(ev *protocol.ServerEvent) bool { return ev.SendAck != nil })

	// 重新登录后群组列表里仍有该群
	_, bobSink := env.login(t, "bob")
	got := bobSink.await(t, "groups list", func(ev *protocol.ServerEvent) bool { return ev.GroupsList != nil })
	if len(got.GroupsList.Groups) != 1 || got.GroupsList.Groups[0].Id != groupId {
		t.Errorf("expected membership to survive disconnect, got %+v", got.GroupsList.Groups)
	}
}

// TestLogout 登出解绑身份但连接保持
func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	aliceConn, aliceSink := env.login(t, "alice")
	_, bobSink := env.login(t, "bob")
	bobSink.await(t, "presence [alice bob]", hasUsers([]string{"alice", "bob"}))

	env.send(t, aliceConn, protocol.ClientEvent{Logout: &protocol.LogoutRequest{}})
	bobSink.await(t, "presence [bob]", hasUsers([]string{"bob"}))

	// 登出后的连接回到未登录状态
	env.send(t, aliceConn, protocol.ClientEvent{PrivateSend: &protocol.PrivateSendRequest{To: "bob", Body: "hi"}})
	got := aliceSink.await(t, "error push", func(ev *protocol.ServerEvent) bool { return ev.Error != nil })
	if got.Error.Code != protocol.CodeNotLoggedIn {
		t.Errorf("expected %s, got %s", protocol.CodeNotLoggedIn, got.Error.Code)
	}
}
