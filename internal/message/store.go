package message

import (
	"log/slog"
	"sync"
	"time"
)

// MembersFunc 查询群组当前成员
// 全读判定需要标记时刻的成员列表，由调用方注入目录查询
type MembersFunc func(groupId string) ([]string, error)

// OutcomeKind 已读标记的结果类型
type OutcomeKind int

const (
	// OutcomeNone 无可见效果：消息不存在、重复标记、群消息未集齐
	OutcomeNone OutcomeKind = iota
	// OutcomePrivateRead 私聊消息首次被接收方标记已读
	OutcomePrivateRead
	// OutcomeGroupAllRead 群消息全员已读，恰好触发一次
	OutcomeGroupAllRead
)

// Outcome 已读标记结果
// 通知扇出所需的全部信息在临界区内采集，调用方不需要回查
type Outcome struct {
	Kind      OutcomeKind
	MessageId string
	Sender    string
	GroupId   string
	Members   []string
}

// record 消息的服务端状态
// 私聊消息用 read 标志；群消息用 readBy 集合，只增不减
type record struct {
	id        string
	from      string
	to        string
	groupId   string
	body      string
	timestamp int64
	read      bool
	readBy    map[string]struct{}
	allRead   bool
}

// Store 消息状态存储
// 发送路径登记消息，已读路径做检查并置位。群消息的
// 集合更新和全读判定在同一临界区内完成，两个并发的
// 读者不会各自看到"未集齐"而都不触发通知
type Store struct {
	mu      sync.Mutex
	records map[string]*record
	logger  *slog.Logger
}

func NewStore() *Store {
	return &Store{
		records: make(map[string]*record),
		logger:  slog.Default().With("component", "MessageStore"),
	}
}

// CreatePrivate 登记私聊消息
func (s *Store) CreatePrivate(id, from, to, body string) int64 {
	ts := time.Now().UnixMilli()

	s.mu.Lock()
	s.records[id] = &record{
		id:        id,
		from:      from,
		to:        to,
		body:      body,
		timestamp: ts,
	}
	s.mu.Unlock()

	return ts
}

// CreateGroup 登记群聊消息
// 发送者计入已读集合；members 是发送时刻的成员列表，只用于
// 创建时的全读判定。发送者是唯一成员时消息创建即全员已读，
// 返回 allRead=true，通知扇出由调用方负责
func (s *Store) CreateGroup(id, from, groupId, body string, members []string) (ts int64, allRead bool) {
	ts = time.Now().UnixMilli()

	r := &record{
		id:        id,
		from:      from,
		groupId:   groupId,
		body:      body,
		timestamp: ts,
		readBy:    map[string]struct{}{from: {}},
	}
	r.allRead = len(r.readBy) >= len(members)

	s.mu.Lock()
	s.records[id] = r
	s.mu.Unlock()

	return ts, r.allRead
}

// MarkRead 标记已读
// 未知的消息ID静默忽略；重复标记是空操作。
// 群消息对照标记时刻的成员列表判定全读，membersFn 在锁内调用，
// 集合更新和置位是一次原子检查。全读一旦成立永不回退，
// 之后加入的成员不影响历史消息
func (s *Store) MarkRead(messageId, reader string, membersFn MembersFunc) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[messageId]
	if !ok {
		s.logger.Debug("Read mark for unknown message", "message_id", messageId, "reader", reader)
		return Outcome{Kind: OutcomeNone}
	}

	if r.groupId == "" {
		return s.markPrivateRead(r, reader)
	}
	return s.markGroupRead(r, reader, membersFn)
}

func (s *Store) markPrivateRead(r *record, reader string) Outcome {
	// 只有接收方能产生已读回执
	if reader != r.to || r.read {
		return Outcome{Kind: OutcomeNone}
	}
	r.read = true

	return Outcome{
		Kind:      OutcomePrivateRead,
		MessageId: r.id,
		Sender:    r.from,
	}
}

func (s *Store) markGroupRead(r *record, reader string, membersFn MembersFunc) Outcome {
	if r.allRead {
		return Outcome{Kind: OutcomeNone}
	}
	if _, seen := r.readBy[reader]; seen {
		return Outcome{Kind: OutcomeNone}
	}
	r.readBy[reader] = struct{}{}

	members, err := membersFn(r.groupId)
	if err != nil {
		// 群组查不到时标记保留在集合里，不触发通知
		s.logger.Warn("Group lookup failed during read mark",
			"message_id", r.id, "group_id", r.groupId, "error", err)
		return Outcome{Kind: OutcomeNone}
	}

	if len(r.readBy) < len(members) {
		return Outcome{Kind: OutcomeNone}
	}
	r.allRead = true

	return Outcome{
		Kind:      OutcomeGroupAllRead,
		MessageId: r.id,
		Sender:    r.from,
		GroupId:   r.groupId,
		Members:   members,
	}
}

// Count 当前登记的消息数
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
