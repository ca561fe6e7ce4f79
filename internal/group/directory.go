package group

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Yarce22/chatlive/internal/snowflake"
)

// Directory 群组目录
// 持有全部群组的身份和成员关系，成员变更的唯一入口。
// 群组在本设计中从不删除，成员清空后仍保留
type Directory struct {
	mu     sync.RWMutex
	groups map[string]*groupState
	idNode *snowflake.Node
	logger *slog.Logger
}

func NewDirectory(idNode *snowflake.Node) *Directory {
	return &Directory{
		groups: make(map[string]*groupState),
		idNode: idNode,
		logger: slog.Default().With("component", "GroupDirectory"),
	}
}

// Create 创建群组
// 创建者未出现在成员列表时无条件加入；重复成员收敛为一个。
// 源系统允许只有创建者一人的群组，保持为合法输入
func (d *Directory) Create(name string, members []string, creator string) (Group, error) {
	if strings.TrimSpace(name) == "" {
		return Group{}, ErrInvalidName
	}

	memberSet := make(map[string]struct{}, len(members)+1)
	for _, m := range members {
		if m == "" {
			continue
		}
		memberSet[m] = struct{}{}
	}
	memberSet[creator] = struct{}{}

	g := &groupState{
		id:        "group_" + d.idNode.Generate().String(),
		name:      name,
		members:   memberSet,
		createdBy: creator,
		createdAt: time.Now(),
	}

	d.mu.Lock()
	d.groups[g.id] = g
	snap := g.snapshot()
	d.mu.Unlock()

	d.logger.Info("Group created",
		"group_id", g.id,
		"name", name,
		"creator", creator,
		"member_count", len(snap.Members))

	return snap, nil
}

// AddMember 添加群成员
// 幂等：已是成员时返回 added=false，调用方不应重复发通知
func (d *Directory) AddMember(groupId, username string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.groups[groupId]
	if !ok {
		return false, ErrGroupNotFound
	}

	if g.hasMember(username) {
		return false, nil
	}

	g.members[username] = struct{}{}
	return true, nil
}

// RemoveMember 移除群成员
// 幂等：不是成员时返回 removed=false
func (d *Directory) RemoveMember(groupId, username string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.groups[groupId]
	if !ok {
		return false, ErrGroupNotFound
	}

	if !g.hasMember(username) {
		return false, nil
	}

	delete(g.members, username)
	return true, nil
}

// Update 变更参数
// 为 nil 的字段保持不变
type Update struct {
	Name *string
}

// Update 更新群组信息，返回更新后的快照
func (d *Directory) Update(groupId string, upd Update) (Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.groups[groupId]
	if !ok {
		return Group{}, ErrGroupNotFound
	}

	if upd.Name != nil {
		if strings.TrimSpace(*upd.Name) == "" {
			return Group{}, ErrInvalidName
		}
		g.name = *upd.Name
	}

	return g.snapshot(), nil
}

// Members 群成员列表（有序）
// 群组不存在返回 ErrGroupNotFound，调用方应丢弃操作且不产生副作用
func (d *Directory) Members(groupId string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	g, ok := d.groups[groupId]
	if !ok {
		return nil, ErrGroupNotFound
	}

	members := make([]string, 0, len(g.members))
	for m := range g.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

// Get 群组快照
func (d *Directory) Get(groupId string) (Group, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	g, ok := d.groups[groupId]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	return g.snapshot(), nil
}

// GroupsFor 用户所在的全部群组（登录时下发群组列表用）
func (d *Directory) GroupsFor(username string) []Group {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []Group
	for _, g := range d.groups {
		if g.hasMember(username) {
			result = append(result, g.snapshot())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })
	return result
}

func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.groups)
}
