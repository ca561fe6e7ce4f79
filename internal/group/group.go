package group

import (
	"sort"
	"time"
)

// Group 群组快照（只读数据传输对象）
// 与目录内部状态区分：快照离开临界区后可安全使用
type Group struct {
	Id        string    `json:"id"`
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// groupState 群组内部状态
// 成员用集合存储，重复成员在结构上不可能出现
type groupState struct {
	id        string
	name      string
	members   map[string]struct{}
	createdBy string
	createdAt time.Time
}

// snapshot 生成只读快照，成员列表有序
func (g *groupState) snapshot() Group {
	members := make([]string, 0, len(g.members))
	for m := range g.members {
		members = append(members, m)
	}
	sort.Strings(members)

	return Group{
		Id:        g.id,
		Name:      g.name,
		Members:   members,
		CreatedBy: g.createdBy,
		CreatedAt: g.createdAt,
	}
}

func (g *groupState) hasMember(username string) bool {
	_, ok := g.members[username]
	return ok
}
