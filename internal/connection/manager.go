package connection

import (
	"sort"
	"sync"
)

// Manager 管理所有连接和用户名到连接的映射（身份注册表）
// 每个用户名任一时刻至多映射到一个连接，后登录的连接覆盖先前的映射；
// 被覆盖的连接不强制关闭，只是不再可寻址
type Manager struct {
	mu          sync.RWMutex
	connections map[int64]*Connection
	userConns   map[string]int64 // username -> connID
}

func NewManager() *Manager {
	return &Manager{
		connections: make(map[int64]*Connection),
		userConns:   make(map[string]int64),
	}
}

func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.ID()] = conn
}

// Remove 移除连接记录
// 不触碰身份映射：解绑必须先经过 UnbindUser 的防护检查
func (m *Manager) Remove(connID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, connID)
}

func (m *Manager) Get(connID int64) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[connID]
}

// BindUser 将用户名（重新）绑定到连接
// 无条件覆盖：同名用户在新连接上重新登录属正常场景，无错误分支
func (m *Manager) BindUser(connID int64, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[connID]
	if !ok {
		return
	}

	// 同一连接换名重登时清掉旧映射
	if prev := conn.Username(); prev != "" && prev != username && m.userConns[prev] == connID {
		delete(m.userConns, prev)
	}

	conn.bindUser(username)
	m.userConns[username] = connID
}

// UnbindUser 解绑连接上的用户名
// 仅当该用户名仍映射到本连接时才移除：防止迟到的断连清理
// 覆盖同名用户在其他连接上更新的登录。返回是否真正发生了解绑，
// 调用方据此决定是否广播在线列表
func (m *Manager) UnbindUser(connID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[connID]
	if !ok {
		return "", false
	}

	username := conn.Username()
	if username == "" {
		return "", false
	}

	if m.userConns[username] != connID {
		// 同名用户已在新连接上登录，本连接的映射早已失效
		conn.clearUser()
		return "", false
	}

	delete(m.userConns, username)
	conn.clearUser()
	return username, true
}

// Resolve 查找用户名当前的活跃连接
// 返回 nil 表示用户离线，这是正常状态而非错误
func (m *Manager) Resolve(username string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	connID, ok := m.userConns[username]
	if !ok {
		return nil
	}
	return m.connections[connID]
}

// Usernames 在线用户名快照（有序，便于广播和测试比对）
func (m *Manager) Usernames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.userConns))
	for name := range m.userConns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Connections 返回所有连接（用于广播和空闲检测）
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	return conns
}
