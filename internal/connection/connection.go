package connection

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

var connIDCounter int64

// State 连接生命周期状态
type State int32

const (
	StateAnonymous  State = iota // 传输层建立，未登录，只接受 login 事件
	StateIdentified              // 已绑定用户名
	StateClosed                  // 终态，传输层关闭
)

// Transport 底层传输会话的抽象
// WebTransport 和 WebSocket 会话都实现该接口，上层不感知传输差异
type Transport interface {
	// WriteMessage 发送一条完整的下行消息（各传输自行处理成帧）
	WriteMessage(data []byte) error
	Close() error
}

// Connection 表示一个客户端连接
// 出站消息经缓冲队列由独立的写循环投递，注册表的临界区内
// 只做入队，慢接收方不会阻塞其他操作
type Connection struct {
	id         int64
	transport  Transport
	logger     *slog.Logger
	writeChan  chan []byte
	closeChan  chan struct{}
	closeOnce  sync.Once
	createTime time.Time

	mu         sync.RWMutex
	username   string
	state      State
	lastActive time.Time
}

// New 创建连接并启动写循环
func New(transport Transport, logger *slog.Logger) *Connection {
	id := atomic.AddInt64(&connIDCounter, 1)
	now := time.Now()
	c := &Connection{
		id:         id,
		transport:  transport,
		logger:     logger,
		writeChan:  make(chan []byte, 256),
		closeChan:  make(chan struct{}),
		createTime: now,
		state:      StateAnonymous,
		lastActive: now,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) ID() int64 {
	return c.id
}

// Username 返回绑定的用户名，未登录时为空串
func (c *Connection) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// bindUser 绑定用户名（仅 Manager 调用，保证与注册表一致）
func (c *Connection) bindUser(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
	c.state = StateIdentified
}

// clearUser 解绑用户名，回到 Anonymous（仅 Manager 调用）
func (c *Connection) clearUser() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = ""
	if c.state == StateIdentified {
		c.state = StateAnonymous
	}
}

// Send 将消息放入发送队列
// 队列满时丢弃并返回 ErrSendBufferFull：投递是尽力而为的，
// 慢接收方不能拖住发送路径
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
	}

	select {
	case <-c.closeChan:
		return ErrConnectionClosed
	case c.writeChan <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeChan:
			if err := c.transport.WriteMessage(data); err != nil {
				c.logger.Debug("Failed to write message", "conn_id", c.id, "error", err)
			}
		case <-c.closeChan:
			return
		}
	}
}

// Close 关闭连接（幂等）
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()

		close(c.closeChan)
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("Failed to close transport", "conn_id", c.id, "error", err)
		}
	})
}

// UpdateActive 刷新活跃时间（收到任何上行数据时调用）
func (c *Connection) UpdateActive() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// LastActiveTime 最后活跃时间
func (c *Connection) LastActiveTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActive
}

func (c *Connection) CreateTime() time.Time {
	return c.createTime
}
