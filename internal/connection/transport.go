package connection

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/webtransport-go"

	"github.com/Yarce22/chatlive/internal/protocol"
)

const wsWriteWait = 10 * time.Second

// WebTransportSession WebTransport 传输
// 客户端只使用一个双向流进行所有通信，下行消息以帧格式写入该流
type WebTransportSession struct {
	session *webtransport.Session
	stream  *webtransport.Stream
}

func NewWebTransportSession(session *webtransport.Session, stream *webtransport.Stream) *WebTransportSession {
	return &WebTransportSession{session: session, stream: stream}
}

func (t *WebTransportSession) WriteMessage(data []byte) error {
	frame := protocol.EncodeFrame(protocol.FrameTypePush, data)
	_, err := t.stream.Write(frame)
	return err
}

func (t *WebTransportSession) Close() error {
	return t.session.CloseWithError(0, "connection closed")
}

// WebSocketSession WebSocket 传输
// WebSocket 自带消息边界，下行消息直接作为文本帧发送
type WebSocketSession struct {
	conn *websocket.Conn
}

func NewWebSocketSession(conn *websocket.Conn) *WebSocketSession {
	return &WebSocketSession{conn: conn}
}

func (t *WebSocketSession) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketSession) Close() error {
	return t.conn.Close()
}
