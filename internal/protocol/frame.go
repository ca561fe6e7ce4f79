package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// 帧头大小：4 bytes length + 1 byte frame type
	FrameHeaderSize = 5

	// 帧类型
	FrameTypeEvent byte = 1 // 上行事件（ClientEvent）
	FrameTypePush  byte = 2 // 下行推送（ServerEvent）

	// 单帧最大负载
	MaxFrameSize = 1 << 20
)

var ErrFrameTooLarge = errors.New("FRAME_TOO_LARGE")

// EncodeFrame 编码带帧头的数据
// WebTransport 的单个双向流上所有消息都以该帧格式传输；
// WebSocket 自带消息边界，不经过此编码
func EncodeFrame(frameType byte, body []byte) []byte {
	frame := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	frame[4] = frameType
	copy(frame[FrameHeaderSize:], body)
	return frame
}

// ReadFrame 从流中读取一帧
func ReadFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	frameType := header[4]

	if length > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}

	return frameType, body, nil
}
