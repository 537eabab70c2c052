package proto

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// FrameHeaderSize 帧头大小：4 bytes length + 1 byte frame type
	FrameHeaderSize = 5

	// MaxFrameSize 单帧体积上限
	MaxFrameSize = 1 << 20

	// 帧类型
	FrameTypeAuth    byte = 1 // 认证请求（AuthRequest）
	FrameTypeEvent   byte = 2 // 事件帧（Envelope）
	FrameTypeAuthAck byte = 3 // 认证响应（AuthAck）
)

var ErrFrameTooLarge = errors.New("frame exceeds max size")

// WriteFrame 写一个带帧头的帧
func WriteFrame(w io.Writer, frameType byte, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint32(header[:4], uint32(len(body)))
	header[4] = frameType

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// BuildFrame 构建一个带帧头的完整帧
func BuildFrame(frameType byte, body []byte) []byte {
	frame := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	frame[4] = frameType
	copy(frame[FrameHeaderSize:], body)
	return frame
}

// ReadFrame 读一个帧，返回帧类型和帧体
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
