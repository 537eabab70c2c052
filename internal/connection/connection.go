package connection

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/webtransport-go"

	"sudooom.dm/pkg/proto"
)

var connIDCounter int64

// Connection 表示一个已认证的客户端连接
// 客户端只用一个双向流通信：读循环在外部驱动，写统一走 writeChan，
// 由 writeLoop 串行写帧，避免并发写同一个流
type Connection struct {
	id         int64
	userID     int64
	session    *webtransport.Session
	stream     webtransport.Stream
	logger     *slog.Logger
	writeChan  chan []byte
	closeChan  chan struct{}
	closeOnce  sync.Once
	createTime time.Time
}

// NewFromWebTransport 包装一个已完成认证的会话
func NewFromWebTransport(session *webtransport.Session, stream webtransport.Stream, userID int64) *Connection {
	id := atomic.AddInt64(&connIDCounter, 1)
	c := &Connection{
		id:         id,
		userID:     userID,
		session:    session,
		stream:     stream,
		logger:     slog.Default(),
		writeChan:  make(chan []byte, 256),
		closeChan:  make(chan struct{}),
		createTime: time.Now(),
	}
	go c.writeLoop()
	return c
}

// ID 连接ID，进程内唯一
func (c *Connection) ID() int64 {
	return c.id
}

// UserID 连接绑定的用户
func (c *Connection) UserID() int64 {
	return c.userID
}

// Send 投递一个完整帧，连接已关闭时返回 ErrConnectionClosed
func (c *Connection) Send(frame []byte) error {
	select {
	case c.writeChan <- frame:
		return nil
	case <-c.closeChan:
		return ErrConnectionClosed
	}
}

// SendEvent 编码并投递一个事件帧
func (c *Connection) SendEvent(event *proto.Envelope) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.Send(proto.BuildFrame(proto.FrameTypeEvent, body))
}

func (c *Connection) writeLoop() {
	for {
		select {
		case frame := <-c.writeChan:
			if _, err := c.stream.Write(frame); err != nil {
				c.logger.Debug("Failed to write frame, closing connection",
					"connId", c.id, "userId", c.userID, "error", err)
				c.Close()
				return
			}
		case <-c.closeChan:
			return
		}
	}
}

// Close 关闭连接，幂等
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		c.session.CloseWithError(0, "connection closed")
	})
}

// CreateTime 连接建立时间
func (c *Connection) CreateTime() time.Time {
	return c.createTime
}
