package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/webtransport-go"

	"sudooom.dm/pkg/proto"
)

// State 连接状态机的状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError // 重连次数耗尽，终态
)

// String 状态名
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = errors.New("client is not connected")
	ErrClosed       = errors.New("client is closed")
	ErrAuthRejected = errors.New("server rejected auth")
)

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
	defaultMaxAttempts = 10
)

// Options 客户端配置
type Options struct {
	// URL WebTransport 接入地址，如 https://host:port/webtransport
	URL string

	// Token 认证用的 Access Token
	Token string

	// TLSConfig 可选，开发环境连自签证书时设置 InsecureSkipVerify
	TLSConfig *tls.Config

	// 重连退避：从 BackoffBase 开始逐次翻倍，封顶 BackoffMax，
	// 连续失败 MaxAttempts 次后进入 Error 终态
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int
}

// EventHandler 服务端事件回调
type EventHandler func(event *proto.Envelope)

// Client 消息客户端
// 断线后自动重连并重放已加入的房间，调用方只需要注册事件回调。
// 断线期间服务端不缓存事件，重连后应通过历史接口补齐错过的消息
type Client struct {
	opts   Options
	logger *slog.Logger

	state int32

	mu       sync.Mutex
	session  *webtransport.Session
	stream   webtransport.Stream
	userID   int64
	rooms    map[int64]struct{}
	handlers map[string][]EventHandler

	closeChan chan struct{}
	closeOnce sync.Once
}

// New 创建客户端
func New(opts Options) *Client {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	return &Client{
		opts:      opts,
		logger:    slog.Default(),
		rooms:     make(map[int64]struct{}),
		handlers:  make(map[string][]EventHandler),
		closeChan: make(chan struct{}),
	}
}

// State 当前连接状态
func (c *Client) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Client) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

// UserID 认证成功后服务端返回的用户ID
func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// OnEvent 注册事件回调，同一事件可以注册多个
func (c *Client) OnEvent(event string, handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

// Connect 建立连接并完成认证，成功后启动读循环
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.closeChan:
		return ErrClosed
	default:
	}

	c.setState(StateConnecting)
	if err := c.dial(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)
	go c.readLoop()
	return nil
}

// dial 拨号 + 首帧认证
func (c *Client) dial(ctx context.Context) error {
	dialer := &webtransport.Dialer{
		TLSClientConfig: c.opts.TLSConfig,
	}

	resp, session, err := dialer.Dial(ctx, c.opts.URL, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		session.CloseWithError(0, "handshake rejected")
		return fmt.Errorf("webtransport handshake failed: status %d", resp.StatusCode)
	}

	stream, err := session.OpenStreamSync(ctx)
	if err != nil {
		session.CloseWithError(0, "open stream failed")
		return err
	}

	authBody, err := json.Marshal(&proto.AuthRequest{Token: c.opts.Token})
	if err != nil {
		session.CloseWithError(0, "marshal auth failed")
		return err
	}
	if err := proto.WriteFrame(stream, proto.FrameTypeAuth, authBody); err != nil {
		session.CloseWithError(0, "write auth failed")
		return err
	}

	frameType, body, err := proto.ReadFrame(stream)
	if err != nil {
		session.CloseWithError(0, "read auth ack failed")
		return err
	}
	if frameType != proto.FrameTypeAuthAck {
		session.CloseWithError(0, "unexpected frame")
		return fmt.Errorf("expected auth ack, got frame type %d", frameType)
	}

	var ack proto.AuthAck
	if err := json.Unmarshal(body, &ack); err != nil {
		session.CloseWithError(0, "malformed auth ack")
		return err
	}
	if ack.Code != 0 {
		session.CloseWithError(0, "auth rejected")
		return fmt.Errorf("%w: code %d, %s", ErrAuthRejected, ack.Code, ack.Msg)
	}

	c.mu.Lock()
	c.session = session
	c.stream = stream
	c.userID = ack.UserID
	c.mu.Unlock()

	return nil
}

// readLoop 读取服务端事件帧，读失败触发重连
func (c *Client) readLoop() {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()

	for {
		frameType, body, err := proto.ReadFrame(stream)
		if err != nil {
			select {
			case <-c.closeChan:
				c.setState(StateDisconnected)
				return
			default:
			}
			c.logger.Warn("Connection lost, reconnecting", "error", err)
			c.reconnect()
			return
		}

		if frameType != proto.FrameTypeEvent {
			continue
		}

		var env proto.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			c.logger.Warn("Malformed event from server, dropping", "error", err)
			continue
		}

		c.dispatch(&env)
	}
}

func (c *Client) dispatch(env *proto.Envelope) {
	c.mu.Lock()
	handlers := make([]EventHandler, len(c.handlers[env.Event]))
	copy(handlers, c.handlers[env.Event])
	c.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

// reconnect 指数退避重连，成功后重放已加入的房间
func (c *Client) reconnect() {
	c.setState(StateReconnecting)

	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		delay := c.backoffDelay(attempt)
		select {
		case <-c.closeChan:
			c.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.dial(ctx)
		cancel()

		if err != nil {
			// 认证被拒绝时重试没有意义
			if errors.Is(err, ErrAuthRejected) {
				c.logger.Error("Reconnect aborted, auth rejected", "error", err)
				c.setState(StateError)
				return
			}
			c.logger.Warn("Reconnect attempt failed",
				"attempt", attempt+1, "maxAttempts", c.opts.MaxAttempts, "error", err)
			continue
		}

		c.setState(StateConnected)
		c.logger.Info("Reconnected", "attempt", attempt+1)
		c.rejoinRooms()
		go c.readLoop()
		return
	}

	c.logger.Error("Reconnect attempts exhausted", "maxAttempts", c.opts.MaxAttempts)
	c.setState(StateError)
}

// backoffDelay 第 attempt 次重试前的等待时长（attempt 从 0 开始）
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.opts.BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.opts.BackoffMax {
			return c.opts.BackoffMax
		}
	}
	if delay > c.opts.BackoffMax {
		return c.opts.BackoffMax
	}
	return delay
}

// rejoinRooms 重连后重放 join_room
func (c *Client) rejoinRooms() {
	c.mu.Lock()
	rooms := make([]int64, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	for _, id := range rooms {
		if err := c.sendEvent(proto.EventJoinRoom, &proto.JoinRoom{ConversationID: id}); err != nil {
			c.logger.Warn("Failed to rejoin room", "conversationId", id, "error", err)
		}
	}
}

// JoinRoom 加入会话房间，断线重连后会自动重放
func (c *Client) JoinRoom(conversationID int64) error {
	c.mu.Lock()
	c.rooms[conversationID] = struct{}{}
	c.mu.Unlock()

	return c.sendEvent(proto.EventJoinRoom, &proto.JoinRoom{ConversationID: conversationID})
}

// SendMessage 发送消息
func (c *Client) SendMessage(receiver int64, content string) error {
	return c.sendEvent(proto.EventSendMessage, &proto.SendMessage{
		Receiver: receiver,
		Content:  content,
	})
}

// Typing 上报输入状态
func (c *Client) Typing(conversationID int64, isTyping bool) error {
	return c.sendEvent(proto.EventTyping, &proto.Typing{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
}

// MarkDelivered 送达确认
func (c *Client) MarkDelivered(messageID int64) error {
	return c.sendEvent(proto.EventMarkDelivered, &proto.MarkDelivered{MessageID: messageID})
}

// MarkSeen 已读确认
func (c *Client) MarkSeen(messageID int64) error {
	return c.sendEvent(proto.EventMarkSeen, &proto.MarkSeen{MessageID: messageID})
}

func (c *Client) sendEvent(event string, data any) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	env, err := proto.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return ErrNotConnected
	}
	return proto.WriteFrame(c.stream, proto.FrameTypeEvent, body)
}

// Close 关闭客户端，不再重连
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)

		c.mu.Lock()
		session := c.session
		c.mu.Unlock()

		if session != nil {
			session.CloseWithError(0, "client closed")
		}
		c.setState(StateDisconnected)
	})
}
