package proto

import "encoding/json"

// ============== 事件名定义 ==============

const (
	// 客户端 -> 服务端
	EventJoinRoom      = "join_room"
	EventSendMessage   = "send_message"
	EventTyping        = "typing"
	EventMarkDelivered = "mark_delivered"
	EventMarkSeen      = "mark_seen"

	// 服务端 -> 房间
	EventMessageReceived  = "message_received"
	EventMessageDelivered = "message_delivered"
	EventMessageSeen      = "message_seen"
	EventUserOnline       = "user_online"
)

// Envelope 事件信封，所有事件帧的统一载体
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope 构建事件信封
func NewEnvelope(event string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: raw}, nil
}

// ============== 握手 ==============

// AuthRequest 认证请求，连接后的首帧
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthAck 认证响应
type AuthAck struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg,omitempty"`
	UserID int64  `json:"userId,string"`
}

// ============== 客户端 -> 服务端 ==============

// JoinRoom 加入会话房间
type JoinRoom struct {
	ConversationID int64 `json:"conversationId,string"`
}

// SendMessage 发送消息，发送者由连接身份决定
type SendMessage struct {
	Receiver int64  `json:"receiver,string"`
	Content  string `json:"content"`
}

// Typing 输入状态上报
type Typing struct {
	ConversationID int64 `json:"conversationId,string"`
	IsTyping       bool  `json:"isTyping"`
}

// MarkDelivered 送达确认
type MarkDelivered struct {
	MessageID int64 `json:"messageId,string"`
}

// MarkSeen 已读确认
type MarkSeen struct {
	MessageID int64 `json:"messageId,string"`
}

// ============== 服务端 -> 房间 ==============

// MessageReceived 新消息推送
type MessageReceived struct {
	ID           int64  `json:"_id,string"`
	Sender       int64  `json:"sender,string"`
	Receiver     int64  `json:"receiver,string"`
	Content      string `json:"content"`
	Conversation int64  `json:"conversation,string"`
	CreatedAt    int64  `json:"createdAt"` // 毫秒时间戳
}

// MessageDelivered 送达状态推送
type MessageDelivered struct {
	MessageID      int64 `json:"messageId,string"`
	ConversationID int64 `json:"conversationId,string"`
	DeliveredAt    int64 `json:"deliveredAt"`
}

// MessageSeen 已读状态推送
type MessageSeen struct {
	MessageID      int64 `json:"messageId,string"`
	ConversationID int64 `json:"conversationId,string"`
	SeenAt         int64 `json:"seenAt"`
}

// TypingRelay 输入状态转发
type TypingRelay struct {
	UserID   int64 `json:"userId,string"`
	IsTyping bool  `json:"isTyping"`
}

// UserOnline 用户进入房间通知
type UserOnline struct {
	UserID int64 `json:"userId,string"`
}

// ============== 房间广播总线 (Server <-> Server via NATS) ==============

// RoomEvent 房间广播消息，经由 NATS 在所有传输节点间分发
// ExcludeUserID 大于 0 时，该用户的连接不接收此事件（typing 转发等场景）
type RoomEvent struct {
	ConversationID int64     `json:"conversationId"`
	ExcludeUserID  int64     `json:"excludeUserId,omitempty"`
	Envelope       *Envelope `json:"envelope"`
}
