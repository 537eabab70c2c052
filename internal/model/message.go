package model

import "time"

// Message 消息实体
// 载荷字段不可变，送达/已读状态字段只由状态机单向推进
type Message struct {
	ID             int64      `json:"id,string" db:"id"`
	ConversationID int64      `json:"conversationId,string" db:"conversation_id"`
	Sender         int64      `json:"sender,string" db:"sender_id"`
	Receiver       int64      `json:"receiver,string" db:"receiver_id"`
	Content        string     `json:"content" db:"content"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	Delivered      bool       `json:"delivered" db:"delivered"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty" db:"delivered_at"`
	Seen           bool       `json:"seen" db:"seen"`
	SeenAt         *time.Time `json:"seenAt,omitempty" db:"seen_at"`
}
