package model

import "time"

// Conversation 两人会话
// 参与者按 (UserLow, UserHigh) 归一化存储，UserLow < UserHigh，
// 数据库对该组合加唯一约束，保证任意无序对最多一个会话
type Conversation struct {
	ID        int64     `json:"id,string" db:"id"`
	UserLow   int64     `json:"userLow,string" db:"user_low"`
	UserHigh  int64     `json:"userHigh,string" db:"user_high"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// NormalizePair 归一化参与者对，返回 (low, high)
func NormalizePair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// HasParticipant 判断用户是否为会话成员
func (c *Conversation) HasParticipant(userID int64) bool {
	return c.UserLow == userID || c.UserHigh == userID
}

// Peer 返回会话中另一方的用户ID
func (c *Conversation) Peer(userID int64) int64 {
	if c.UserLow == userID {
		return c.UserHigh
	}
	return c.UserLow
}
