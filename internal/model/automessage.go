package model

import "time"

// AutoMessage 定时消息记录
// 三个状态标志协同推进：IsQueued 表示已交给队列，Processing 是扫描器
// 之间的互斥标志，IsSent 表示消费者已落库为正式消息（终态）。
// 记录永不删除，作为调度意图的审计凭据
type AutoMessage struct {
	ID         int64     `json:"id,string" db:"id"`
	From       int64     `json:"from,string" db:"from_user_id"`
	To         int64     `json:"to,string" db:"to_user_id"`
	Content    string    `json:"content" db:"content"`
	SendDate   time.Time `json:"sendDate" db:"send_date"`
	IsQueued   bool      `json:"isQueued" db:"is_queued"`
	Processing bool      `json:"processing" db:"processing"`
	IsSent     bool      `json:"isSent" db:"is_sent"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}
