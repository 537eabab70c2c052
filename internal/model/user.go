package model

import "time"

// UserStatus 用户状态
const (
	UserStatusNormal   = 0 // 正常
	UserStatusDisabled = 1 // 已禁用
)

// User 用户实体
type User struct {
	ID           int64     `json:"id,string" db:"id"`
	Username     string    `json:"username" db:"username"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Status       int       `json:"status" db:"status"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}
