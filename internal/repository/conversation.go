package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.dm/internal/model"
	apperrors "sudooom.dm/pkg/errors"
)

// ErrConversationNotFound 复用响应层的业务错误，错误码原样透传到 web 边界
var ErrConversationNotFound = apperrors.ErrConversationNotFound

// ConversationRepository 会话数据访问
// conversations 表对 (user_low, user_high) 加唯一约束，
// 并发 find-or-create 依赖该约束收敛到唯一一行
type ConversationRepository struct {
	db *pgxpool.Pool
}

// NewConversationRepository 创建会话仓库
func NewConversationRepository(db *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// FindByPair 按归一化参与者对查找会话
func (r *ConversationRepository) FindByPair(ctx context.Context, low, high int64) (*model.Conversation, error) {
	query := `
		SELECT id, user_low, user_high, created_at
		FROM conversations WHERE user_low = $1 AND user_high = $2
	`
	return r.scanOne(r.db.QueryRow(ctx, query, low, high))
}

// Insert 插入会话，冲突时不报错
// 返回 false 表示另一并发调用方已抢先创建，调用方应重新查询
func (r *ConversationRepository) Insert(ctx context.Context, conv *model.Conversation) (bool, error) {
	query := `
		INSERT INTO conversations (id, user_low, user_high)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_low, user_high) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, conv.ID, conv.UserLow, conv.UserHigh)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FindByID 按 ID 查找会话
func (r *ConversationRepository) FindByID(ctx context.Context, id int64) (*model.Conversation, error) {
	query := `
		SELECT id, user_low, user_high, created_at
		FROM conversations WHERE id = $1
	`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

// ListByUser 列出用户参与的所有会话，最新的在前
func (r *ConversationRepository) ListByUser(ctx context.Context, userID int64) ([]model.Conversation, error) {
	query := `
		SELECT id, user_low, user_high, created_at
		FROM conversations
		WHERE user_low = $1 OR user_high = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []model.Conversation
	for rows.Next() {
		var c model.Conversation
		if err := rows.Scan(&c.ID, &c.UserLow, &c.UserHigh, &c.CreatedAt); err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

func (r *ConversationRepository) scanOne(row pgx.Row) (*model.Conversation, error) {
	conv := &model.Conversation{}
	err := row.Scan(&conv.ID, &conv.UserLow, &conv.UserHigh, &conv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return conv, nil
}
