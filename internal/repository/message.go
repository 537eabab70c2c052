package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.dm/internal/model"
	apperrors "sudooom.dm/pkg/errors"
)

// ErrMessageNotFound 复用响应层的业务错误，错误码原样透传到 web 边界
var ErrMessageNotFound = apperrors.ErrMessageNotFound

const messageColumns = `id, conversation_id, sender_id, receiver_id, content, created_at, delivered, delivered_at, seen, seen_at`

// MessageRepository 消息数据访问
type MessageRepository struct {
	db *pgxpool.Pool
}

// NewMessageRepository 创建消息仓库
func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

// Insert 创建消息
func (r *MessageRepository) Insert(ctx context.Context, msg *model.Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Sender,
		msg.Receiver,
		msg.Content,
		msg.CreatedAt,
	)
	return err
}

// FindByID 按 ID 查找消息
func (r *MessageRepository) FindByID(ctx context.Context, id int64) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

// MarkDelivered 标记送达，幂等：重复确认不改写首次时间戳
func (r *MessageRepository) MarkDelivered(ctx context.Context, id int64, at time.Time) (*model.Message, error) {
	query := `
		UPDATE messages
		SET delivered = TRUE, delivered_at = COALESCE(delivered_at, $2)
		WHERE id = $1
		RETURNING ` + messageColumns
	return r.scanOne(r.db.QueryRow(ctx, query, id, at))
}

// MarkSeen 标记已读
// seen 蕴含 delivered：对未送达消息直接标记已读时一并补齐送达状态
func (r *MessageRepository) MarkSeen(ctx context.Context, id int64, at time.Time) (*model.Message, error) {
	query := `
		UPDATE messages
		SET seen = TRUE, seen_at = COALESCE(seen_at, $2),
		    delivered = TRUE, delivered_at = COALESCE(delivered_at, $2)
		WHERE id = $1
		RETURNING ` + messageColumns
	return r.scanOne(r.db.QueryRow(ctx, query, id, at))
}

// History 按创建时间正序取一页消息
func (r *MessageRepository) History(ctx context.Context, conversationID int64, limit, offset int) ([]model.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Sender, &m.Receiver, &m.Content,
			&m.CreatedAt, &m.Delivered, &m.DeliveredAt, &m.Seen, &m.SeenAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// CountByConversation 会话消息总数
func (r *MessageRepository) CountByConversation(ctx context.Context, conversationID int64) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID,
	).Scan(&count)
	return count, err
}

// ExistsDuplicate 重复投递守卫
// 队列重投时按完整载荷匹配，命中说明此前的消费已落库
func (r *MessageRepository) ExistsDuplicate(ctx context.Context, conversationID, sender, receiver int64, content string, createdAt time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM messages
			WHERE conversation_id = $1 AND sender_id = $2 AND receiver_id = $3
			  AND content = $4 AND created_at = $5
		)
	`, conversationID, sender, receiver, content, createdAt).Scan(&exists)
	return exists, err
}

func (r *MessageRepository) scanOne(row pgx.Row) (*model.Message, error) {
	msg := &model.Message{}
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Sender,
		&msg.Receiver,
		&msg.Content,
		&msg.CreatedAt,
		&msg.Delivered,
		&msg.DeliveredAt,
		&msg.Seen,
		&msg.SeenAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}
