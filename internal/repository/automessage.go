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

// ErrAutoMessageNotFound 复用响应层的业务错误，错误码原样透传到 web 边界
var ErrAutoMessageNotFound = apperrors.ErrAutoMessageNotFound

// ClaimTimeout 认领超时：扫描实例在认领后崩溃，超过该时长的
// processing 记录会被其他实例重新认领
const ClaimTimeout = 5 * time.Minute

const autoMessageColumns = `id, from_user_id, to_user_id, content, send_date, is_queued, processing, is_sent, created_at`

// AutoMessageRepository 定时消息数据访问
type AutoMessageRepository struct {
	db *pgxpool.Pool
}

// NewAutoMessageRepository 创建定时消息仓库
func NewAutoMessageRepository(db *pgxpool.Pool) *AutoMessageRepository {
	return &AutoMessageRepository{db: db}
}

// Insert 创建定时消息
func (r *AutoMessageRepository) Insert(ctx context.Context, am *model.AutoMessage) error {
	query := `
		INSERT INTO auto_messages (id, from_user_id, to_user_id, content, send_date)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		am.ID,
		am.From,
		am.To,
		am.Content,
		am.SendDate,
	).Scan(&am.CreatedAt)
}

// FindByID 按 ID 查找定时消息
func (r *AutoMessageRepository) FindByID(ctx context.Context, id int64) (*model.AutoMessage, error) {
	query := `SELECT ` + autoMessageColumns + ` FROM auto_messages WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

// FindDueUnqueued 取全部到期且未入队的记录（batch 扫描策略）
// 跳过 processing 行，避免重复入队 claim 扫描实例正在处理的记录
func (r *AutoMessageRepository) FindDueUnqueued(ctx context.Context, now time.Time) ([]model.AutoMessage, error) {
	query := `
		SELECT ` + autoMessageColumns + `
		FROM auto_messages
		WHERE send_date <= $1 AND NOT is_queued AND NOT processing
		ORDER BY send_date ASC
	`
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.AutoMessage
	for rows.Next() {
		var am model.AutoMessage
		if err := rows.Scan(
			&am.ID, &am.From, &am.To, &am.Content, &am.SendDate,
			&am.IsQueued, &am.Processing, &am.IsSent, &am.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, am)
	}
	return records, rows.Err()
}

// ClaimNext 原子认领一条到期且未入队的记录（claim 扫描策略）
// processing 标志通过条件更新置位，SKIP LOCKED 保证两个并发扫描实例
// 不会认领同一行；认领超过 ClaimTimeout 的记录视为持有者已崩溃，
// 可被重新认领。没有可认领记录时返回 (nil, nil)
func (r *AutoMessageRepository) ClaimNext(ctx context.Context, now time.Time) (*model.AutoMessage, error) {
	query := `
		UPDATE auto_messages SET processing = TRUE, processing_since = $1
		WHERE id = (
			SELECT id FROM auto_messages
			WHERE send_date <= $1 AND NOT is_queued
			  AND (NOT processing OR processing_since <= $2)
			ORDER BY send_date ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + autoMessageColumns

	am, err := r.scanOne(r.db.QueryRow(ctx, query, now, now.Add(-ClaimTimeout)))
	if err != nil {
		if errors.Is(err, ErrAutoMessageNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return am, nil
}

// MarkQueued 入队完成：is_queued 置位并释放 processing
func (r *AutoMessageRepository) MarkQueued(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE auto_messages SET is_queued = TRUE, processing = FALSE, processing_since = NULL WHERE id = $1`, id)
	return err
}

// ReleaseClaim 入队失败时释放认领，下一轮扫描重试
func (r *AutoMessageRepository) ReleaseClaim(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE auto_messages SET processing = FALSE, processing_since = NULL WHERE id = $1`, id)
	return err
}

// MarkSent 消费完成，终态
func (r *AutoMessageRepository) MarkSent(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE auto_messages SET is_sent = TRUE WHERE id = $1`, id)
	return err
}

func (r *AutoMessageRepository) scanOne(row pgx.Row) (*model.AutoMessage, error) {
	am := &model.AutoMessage{}
	err := row.Scan(
		&am.ID,
		&am.From,
		&am.To,
		&am.Content,
		&am.SendDate,
		&am.IsQueued,
		&am.Processing,
		&am.IsSent,
		&am.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAutoMessageNotFound
		}
		return nil, err
	}
	return am, nil
}
