package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sudooom.dm/internal/model"
	"sudooom.dm/internal/repository"
	apperrors "sudooom.dm/pkg/errors"
	"sudooom.dm/pkg/snowflake"
)

// ConversationStore 会话存储接口
type ConversationStore interface {
	FindByPair(ctx context.Context, low, high int64) (*model.Conversation, error)
	Insert(ctx context.Context, conv *model.Conversation) (bool, error)
	FindByID(ctx context.Context, id int64) (*model.Conversation, error)
	ListByUser(ctx context.Context, userID int64) ([]model.Conversation, error)
}

// ConversationService 会话解析服务
// 即时发送路径和队列消费者会并发解析同一对用户，
// 唯一性由存储层的 (user_low, user_high) 约束兜底
type ConversationService struct {
	store  ConversationStore
	sf     *snowflake.Node
	logger *slog.Logger
}

// NewConversationService 创建会话服务
func NewConversationService(store ConversationStore, sf *snowflake.Node) *ConversationService {
	return &ConversationService{
		store:  store,
		sf:     sf,
		logger: slog.Default(),
	}
}

// Resolve 查找或创建两个用户之间的唯一会话，参数顺序无关
func (s *ConversationService) Resolve(ctx context.Context, a, b int64) (*model.Conversation, error) {
	if a <= 0 || b <= 0 {
		return nil, apperrors.ErrInvalidParams
	}
	if a == b {
		return nil, apperrors.ErrSelfConversation
	}

	low, high := model.NormalizePair(a, b)

	conv, err := s.store.FindByPair(ctx, low, high)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, repository.ErrConversationNotFound) {
		return nil, err
	}

	conv = &model.Conversation{
		ID:        s.sf.Generate().Int64(),
		UserLow:   low,
		UserHigh:  high,
		CreatedAt: time.Now(),
	}

	inserted, err := s.store.Insert(ctx, conv)
	if err != nil {
		return nil, err
	}
	if inserted {
		s.logger.Debug("Conversation created",
			"conversationId", conv.ID, "userLow", low, "userHigh", high)
		return conv, nil
	}

	// 并发调用方抢先创建，重新查询拿到已落库的那一行
	return s.store.FindByPair(ctx, low, high)
}

// Get 按 ID 获取会话
func (s *ConversationService) Get(ctx context.Context, id int64) (*model.Conversation, error) {
	return s.store.FindByID(ctx, id)
}

// RequireParticipant 获取会话并校验用户是其成员
func (s *ConversationService) RequireParticipant(ctx context.Context, conversationID, userID int64) (*model.Conversation, error) {
	conv, err := s.store.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, apperrors.ErrNotParticipant
	}
	return conv, nil
}

// ListForUser 列出用户参与的会话
func (s *ConversationService) ListForUser(ctx context.Context, userID int64) ([]model.Conversation, error) {
	return s.store.ListByUser(ctx, userID)
}
