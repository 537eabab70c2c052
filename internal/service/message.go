package service

import (
	"context"
	"log/slog"
	"time"

	"sudooom.dm/internal/model"
	"sudooom.dm/internal/search"
	apperrors "sudooom.dm/pkg/errors"
	"sudooom.dm/pkg/proto"
	"sudooom.dm/pkg/snowflake"
)

// MessageStore 消息存储接口
type MessageStore interface {
	Insert(ctx context.Context, msg *model.Message) error
	FindByID(ctx context.Context, id int64) (*model.Message, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) (*model.Message, error)
	MarkSeen(ctx context.Context, id int64, at time.Time) (*model.Message, error)
	History(ctx context.Context, conversationID int64, limit, offset int) ([]model.Message, error)
	CountByConversation(ctx context.Context, conversationID int64) (int64, error)
	ExistsDuplicate(ctx context.Context, conversationID, sender, receiver int64, content string, createdAt time.Time) (bool, error)
}

// Broadcaster 房间广播接口
type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID int64, event *proto.Envelope) error
	BroadcastExcept(ctx context.Context, conversationID, excludeUserID int64, event *proto.Envelope) error
}

const (
	// MaxContentLength 消息内容长度上限
	MaxContentLength = 1000

	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// HistoryPage 分页的历史消息，页内按时间正序
type HistoryPage struct {
	Messages    []model.Message `json:"messages"`
	Page        int             `json:"page"`
	Limit       int             `json:"limit"`
	TotalCount  int64           `json:"totalCount"`
	TotalPages  int             `json:"totalPages"`
	HasNextPage bool            `json:"hasNextPage"`
	HasPrevPage bool            `json:"hasPrevPage"`
}

// MessageService 消息服务
// 即时发送路径 + 送达/已读状态机。状态只单向推进：
// created -> delivered -> seen，重复确认是 no-op，永不回退
type MessageService struct {
	store         MessageStore
	conversations *ConversationService
	broadcaster   Broadcaster
	indexer       search.Indexer
	sf            *snowflake.Node
	logger        *slog.Logger
}

// NewMessageService 创建消息服务
func NewMessageService(
	store MessageStore,
	conversations *ConversationService,
	broadcaster Broadcaster,
	indexer search.Indexer,
	sf *snowflake.Node,
) *MessageService {
	return &MessageService{
		store:         store,
		conversations: conversations,
		broadcaster:   broadcaster,
		indexer:       indexer,
		sf:            sf,
		logger:        slog.Default(),
	}
}

// Send 即时发送：解析会话、落库、广播
// 广播一定发生在落库之后，保证客户端收到的消息必能通过历史接口取到
func (s *MessageService) Send(ctx context.Context, sender, receiver int64, content string) (*model.Message, error) {
	if receiver <= 0 || content == "" || len(content) > MaxContentLength {
		return nil, apperrors.ErrInvalidParams
	}

	conv, err := s.conversations.Resolve(ctx, sender, receiver)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:             s.sf.Generate().Int64(),
		ConversationID: conv.ID,
		Sender:         sender,
		Receiver:       receiver,
		Content:        content,
		CreatedAt:      time.Now(),
	}

	if err := s.store.Insert(ctx, msg); err != nil {
		return nil, err
	}

	s.indexAsync(msg)
	s.broadcastReceived(ctx, msg)

	return msg, nil
}

// MarkDelivered 送达确认，接收端渲染通知后调用
// 幂等：重复确认返回当前状态，不覆盖首次时间戳
func (s *MessageService) MarkDelivered(ctx context.Context, messageID int64) (*model.Message, error) {
	msg, err := s.store.MarkDelivered(ctx, messageID, time.Now())
	if err != nil {
		return nil, err
	}

	event, err := proto.NewEnvelope(proto.EventMessageDelivered, &proto.MessageDelivered{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		DeliveredAt:    msg.DeliveredAt.UnixMilli(),
	})
	if err == nil {
		if berr := s.broadcaster.Broadcast(ctx, msg.ConversationID, event); berr != nil {
			s.logger.Warn("Failed to broadcast message_delivered",
				"messageId", msg.ID, "error", berr)
		}
	}

	return msg, nil
}

// MarkSeen 已读确认，接收端打开会话后调用
// seen 蕴含 delivered：对未送达的消息一并补齐送达状态
func (s *MessageService) MarkSeen(ctx context.Context, messageID int64) (*model.Message, error) {
	msg, err := s.store.MarkSeen(ctx, messageID, time.Now())
	if err != nil {
		return nil, err
	}

	event, err := proto.NewEnvelope(proto.EventMessageSeen, &proto.MessageSeen{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SeenAt:         msg.SeenAt.UnixMilli(),
	})
	if err == nil {
		if berr := s.broadcaster.Broadcast(ctx, msg.ConversationID, event); berr != nil {
			s.logger.Warn("Failed to broadcast message_seen",
				"messageId", msg.ID, "error", berr)
		}
	}

	return msg, nil
}

// History 分页取历史消息，page 从 1 开始，页内按时间正序
func (s *MessageService) History(ctx context.Context, conversationID int64, page, limit int) (*HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	total, err := s.store.CountByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	messages, err := s.store.History(ctx, conversationID, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}

	totalPages := int((total + int64(limit) - 1) / int64(limit))

	return &HistoryPage{
		Messages:    messages,
		Page:        page,
		Limit:       limit,
		TotalCount:  total,
		TotalPages:  totalPages,
		HasNextPage: page < totalPages,
		HasPrevPage: page > 1 && totalPages > 0,
	}, nil
}

// broadcastReceived 推送 message_received，失败只记日志
func (s *MessageService) broadcastReceived(ctx context.Context, msg *model.Message) {
	event, err := proto.NewEnvelope(proto.EventMessageReceived, &proto.MessageReceived{
		ID:           msg.ID,
		Sender:       msg.Sender,
		Receiver:     msg.Receiver,
		Content:      msg.Content,
		Conversation: msg.ConversationID,
		CreatedAt:    msg.CreatedAt.UnixMilli(),
	})
	if err != nil {
		s.logger.Error("Failed to build message_received event", "error", err)
		return
	}

	if err := s.broadcaster.Broadcast(ctx, msg.ConversationID, event); err != nil {
		s.logger.Warn("Failed to broadcast message_received",
			"messageId", msg.ID, "error", err)
	}
}

// indexAsync 旁路索引更新：异步、尽力而为，错误吞掉只记日志
func (s *MessageService) indexAsync(msg *model.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.indexer.IndexMessage(ctx, msg); err != nil {
			s.logger.Warn("Failed to index message", "messageId", msg.ID, "error", err)
		}
	}()
}
