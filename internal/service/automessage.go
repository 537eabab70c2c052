package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sudooom.dm/internal/model"
	"sudooom.dm/internal/queue"
	"sudooom.dm/internal/repository"
	apperrors "sudooom.dm/pkg/errors"
	"sudooom.dm/pkg/proto"
	"sudooom.dm/pkg/snowflake"
)

// AutoMessageStore 定时消息存储接口
type AutoMessageStore interface {
	Insert(ctx context.Context, am *model.AutoMessage) error
	FindByID(ctx context.Context, id int64) (*model.AutoMessage, error)
	FindDueUnqueued(ctx context.Context, now time.Time) ([]model.AutoMessage, error)
	ClaimNext(ctx context.Context, now time.Time) (*model.AutoMessage, error)
	MarkQueued(ctx context.Context, id int64) error
	ReleaseClaim(ctx context.Context, id int64) error
	MarkSent(ctx context.Context, id int64) error
}

// AutoMessageService 定时消息服务：调度请求落库 + 队列消费
type AutoMessageService struct {
	store         AutoMessageStore
	messages      MessageStore
	conversations *ConversationService
	broadcaster   Broadcaster
	sf            *snowflake.Node
	logger        *slog.Logger
}

// NewAutoMessageService 创建定时消息服务
func NewAutoMessageService(
	store AutoMessageStore,
	messages MessageStore,
	conversations *ConversationService,
	broadcaster Broadcaster,
	sf *snowflake.Node,
) *AutoMessageService {
	return &AutoMessageService{
		store:         store,
		messages:      messages,
		conversations: conversations,
		broadcaster:   broadcaster,
		sf:            sf,
		logger:        slog.Default(),
	}
}

// Schedule 创建一条定时消息，入队由扫描器负责
func (s *AutoMessageService) Schedule(ctx context.Context, from, to int64, content string, sendDate time.Time) (*model.AutoMessage, error) {
	if from <= 0 || to <= 0 || from == to || content == "" || len(content) > MaxContentLength || sendDate.IsZero() {
		return nil, apperrors.ErrInvalidParams
	}

	am := &model.AutoMessage{
		ID:       s.sf.Generate().Int64(),
		From:     from,
		To:       to,
		Content:  content,
		SendDate: sendDate,
	}

	if err := s.store.Insert(ctx, am); err != nil {
		return nil, err
	}

	s.logger.Info("Auto message scheduled",
		"autoMessageId", am.ID, "from", from, "to", to, "sendDate", sendDate)
	return am, nil
}

// HandleSendJob 队列消费入口
// 返回 nil 会 ack；返回错误不 ack，broker 重投。队列语义是至少一次，
// 这里必须幂等：is_sent 终态直接丢弃，载荷级别的重复守卫兜住
// 「落库成功但 ack 前崩溃」的窗口
func (s *AutoMessageService) HandleSendJob(ctx context.Context, job queue.SendJob) error {
	am, err := s.store.FindByID(ctx, job.AutoMessageID)
	if err != nil {
		if errors.Is(err, repository.ErrAutoMessageNotFound) {
			// 记录不存在，重投无意义，ack 丢弃
			s.logger.Warn("Auto message not found, discarding job",
				"autoMessageId", job.AutoMessageID)
			return nil
		}
		return err
	}

	if am.IsSent {
		return nil
	}

	conv, err := s.conversations.Resolve(ctx, am.From, am.To)
	if err != nil {
		return err
	}

	exists, err := s.messages.ExistsDuplicate(ctx, conv.ID, am.From, am.To, am.Content, am.SendDate)
	if err != nil {
		return err
	}

	if exists {
		// 上一次消费已落库但没来得及标记，补标记即可
		return s.store.MarkSent(ctx, am.ID)
	}

	msg := &model.Message{
		ID:             s.sf.Generate().Int64(),
		ConversationID: conv.ID,
		Sender:         am.From,
		Receiver:       am.To,
		Content:        am.Content,
		// 创建时间钉在原定发送时间，不用消费时刻的墙钟
		CreatedAt: am.SendDate,
	}

	if err := s.messages.Insert(ctx, msg); err != nil {
		return err
	}

	if err := s.store.MarkSent(ctx, am.ID); err != nil {
		return err
	}

	event, err := proto.NewEnvelope(proto.EventMessageReceived, &proto.MessageReceived{
		ID:           msg.ID,
		Sender:       msg.Sender,
		Receiver:     msg.Receiver,
		Content:      msg.Content,
		Conversation: msg.ConversationID,
		CreatedAt:    msg.CreatedAt.UnixMilli(),
	})
	if err == nil {
		if berr := s.broadcaster.Broadcast(ctx, msg.ConversationID, event); berr != nil {
			s.logger.Warn("Failed to broadcast scheduled message",
				"messageId", msg.ID, "error", berr)
		}
	}

	s.logger.Info("Auto message delivered",
		"autoMessageId", am.ID, "messageId", msg.ID, "conversationId", conv.ID)
	return nil
}
