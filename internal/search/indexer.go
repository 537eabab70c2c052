package search

import (
	"context"
	"encoding/json"
	"log/slog"

	"sudooom.dm/internal/model"
	imnats "sudooom.dm/internal/nats"
)

// Indexer 搜索索引更新接口
// 写路径在持久化成功后异步调用，失败只记日志，绝不阻塞或失败发送
type Indexer interface {
	IndexMessage(ctx context.Context, msg *model.Message) error
}

// IndexDocument 发往索引方的文档
type IndexDocument struct {
	MessageID      int64  `json:"messageId,string"`
	ConversationID int64  `json:"conversationId,string"`
	Sender         int64  `json:"sender,string"`
	Receiver       int64  `json:"receiver,string"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"`
}

// NATSIndexer 把索引文档发布到总线，由外部索引服务订阅消费
// 发布失败由调用方吞掉，索引不在发送的关键路径上
type NATSIndexer struct {
	client *imnats.Client
	logger *slog.Logger
}

// NewNATSIndexer 创建索引发布器
func NewNATSIndexer(client *imnats.Client) *NATSIndexer {
	return &NATSIndexer{
		client: client,
		logger: slog.Default(),
	}
}

// IndexMessage 发布索引更新
func (i *NATSIndexer) IndexMessage(ctx context.Context, msg *model.Message) error {
	doc := IndexDocument{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Sender:         msg.Sender,
		Receiver:       msg.Receiver,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt.UnixMilli(),
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	return i.client.Publish(imnats.SubjectSearchIndex, data)
}

// NoopIndexer 空实现，索引未配置时使用
type NoopIndexer struct{}

// IndexMessage 什么也不做
func (NoopIndexer) IndexMessage(ctx context.Context, msg *model.Message) error {
	return nil
}
