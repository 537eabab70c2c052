package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"sudooom.dm/pkg/proto"
)

// RoomBroadcaster 房间事件广播器
// 事件经由 NATS 分发到所有传输节点，各节点把事件投递给
// 本地加入了该会话房间的连接，多实例因此共享同一套房间
type RoomBroadcaster struct {
	client *Client
	logger *slog.Logger
}

// NewRoomBroadcaster 创建房间广播器
func NewRoomBroadcaster(client *Client) *RoomBroadcaster {
	return &RoomBroadcaster{
		client: client,
		logger: slog.Default(),
	}
}

// Broadcast 向会话房间广播事件
func (b *RoomBroadcaster) Broadcast(ctx context.Context, conversationID int64, event *proto.Envelope) error {
	return b.publish(&proto.RoomEvent{
		ConversationID: conversationID,
		Envelope:       event,
	})
}

// BroadcastExcept 向会话房间广播事件，排除指定用户的连接
// typing 转发、user_online 通知等不回显给发起方的场景使用
func (b *RoomBroadcaster) BroadcastExcept(ctx context.Context, conversationID, excludeUserID int64, event *proto.Envelope) error {
	return b.publish(&proto.RoomEvent{
		ConversationID: conversationID,
		ExcludeUserID:  excludeUserID,
		Envelope:       event,
	})
}

func (b *RoomBroadcaster) publish(re *proto.RoomEvent) error {
	data, err := json.Marshal(re)
	if err != nil {
		b.logger.Error("Failed to marshal room event", "error", err)
		return err
	}

	if err := b.client.Publish(SubjectRoomBroadcast, data); err != nil {
		b.logger.Error("Failed to publish room event",
			"conversationId", re.ConversationID,
			"event", re.Envelope.Event,
			"error", err)
		return err
	}

	b.logger.Debug("Room event published",
		"conversationId", re.ConversationID,
		"event", re.Envelope.Event)
	return nil
}

// SubscribeRoomEvents 订阅房间广播，传输节点启动时调用
func SubscribeRoomEvents(client *Client, handler func(*proto.RoomEvent)) (*nats.Subscription, error) {
	return client.Subscribe(SubjectRoomBroadcast, func(data []byte) {
		var re proto.RoomEvent
		if err := json.Unmarshal(data, &re); err != nil {
			slog.Error("Failed to unmarshal room event", "error", err)
			return
		}
		handler(&re)
	})
}
