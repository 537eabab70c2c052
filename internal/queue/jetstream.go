package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
)

const (
	// StreamName 定时发送流
	StreamName = "DM_SEND"

	// SubjectSendQueue 发送队列 Subject
	SubjectSendQueue = "dm.send.queue"

	// DurableConsumer 持久化消费者名称
	DurableConsumer = "dm-send-consumer"

	// QueueGroup 消费者队列组，多实例负载均衡
	QueueGroup = "dm-send-workers"
)

// SendJob 队列载荷：只携带定时消息 ID，消费端回查数据库
type SendJob struct {
	AutoMessageID int64 `json:"autoMessageId,string"`
}

// SendJobHandler 消费处理函数
// 返回 nil 时 ack；返回错误时不 ack，由 JetStream 重投
type SendJobHandler func(ctx context.Context, job SendJob) error

// JetStreamQueue 基于 NATS JetStream 的持久化队列
// 文件存储 + 显式 ack，语义为至少一次：消费者在 ack 前崩溃会触发重投，
// 消费端必须幂等
type JetStreamQueue struct {
	js     nats.JetStreamContext
	logger *slog.Logger
	sub    *nats.Subscription
}

// NewJetStreamQueue 创建队列，不存在时建流
func NewJetStreamQueue(nc *nats.Conn) (*JetStreamQueue, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	_, err = js.StreamInfo(StreamName)
	if err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      StreamName,
			Subjects:  []string{SubjectSendQueue},
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
		})
		if err != nil {
			return nil, err
		}
	}

	return &JetStreamQueue{
		js:     js,
		logger: slog.Default(),
	}, nil
}

// Publish 发布一个发送任务，同步等待 broker 落盘确认
func (q *JetStreamQueue) Publish(ctx context.Context, job SendJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	if _, err := q.js.Publish(SubjectSendQueue, data, nats.Context(ctx)); err != nil {
		q.logger.Error("Failed to publish send job",
			"autoMessageId", job.AutoMessageID, "error", err)
		return err
	}

	q.logger.Debug("Send job published", "autoMessageId", job.AutoMessageID)
	return nil
}

// Consume 启动持久化消费者
func (q *JetStreamQueue) Consume(ctx context.Context, handler SendJobHandler) error {
	sub, err := q.js.QueueSubscribe(SubjectSendQueue, QueueGroup, func(msg *nats.Msg) {
		var job SendJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			// 无法解析的消息不可能靠重投修复，ack 掉
			q.logger.Error("Failed to unmarshal send job, discarding", "error", err)
			_ = msg.Ack()
			return
		}

		if err := handler(ctx, job); err != nil {
			// 不 ack，等待重投
			q.logger.Error("Send job failed, will be redelivered",
				"autoMessageId", job.AutoMessageID, "error", err)
			return
		}

		if err := msg.Ack(); err != nil {
			q.logger.Error("Failed to ack send job",
				"autoMessageId", job.AutoMessageID, "error", err)
		}
	}, nats.Durable(DurableConsumer), nats.ManualAck(), nats.AckExplicit())

	if err != nil {
		return err
	}

	q.sub = sub
	q.logger.Info("Send queue consumer started",
		"stream", StreamName, "subject", SubjectSendQueue)
	return nil
}

// Stop 停止消费
func (q *JetStreamQueue) Stop() error {
	if q.sub != nil {
		return q.sub.Drain()
	}
	return nil
}
