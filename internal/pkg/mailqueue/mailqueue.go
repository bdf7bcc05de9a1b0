// Package mailqueue 用 Redis Streams 实现跨进程的邮件 outbox。
//
// API 进程通过 Producer 写入，mailer 进程通过 Consumer 组消费；
// 超过重试上限或无法解析的消息转入 "<stream>:dlq"。
package mailqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream = "chronoz:mail:outbox"
	DefaultGroup  = "mailer_group"

	maxStreamLen = 100000
)

// Outbox 封装 outbox Stream 的基础操作。
type Outbox struct {
	rdb        *redis.Client
	logger     *slog.Logger
	streamName string
}

func NewOutbox(rdb *redis.Client, logger *slog.Logger, streamName string) *Outbox {
	if streamName == "" {
		streamName = DefaultStream
	}
	return &Outbox{
		rdb:        rdb,
		logger:     logger,
		streamName: streamName,
	}
}

// Stream 返回 Stream 名称。
func (o *Outbox) Stream() string {
	return o.streamName
}

// Publish 使用 XADD 追加一条消息。
func (o *Outbox) Publish(ctx context.Context, msg *MailMessage) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return o.publishRaw(ctx, o.streamName, map[string]interface{}{
		"data": string(data),
	})
}

func (o *Outbox) publishRaw(ctx context.Context, stream string, values map[string]interface{}) error {
	msgID, err := o.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}

	// 不记录 values，其中含验证码
	o.logger.Debug("mail message published",
		slog.String("stream", stream),
		slog.String("msg_id", msgID))
	return nil
}

// CreateConsumerGroup 创建消费者组，已存在时忽略。
func (o *Outbox) CreateConsumerGroup(ctx context.Context, groupName string) error {
	err := o.rdb.XGroupCreateMkStream(ctx, o.streamName, groupName, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	o.logger.Info("consumer group ready",
		slog.String("stream", o.streamName),
		slog.String("group", groupName))
	return nil
}

// Len 返回 Stream 中的消息数量。
func (o *Outbox) Len(ctx context.Context) (int64, error) {
	length, err := o.rdb.XLen(ctx, o.streamName).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return length, nil
}

func parseMessage(data string) (*MailMessage, error) {
	var msg MailMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.To == "" || msg.Code == "" {
		return nil, fmt.Errorf("message missing recipient or code")
	}
	return &msg, nil
}
