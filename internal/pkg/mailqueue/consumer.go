package mailqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// Consumer 由 mailer 进程使用，从消费者组读取待发邮件。
type Consumer struct {
	outbox           *Outbox
	logger           *slog.Logger
	groupName        string
	consumerID       string
	blockTime        time.Duration
	batchSize        int64
	pendingIdle      time.Duration
	pendingStart     string
	deadLetterStream string
	maxRetry         int
	now              func() time.Time
}

// FailureAction 表示失败消息的去向。
type FailureAction string

const (
	FailureActionNone  FailureAction = "none"
	FailureActionRetry FailureAction = "retry"
	FailureActionDLQ   FailureAction = "dlq"
)

type ConsumerOption func(*Consumer)

// WithBlockTime 设置 XREADGROUP 的阻塞时间。
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.blockTime = d
	}
}

func WithBatchSize(size int64) ConsumerOption {
	return func(c *Consumer) {
		c.batchSize = size
	}
}

// WithPendingIdle 设置认领其他消费者遗留消息前的最小空闲时间。
func WithPendingIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.pendingIdle = d
	}
}

func WithDeadLetterStream(stream string) ConsumerOption {
	return func(c *Consumer) {
		c.deadLetterStream = stream
	}
}

func WithMaxRetry(maxRetry int) ConsumerOption {
	return func(c *Consumer) {
		c.maxRetry = maxRetry
	}
}

func WithConsumerClock(now func() time.Time) ConsumerOption {
	return func(c *Consumer) {
		c.now = now
	}
}

// NewConsumer 创建消费者，并确保消费者组存在。
func NewConsumer(ctx context.Context, rdb *redis.Client, logger *slog.Logger, streamName, groupName, consumerID string, opts ...ConsumerOption) (*Consumer, error) {
	if groupName == "" {
		return nil, fmt.Errorf("group name is required")
	}
	if consumerID == "" {
		consumerID = fmt.Sprintf("mailer-%d", time.Now().UnixNano())
	}

	outbox := NewOutbox(rdb, logger, streamName)
	c := &Consumer{
		outbox:           outbox,
		logger:           logger,
		groupName:        groupName,
		consumerID:       consumerID,
		blockTime:        time.Second,
		batchSize:        10,
		pendingIdle:      time.Minute,
		pendingStart:     "0-0",
		deadLetterStream: outbox.Stream() + ":dlq",
		maxRetry:         3,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := outbox.CreateConsumerGroup(ctx, groupName); err != nil {
		return nil, err
	}
	c.logger.Info("mail consumer created",
		slog.String("group", groupName),
		slog.String("consumer_id", consumerID))
	return c, nil
}

// GroupName 返回消费者组名称。
func (c *Consumer) GroupName() string {
	return c.groupName
}

// Delivery 是一条已读取但未确认的消息。
type Delivery struct {
	ID      string
	Message *MailMessage
}

// Read 优先认领超时未确认的消息，没有时再读取新消息。
func (c *Consumer) Read(ctx context.Context) ([]*Delivery, error) {
	pending, err := c.readPending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}
	return c.readNew(ctx)
}

func (c *Consumer) readPending(ctx context.Context) ([]*Delivery, error) {
	messages, nextStart, err := c.outbox.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.outbox.streamName,
		Group:    c.groupName,
		Consumer: c.consumerID,
		MinIdle:  c.pendingIdle,
		Start:    c.pendingStart,
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim failed: %w", err)
	}
	if nextStart != "" {
		c.pendingStart = nextStart
	}
	if len(messages) > 0 {
		metrics.MailAutoClaimTotal.Add(float64(len(messages)))
	}
	return c.parseMessages(ctx, messages), nil
}

func (c *Consumer) readNew(ctx context.Context) ([]*Delivery, error) {
	streams, err := c.outbox.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.groupName,
		Consumer: c.consumerID,
		Streams:  []string{c.outbox.streamName, ">"},
		Count:    c.batchSize,
		Block:    c.blockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return c.parseMessages(ctx, messages), nil
}

func (c *Consumer) parseMessages(ctx context.Context, messages []redis.XMessage) []*Delivery {
	if len(messages) == 0 {
		return nil
	}
	parsed := make([]*Delivery, 0, len(messages))
	for _, msg := range messages {
		data, ok := msg.Values["data"].(string)
		if !ok || data == "" {
			c.logger.Warn("invalid message format", slog.String("msg_id", msg.ID))
			c.handlePoisonMessage(ctx, msg.ID, fmt.Sprintf("%v", msg.Values["data"]), "invalid message format")
			continue
		}
		mail, err := parseMessage(data)
		if err != nil {
			c.logger.Error("parse message failed",
				slog.String("msg_id", msg.ID),
				slog.String("error", err.Error()))
			c.handlePoisonMessage(ctx, msg.ID, data, err.Error())
			continue
		}
		parsed = append(parsed, &Delivery{ID: msg.ID, Message: mail})
	}
	return parsed
}

// Ack 确认消息已处理。
func (c *Consumer) Ack(ctx context.Context, msgID string) error {
	acked, err := c.outbox.rdb.XAck(ctx, c.outbox.streamName, c.groupName, msgID).Result()
	if err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}
	if acked == 0 {
		c.logger.Warn("message not acked (may already be acked)", slog.String("msg_id", msgID))
	}
	return nil
}

// HandleFailure 未超过重试上限时重新入队，否则转入死信 Stream。
func (c *Consumer) HandleFailure(ctx context.Context, d *Delivery, cause error) (FailureAction, error) {
	if d == nil || d.Message == nil {
		return FailureActionNone, fmt.Errorf("message is nil")
	}

	d.Message.Retry++
	if d.Message.Retry > c.maxRetry {
		if err := c.publishDeadLetter(ctx, d.ID, d.Message, cause); err != nil {
			return FailureActionDLQ, err
		}
		metrics.MailDLQTotal.Inc()
		return FailureActionDLQ, c.Ack(ctx, d.ID)
	}

	if err := c.outbox.Publish(ctx, d.Message); err != nil {
		return FailureActionRetry, err
	}
	return FailureActionRetry, c.Ack(ctx, d.ID)
}

// Handler 发送一封邮件。
type Handler func(ctx context.Context, msg *MailMessage) error

// Run 循环读取并处理消息直到 ctx 取消。验证码已过期的邮件直接确认丢弃。
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		deliveries, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("read outbox failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, d := range deliveries {
			c.process(ctx, d, handle)
		}
	}
}

func (c *Consumer) process(ctx context.Context, d *Delivery, handle Handler) {
	purpose := string(d.Message.Purpose)
	if d.Message.Stale(c.now()) {
		metrics.MailDispatchTotal.WithLabelValues(purpose, "expired").Inc()
		c.logger.Info("dropping mail with expired code", slog.String("msg_id", d.ID))
		if err := c.Ack(ctx, d.ID); err != nil {
			c.logger.Error("ack failed", slog.String("msg_id", d.ID), slog.String("error", err.Error()))
		}
		return
	}

	if err := handle(ctx, d.Message); err != nil {
		metrics.MailDispatchTotal.WithLabelValues(purpose, "failed").Inc()
		action, ferr := c.HandleFailure(ctx, d, err)
		attrs := []any{
			slog.String("msg_id", d.ID),
			slog.String("action", string(action)),
			slog.Int("retry", d.Message.Retry),
			slog.String("error", err.Error()),
		}
		if ferr != nil {
			attrs = append(attrs, slog.String("failure_error", ferr.Error()))
		}
		c.logger.Warn("send mail failed", attrs...)
		return
	}

	metrics.MailDispatchTotal.WithLabelValues(purpose, "sent").Inc()
	if err := c.Ack(ctx, d.ID); err != nil {
		c.logger.Error("ack failed", slog.String("msg_id", d.ID), slog.String("error", err.Error()))
	}
}

// handlePoisonMessage 把无法解析的消息移入死信队列。原始内容可能含验证码，
// 只保留消息 ID、原因与长度。
func (c *Consumer) handlePoisonMessage(ctx context.Context, msgID, payload, reason string) {
	err := c.outbox.publishRaw(ctx, c.deadLetterStream, map[string]interface{}{
		"original_id":   msgID,
		"reason":        reason,
		"payload_bytes": len(payload),
		"failed_at":     c.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		c.logger.Error("publish dead letter failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
	metrics.MailDLQTotal.Inc()
	if err := c.Ack(ctx, msgID); err != nil {
		c.logger.Error("ack poison message failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
}

// publishDeadLetter 写入死信，验证码会被清空。
func (c *Consumer) publishDeadLetter(ctx context.Context, msgID string, msg *MailMessage, cause error) error {
	redacted := *msg
	redacted.Code = ""
	data, err := json.Marshal(&redacted)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return c.outbox.publishRaw(ctx, c.deadLetterStream, map[string]interface{}{
		"original_id": msgID,
		"payload":     string(data),
		"reason":      cause.Error(),
		"failed_at":   c.now().UTC().Format(time.RFC3339Nano),
	})
}

// Pending 返回已读取未确认的消息数量。
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.outbox.rdb.XPending(ctx, c.outbox.streamName, c.groupName).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending failed: %w", err)
	}
	return info.Count, nil
}
