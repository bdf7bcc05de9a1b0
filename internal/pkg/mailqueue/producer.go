package mailqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/notify"

	"github.com/redis/go-redis/v9"
)

// Producer 由 API 进程使用，把验证码邮件写入 outbox。
// 它实现 notify.Notifier，可直接替换进程内的异步投递。
type Producer struct {
	outbox *Outbox
	logger *slog.Logger
	now    func() time.Time
}

var _ notify.Notifier = (*Producer)(nil)

func NewProducer(rdb *redis.Client, logger *slog.Logger, streamName string) *Producer {
	return &Producer{
		outbox: NewOutbox(rdb, logger, streamName),
		logger: logger,
		now:    time.Now,
	}
}

// Notify 写入 outbox 即返回，由 mailer 进程负责实际发送。
func (p *Producer) Notify(ctx context.Context, msg notify.Message) error {
	if err := p.outbox.Publish(ctx, FromNotification(msg, p.now())); err != nil {
		p.logger.Error("publish mail failed",
			slog.String("purpose", string(msg.Purpose)),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// QueueLength 返回 outbox 长度。
func (p *Producer) QueueLength(ctx context.Context) (int64, error) {
	return p.outbox.Len(ctx)
}
