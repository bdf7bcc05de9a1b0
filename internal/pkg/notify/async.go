package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/metrics"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/queue"
)

const defaultSendTimeout = 30 * time.Second

// AsyncNotifier 把投递放进进程内 worker 池，调用方不等待 SMTP。
type AsyncNotifier struct {
	next    Notifier
	queue   *queue.Queue
	logger  *slog.Logger
	timeout time.Duration
}

func NewAsyncNotifier(next Notifier, q *queue.Queue, logger *slog.Logger) *AsyncNotifier {
	return &AsyncNotifier{
		next:    next,
		queue:   q,
		logger:  logger,
		timeout: defaultSendTimeout,
	}
}

// Notify 入队即返回；队列已满或已关闭时返回错误。
func (n *AsyncNotifier) Notify(_ context.Context, msg Message) error {
	return n.queue.Enqueue(func(ctx context.Context) error {
		// 请求上下文在响应后即被取消，这里使用 worker 的上下文
		sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()

		if err := n.next.Notify(sendCtx, msg); err != nil {
			metrics.MailDispatchTotal.WithLabelValues(string(msg.Purpose), "failed").Inc()
			return err
		}
		metrics.MailDispatchTotal.WithLabelValues(string(msg.Purpose), "sent").Inc()
		return nil
	})
}
