package notify

import (
	"context"
	"log/slog"
)

// LogNotifier 把验证码写进日志，用于未配置 SMTP 的开发环境。
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.logger.Info("mail simulated",
		slog.String("purpose", string(msg.Purpose)),
		slog.String("to", msg.To),
		slog.String("code", msg.Code),
		slog.Time("expires_at", msg.ExpiresAt))
	return nil
}
