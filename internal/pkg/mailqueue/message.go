package mailqueue

import (
	"time"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/notify"
)

// MailMessage 是 outbox Stream 中的一条待发邮件。
type MailMessage struct {
	Purpose   notify.Purpose `json:"purpose"`
	To        string         `json:"to"`
	Username  string         `json:"username"`
	Code      string         `json:"code"`
	ExpiresAt time.Time      `json:"expires_at"`
	Timestamp time.Time      `json:"timestamp"` // 入队时间
	Retry     int            `json:"retry"`     // 已重试次数
}

// FromNotification 由通知消息构造 outbox 消息。
func FromNotification(msg notify.Message, now time.Time) *MailMessage {
	return &MailMessage{
		Purpose:   msg.Purpose,
		To:        msg.To,
		Username:  msg.Username,
		Code:      msg.Code,
		ExpiresAt: msg.ExpiresAt,
		Timestamp: now,
	}
}

// Notification 还原为通知消息。
func (m *MailMessage) Notification() notify.Message {
	return notify.Message{
		Purpose:   m.Purpose,
		To:        m.To,
		Username:  m.Username,
		Code:      m.Code,
		ExpiresAt: m.ExpiresAt,
	}
}

// Stale 验证码已过期的邮件没有投递价值。
func (m *MailMessage) Stale(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}
