package notify

import (
	"context"
	"time"
)

// Purpose 标识邮件用途，与验证码类型一一对应。
type Purpose string

const (
	PurposeVerifyEmail   Purpose = "email_verify"
	PurposeTwoFactor     Purpose = "two_factor"
	PurposePasswordReset Purpose = "password_reset"
)

// Message 是一封待发送的验证码邮件。
type Message struct {
	Purpose   Purpose   `json:"purpose"`
	To        string    `json:"to"`
	Username  string    `json:"username"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Notifier 定义通知接口。
type Notifier interface {
	// Notify 投递一封验证码邮件。
	Notify(ctx context.Context, msg Message) error
}
