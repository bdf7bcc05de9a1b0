package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/config"

	"gopkg.in/gomail.v2"
)

// ErrNotConfigured SMTP 配置缺失。
var ErrNotConfigured = errors.New("email config missing")

type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier 通过 SMTP 发送验证码邮件。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	dialer sender
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
		dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass),
	}
}

// Configured 判断 SMTP 配置是否完整。
func (n *EmailNotifier) Configured() bool {
	return n.cfg.SMTPHost != "" && n.cfg.SMTPUser != "" && n.cfg.FromEmail != ""
}

// Notify 发送验证码邮件。
func (n *EmailNotifier) Notify(ctx context.Context, msg Message) error {
	if !n.Configured() {
		return ErrNotConfigured
	}
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("empty recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := n.build(msg)
	if err := n.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("verification email sent",
		slog.String("to", msg.To),
		slog.String("purpose", string(msg.Purpose)))
	return nil
}

func (n *EmailNotifier) build(msg Message) *gomail.Message {
	subject, headline := describe(msg.Purpose)

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", "[ChronoZ] "+subject)

	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Georgia, serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>%s</h2>
    <p>Hallo %s, dein Code lautet:</p>
    <div style="font-size: 28px; font-weight: bold; letter-spacing: 3px;">%s</div>
    <p>Der Code ist %s gültig.</p>
  </div>
</body>
</html>`, headline, msg.Username, msg.Code, validity(msg.ExpiresAt))
	m.SetBody("text/html", body)
	return m
}

func describe(p Purpose) (subject, headline string) {
	switch p {
	case PurposeTwoFactor:
		return "Anmeldecode", "ChronoZ Zwei-Faktor-Anmeldung"
	case PurposePasswordReset:
		return "Passwort zurücksetzen", "ChronoZ Passwort zurücksetzen"
	default:
		return "E-Mail bestätigen", "ChronoZ E-Mail-Bestätigung"
	}
}

func validity(expiresAt time.Time) string {
	left := time.Until(expiresAt).Round(time.Minute)
	switch {
	case left >= time.Hour:
		return fmt.Sprintf("%d Stunden", int(left.Hours()))
	case left > 0:
		return fmt.Sprintf("%d Minuten", int(left.Minutes()))
	default:
		return "kurze Zeit"
	}
}
