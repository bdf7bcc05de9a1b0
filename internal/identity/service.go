// Package identity 实现注册、邮箱验证、登录、两步验证与密码重置的状态机。
//
// 同一用户同一时刻只有一个待验证码（model.Challenge），验证码的校验与清除
// 通过存储层的条件更新一次完成，不会被并发请求重复消费。
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/model"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/metrics"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/notify"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/password"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/token"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/vcode"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/store"
)

// Store 是 Service 依赖的用户存储。
type Store interface {
	UserExists(ctx context.Context, username, email string) (bool, error)
	CreateUser(ctx context.Context, user *model.User) error
	FindUserByID(ctx context.Context, id uint) (*model.User, error)
	FindUserByEmail(ctx context.Context, email string) (*model.User, error)
	FindUserByLogin(ctx context.Context, identifier string) (*model.User, error)
	SetChallenge(ctx context.Context, userID uint, ch model.Challenge) error
	ConsumeChallenge(ctx context.Context, userID uint, kind model.ChallengeKind, code string, now time.Time, extra map[string]any) (bool, error)
	SetTwoFactor(ctx context.Context, userID uint, enabled bool) error
	DeleteUser(ctx context.Context, userID uint) ([]string, error)
}

// Notifier 投递验证码邮件。失败只记录，不影响业务结果。
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message) error
}

// Cooldown 限制同一邮箱重复申请验证码的频率。
type Cooldown interface {
	Acquire(ctx context.Context, subject string) (bool, time.Duration, error)
	Release(ctx context.Context, subject string) error
}

// Config 验证码有效期与注册策略。
type Config struct {
	EmailCodeTTL         time.Duration
	TwoFactorCodeTTL     time.Duration
	ResetCodeTTL         time.Duration
	IssueTokenOnRegister bool
}

// Session 是一次成功认证的结果。
type Session struct {
	Token string           `json:"token"`
	User  model.PublicUser `json:"user"`
}

// LoginResult 登录结果：要么直接拿到 Session，要么需要两步验证。
type LoginResult struct {
	Session           *Session
	RequiresTwoFactor bool
	UserID            uint
}

// RegisterResult 注册结果，Token 仅在开启 IssueTokenOnRegister 时非空。
type RegisterResult struct {
	User  model.PublicUser
	Token string
}

// Service 编排认证流程。
type Service struct {
	cfg      Config
	store    Store
	tokens   *token.Manager
	codes    *vcode.Generator
	hasher   *password.Hasher
	policy   *password.Policy
	notifier Notifier
	cooldown Cooldown
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithClock 替换时间源，测试使用。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithCooldown 为重发验证码与找回密码设置冷却。
func WithCooldown(c Cooldown) Option {
	return func(s *Service) {
		s.cooldown = c
	}
}

func NewService(cfg Config, st Store, tokens *token.Manager, codes *vcode.Generator, hasher *password.Hasher, policy *password.Policy, notifier Notifier, logger *slog.Logger, opts ...Option) *Service {
	if cfg.EmailCodeTTL <= 0 {
		cfg.EmailCodeTTL = 24 * time.Hour
	}
	if cfg.TwoFactorCodeTTL <= 0 {
		cfg.TwoFactorCodeTTL = 10 * time.Minute
	}
	if cfg.ResetCodeTTL <= 0 {
		cfg.ResetCodeTTL = 15 * time.Minute
	}
	s := &Service{
		cfg:      cfg,
		store:    st,
		tokens:   tokens,
		codes:    codes,
		hasher:   hasher,
		policy:   policy,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register 创建未验证用户并发送 24 小时有效的邮箱验证码。
func (s *Service) Register(ctx context.Context, username, email, plain string) (res *RegisterResult, err error) {
	defer func() { s.observe("register", err) }()

	username = strings.TrimSpace(username)
	email = normalizeEmail(email)
	if username == "" || email == "" || plain == "" {
		return nil, validation("username, email and password are required")
	}
	if err := s.policy.Check(plain); err != nil {
		return nil, validation(err.Error())
	}

	exists, err := s.store.UserExists(ctx, username, email)
	if err != nil {
		return nil, fmt.Errorf("check user exists: %w", err)
	}
	if exists {
		return nil, ErrConflict
	}

	hash, err := s.hasher.Hash(plain)
	if err != nil {
		return nil, err
	}
	code, expires, err := s.codes.Generate(s.cfg.EmailCodeTTL)
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}

	user := &model.User{
		Username: username,
		Email:    email,
		Password: hash,
		Challenge: model.Challenge{
			Kind:      model.ChallengeEmailVerify,
			Code:      code,
			ExpiresAt: &expires,
		},
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	metrics.ChallengesIssuedTotal.WithLabelValues(string(model.ChallengeEmailVerify)).Inc()
	s.logger.Info("user registered",
		slog.Uint64("user_id", uint64(user.ID)),
		slog.String("email", user.Email))

	s.dispatch(ctx, user, model.ChallengeEmailVerify, code, expires)

	res = &RegisterResult{User: user.Public()}
	if s.cfg.IssueTokenOnRegister {
		sess, err := s.session(user)
		if err != nil {
			return nil, err
		}
		res.Token = sess.Token
	}
	return res, nil
}

// Login 依次经过密码校验、邮箱验证门与两步验证门。
func (s *Service) Login(ctx context.Context, identifier, plain string) (res *LoginResult, err error) {
	defer func() { s.observe("login", err) }()

	identifier = strings.TrimSpace(identifier)
	if identifier == "" || plain == "" {
		return nil, validation("identifier and password are required")
	}

	user, err := s.store.FindUserByLogin(ctx, identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Info("login rejected: user not found", slog.String("identifier", identifier))
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	if !s.hasher.Verify(plain, user.Password) {
		s.logger.Info("login rejected: wrong password", slog.Uint64("user_id", uint64(user.ID)))
		return nil, ErrInvalidCredentials
	}

	// 邮箱验证门必须先于两步验证门
	if !user.EmailVerified {
		return nil, ErrVerificationRequired
	}
	if user.TwoFactorEnabled {
		if err := s.issueChallenge(ctx, user, model.ChallengeTwoFactor); err != nil {
			return nil, err
		}
		return &LoginResult{RequiresTwoFactor: true, UserID: user.ID}, nil
	}

	sess, err := s.session(user)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Session: sess}, nil
}

// ConfirmTwoFactor 消费两步验证码并签发会话。
func (s *Service) ConfirmTwoFactor(ctx context.Context, userID uint, code string) (sess *Session, err error) {
	defer func() { s.observe("verify_2fa", err) }()

	code = strings.TrimSpace(code)
	if userID == 0 || code == "" {
		return nil, validation("user_id and code are required")
	}

	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}

	ok, err := s.store.ConsumeChallenge(ctx, user.ID, model.ChallengeTwoFactor, code, s.now(), nil)
	if err != nil {
		return nil, fmt.Errorf("consume challenge: %w", err)
	}
	if !ok {
		return nil, s.rejectCode(ctx, user.ID, model.ChallengeTwoFactor, code)
	}
	user.Challenge = model.Challenge{}

	return s.session(user)
}

// VerifyEmail 消费邮箱验证码，标记已验证并直接签发会话。
func (s *Service) VerifyEmail(ctx context.Context, email, code string) (sess *Session, err error) {
	defer func() { s.observe("verify_email", err) }()

	email = normalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return nil, validation("email and code are required")
	}

	user, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCode
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user.EmailVerified {
		return nil, ErrAlreadyVerified
	}

	ok, err := s.store.ConsumeChallenge(ctx, user.ID, model.ChallengeEmailVerify, code, s.now(),
		map[string]any{"email_verified": true})
	if err != nil {
		return nil, fmt.Errorf("consume challenge: %w", err)
	}
	if !ok {
		return nil, s.rejectCode(ctx, user.ID, model.ChallengeEmailVerify, code)
	}
	user.EmailVerified = true
	user.Challenge = model.Challenge{}
	s.logger.Info("email verified", slog.Uint64("user_id", uint64(user.ID)))

	return s.session(user)
}

// ResendVerification 为未验证用户重新签发邮箱验证码。
//
// 邮箱不存在或已验证时同样返回成功，只记录日志，调用方无法据此判断账户状态。
func (s *Service) ResendVerification(ctx context.Context, email string) (err error) {
	defer func() { s.observe("resend_verification", err) }()

	email = normalizeEmail(email)
	if email == "" {
		return validation("email is required")
	}
	subject := "verify:" + email
	if err := s.hold(ctx, "resend_verification", subject); err != nil {
		return err
	}

	user, err := s.eligibleUser(ctx, "resend_verification", email, func(u *model.User) string {
		if u.EmailVerified {
			return "already_verified"
		}
		return ""
	})
	if err != nil || user == nil {
		if err != nil {
			s.release(ctx, subject)
		}
		return err
	}
	if err := s.issueChallenge(ctx, user, model.ChallengeEmailVerify); err != nil {
		s.release(ctx, subject)
		return err
	}
	return nil
}

// ForgotPassword 为已验证用户签发重置密码验证码。
//
// 与 ResendVerification 一样，不符合条件的邮箱也返回成功。
func (s *Service) ForgotPassword(ctx context.Context, email string) (err error) {
	defer func() { s.observe("forgot_password", err) }()

	email = normalizeEmail(email)
	if email == "" {
		return validation("email is required")
	}
	subject := "reset:" + email
	if err := s.hold(ctx, "forgot_password", subject); err != nil {
		return err
	}

	user, err := s.eligibleUser(ctx, "forgot_password", email, func(u *model.User) string {
		// 未验证用户的待验证码是邮箱验证码，不能被重置码覆盖
		if !u.EmailVerified {
			return "email_not_verified"
		}
		return ""
	})
	if err != nil || user == nil {
		if err != nil {
			s.release(ctx, subject)
		}
		return err
	}
	if err := s.issueChallenge(ctx, user, model.ChallengePasswordReset); err != nil {
		s.release(ctx, subject)
		return err
	}
	return nil
}

// eligibleUser 查找可以接收验证码的用户。用户不存在或 reject 返回原因时
// 返回 (nil, nil) 并记录原因。
func (s *Service) eligibleUser(ctx context.Context, op, email string, reject func(*model.User) string) (*model.User, error) {
	user, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Info("code request ignored", slog.String("op", op), slog.String("reason", "user_not_found"))
			return nil, nil
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	if reason := reject(user); reason != "" {
		s.logger.Info("code request ignored",
			slog.String("op", op),
			slog.String("reason", reason),
			slog.Uint64("user_id", uint64(user.ID)))
		return nil, nil
	}
	return user, nil
}

// ResetPassword 消费重置码并在同一条更新中写入新密码。
func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) (err error) {
	defer func() { s.observe("reset_password", err) }()

	email = normalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" || newPassword == "" {
		return validation("email, code and newPassword are required")
	}
	if err := s.policy.Check(newPassword); err != nil {
		return validation(err.Error())
	}

	user, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCode
		}
		return fmt.Errorf("find user: %w", err)
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	ok, err := s.store.ConsumeChallenge(ctx, user.ID, model.ChallengePasswordReset, code, s.now(),
		map[string]any{"password": hash})
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	if !ok {
		return s.rejectCode(ctx, user.ID, model.ChallengePasswordReset, code)
	}
	s.logger.Info("password reset", slog.Uint64("user_id", uint64(user.ID)))
	return nil
}

// ToggleTwoFactor 设置两步验证开关，不会触发验证码。
func (s *Service) ToggleTwoFactor(ctx context.Context, userID uint, enabled bool) (pub model.PublicUser, err error) {
	defer func() { s.observe("toggle_2fa", err) }()

	user, err := s.findByID(ctx, userID)
	if err != nil {
		return model.PublicUser{}, err
	}
	if err := s.store.SetTwoFactor(ctx, user.ID, enabled); err != nil {
		return model.PublicUser{}, fmt.Errorf("set two factor: %w", err)
	}
	user.TwoFactorEnabled = enabled
	s.logger.Info("two factor toggled",
		slog.Uint64("user_id", uint64(user.ID)),
		slog.Bool("enabled", enabled))
	return user.Public(), nil
}

// Me 返回当前用户的公开字段。
func (s *Service) Me(ctx context.Context, userID uint) (model.PublicUser, error) {
	user, err := s.findByID(ctx, userID)
	if err != nil {
		return model.PublicUser{}, err
	}
	return user.Public(), nil
}

// DeleteAccount 删除用户及其明信片，返回需要清理的图片 key。
func (s *Service) DeleteAccount(ctx context.Context, userID uint) (images []string, err error) {
	defer func() { s.observe("delete_account", err) }()

	images, err = s.store.DeleteUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("delete user: %w", err)
	}
	s.logger.Info("account deleted", slog.Uint64("user_id", uint64(userID)))
	return images, nil
}

func (s *Service) findByID(ctx context.Context, userID uint) (*model.User, error) {
	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return user, nil
}

// issueChallenge 生成新验证码覆盖旧码，并投递邮件。
func (s *Service) issueChallenge(ctx context.Context, user *model.User, kind model.ChallengeKind) error {
	code, expires, err := s.codes.Generate(s.ttlFor(kind))
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}
	ch := model.Challenge{Kind: kind, Code: code, ExpiresAt: &expires}
	if err := s.store.SetChallenge(ctx, user.ID, ch); err != nil {
		return fmt.Errorf("set challenge: %w", err)
	}
	user.Challenge = ch
	metrics.ChallengesIssuedTotal.WithLabelValues(string(kind)).Inc()

	s.dispatch(ctx, user, kind, code, expires)
	return nil
}

// rejectCode 在条件更新未命中后区分过期与错误的验证码。
func (s *Service) rejectCode(ctx context.Context, userID uint, kind model.ChallengeKind, code string) error {
	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		s.logger.Warn("reload user after code mismatch failed",
			slog.Uint64("user_id", uint64(userID)),
			slog.String("error", err.Error()))
		return ErrInvalidCode
	}
	ch := user.Challenge
	if ch.Pending(kind) && ch.Code == code && ch.Expired(s.now()) {
		return ErrCodeExpired
	}
	return ErrInvalidCode
}

func (s *Service) dispatch(ctx context.Context, user *model.User, kind model.ChallengeKind, code string, expires time.Time) {
	if s.notifier == nil {
		return
	}
	msg := notify.Message{
		Purpose:   notify.Purpose(kind),
		To:        user.Email,
		Username:  user.Username,
		Code:      code,
		ExpiresAt: expires,
	}
	if err := s.notifier.Notify(ctx, msg); err != nil {
		metrics.MailDispatchTotal.WithLabelValues(string(kind), "dropped").Inc()
		s.logger.Warn("mail dispatch failed",
			slog.Uint64("user_id", uint64(user.ID)),
			slog.String("purpose", string(kind)),
			slog.String("error", err.Error()))
		return
	}
	metrics.MailDispatchTotal.WithLabelValues(string(kind), "accepted").Inc()
}

func (s *Service) hold(ctx context.Context, op, subject string) error {
	if s.cooldown == nil {
		return nil
	}
	ok, wait, err := s.cooldown.Acquire(ctx, subject)
	if err != nil {
		// Redis 不可用时放行
		s.logger.Warn("cooldown unavailable", slog.String("op", op), slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		metrics.CooldownHitsTotal.WithLabelValues(op).Inc()
		return &RetryAfterError{Wait: wait}
	}
	return nil
}

func (s *Service) release(ctx context.Context, subject string) {
	if s.cooldown == nil {
		return
	}
	if err := s.cooldown.Release(ctx, subject); err != nil {
		s.logger.Warn("cooldown release failed", slog.String("error", err.Error()))
	}
}

func (s *Service) session(user *model.User) (*Session, error) {
	tok, err := s.tokens.Issue(token.Identity{
		UserID:        user.ID,
		Username:      user.Username,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
	})
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &Session{Token: tok, User: user.Public()}, nil
}

func (s *Service) ttlFor(kind model.ChallengeKind) time.Duration {
	switch kind {
	case model.ChallengeTwoFactor:
		return s.cfg.TwoFactorCodeTTL
	case model.ChallengePasswordReset:
		return s.cfg.ResetCodeTTL
	default:
		return s.cfg.EmailCodeTTL
	}
}

func (s *Service) observe(op string, err error) {
	metrics.AuthRequestsTotal.WithLabelValues(op, Reason(err)).Inc()
}

// Reason 把错误归类为稳定的短标签，用于指标与日志。
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUserNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrVerificationRequired):
		return "verification_required"
	case errors.Is(err, ErrAlreadyVerified):
		return "already_verified"
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrCodeExpired):
		return "code_expired"
	case errors.Is(err, ErrTooManyRequests):
		return "too_many_requests"
	default:
		return "error"
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
