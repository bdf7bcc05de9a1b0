package auth

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/api/middleware"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/identity"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/model"

	"github.com/gin-gonic/gin"
)

// Service 是 Handler 依赖的认证流程，由 identity.Service 实现。
type Service interface {
	Register(ctx context.Context, username, email, plain string) (*identity.RegisterResult, error)
	Login(ctx context.Context, identifier, plain string) (*identity.LoginResult, error)
	ConfirmTwoFactor(ctx context.Context, userID uint, code string) (*identity.Session, error)
	VerifyEmail(ctx context.Context, email, code string) (*identity.Session, error)
	ResendVerification(ctx context.Context, email string) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, email, code, newPassword string) error
	ToggleTwoFactor(ctx context.Context, userID uint, enabled bool) (model.PublicUser, error)
	Me(ctx context.Context, userID uint) (model.PublicUser, error)
	DeleteAccount(ctx context.Context, userID uint) ([]string, error)
}

// Handler 提供注册、登录、验证与账户接口。
type Handler struct {
	svc     Service
	logger  *slog.Logger
	cleanup func(ctx context.Context, images []string)
}

type Option func(*Handler)

// WithAccountCleanup 在账户删除后清理其图片。
func WithAccountCleanup(fn func(ctx context.Context, images []string)) Option {
	return func(h *Handler) {
		h.cleanup = fn
	}
}

// NewHandler 创建 Auth Handler。
func NewHandler(svc Service, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{svc: svc, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

type verifyEmailRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type verifyTwoFactorRequest struct {
	UserID uint   `json:"user_id"`
	Code   string `json:"code"`
}

type toggleTwoFactorRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

// Register 创建未验证用户，验证码通过邮件发送。
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.svc.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		h.writeError(c, "register", err)
		return
	}

	body := gin.H{
		"message": "registered, please verify your email",
		"user":    res.User,
	}
	if res.Token != "" {
		body["token"] = res.Token
	}
	c.JSON(http.StatusOK, body)
}

// Login 校验用户名或邮箱与密码；开启两步验证时只返回 user_id。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	identifier := req.Identifier
	if strings.TrimSpace(identifier) == "" {
		identifier = req.Email
	}

	res, err := h.svc.Login(c.Request.Context(), identifier, req.Password)
	if err != nil {
		h.writeError(c, "login", err)
		return
	}
	if res.RequiresTwoFactor {
		c.JSON(http.StatusOK, gin.H{
			"requires_2fa": true,
			"user_id":      res.UserID,
			"message":      "verification code sent",
		})
		return
	}
	c.JSON(http.StatusOK, res.Session)
}

// VerifyEmail 校验邮箱验证码并签发会话。
func (h *Handler) VerifyEmail(c *gin.Context) {
	var req verifyEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sess, err := h.svc.VerifyEmail(c.Request.Context(), req.Email, req.Code)
	if err != nil {
		h.writeError(c, "verify_email", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "email verified",
		"token":   sess.Token,
		"user":    sess.User,
	})
}

// VerifyTwoFactor 校验两步验证码并签发会话。
func (h *Handler) VerifyTwoFactor(c *gin.Context) {
	var req verifyTwoFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sess, err := h.svc.ConfirmTwoFactor(c.Request.Context(), req.UserID, req.Code)
	if err != nil {
		h.writeError(c, "verify_2fa", err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ToggleTwoFactor 开关两步验证。
func (h *Handler) ToggleTwoFactor(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return
	}
	var req toggleTwoFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled must be a boolean"})
		return
	}

	user, err := h.svc.ToggleTwoFactor(c.Request.Context(), userID, *req.Enabled)
	if err != nil {
		h.writeError(c, "toggle_2fa", err)
		return
	}
	msg := "two-factor authentication disabled"
	if user.TwoFactorEnabled {
		msg = "two-factor authentication enabled"
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "user": user})
}

// Me 返回当前用户。
func (h *Handler) Me(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return
	}
	user, err := h.svc.Me(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		h.writeError(c, "me", err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// ResendVerification 重新发送邮箱验证码。
func (h *Handler) ResendVerification(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.svc.ResendVerification(c.Request.Context(), req.Email); err != nil {
		h.writeError(c, "resend_verification", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "verification code sent"})
}

// ForgotPassword 发送重置密码验证码。
func (h *Handler) ForgotPassword(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.svc.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		h.writeError(c, "forgot_password", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "reset code sent",
		"email":   strings.ToLower(strings.TrimSpace(req.Email)),
	})
}

// ResetPassword 使用重置码设置新密码。
func (h *Handler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.svc.ResetPassword(c.Request.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		h.writeError(c, "reset_password", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "password updated"})
}

// Logout 处理注销请求（当前为无状态，直接返回成功）。
func (h *Handler) Logout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// DeleteMe 删除当前账户及其明信片。
func (h *Handler) DeleteMe(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return
	}
	images, err := h.svc.DeleteAccount(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		h.writeError(c, "delete_account", err)
		return
	}
	if h.cleanup != nil && len(images) > 0 {
		h.cleanup(context.WithoutCancel(c.Request.Context()), images)
	}
	c.JSON(http.StatusOK, gin.H{"message": "account deleted"})
}

// writeError 把领域错误转换为状态码与简短的错误信息。
func (h *Handler) writeError(c *gin.Context, op string, err error) {
	var retry *identity.RetryAfterError
	switch {
	case errors.Is(err, identity.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationMessage(err)})
	case errors.Is(err, identity.ErrConflict):
		c.JSON(http.StatusBadRequest, gin.H{"error": "user exists"})
	case errors.Is(err, identity.ErrUserNotFound) && op != "login":
		c.JSON(http.StatusBadRequest, gin.H{"error": "user not found"})
	case errors.Is(err, identity.ErrUserNotFound), errors.Is(err, identity.ErrInvalidCredentials):
		// 不区分用户不存在与密码错误
		c.JSON(http.StatusBadRequest, gin.H{"error": "user not found or wrong password"})
	case errors.Is(err, identity.ErrVerificationRequired):
		c.JSON(http.StatusForbidden, gin.H{
			"error":                 "email not verified",
			"requires_verification": true,
		})
	case errors.Is(err, identity.ErrAlreadyVerified):
		c.JSON(http.StatusBadRequest, gin.H{"error": "email already verified"})
	case errors.Is(err, identity.ErrCodeExpired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "code expired"})
	case errors.Is(err, identity.ErrInvalidCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid code"})
	case errors.As(err, &retry):
		secs := int(math.Ceil(retry.Wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "retry_after": secs})
	case errors.Is(err, identity.ErrTooManyRequests):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
	default:
		if h.logger != nil {
			h.logger.Error("auth request failed",
				slog.String("op", op),
				slog.String("request_id", middleware.GetRequestID(c)),
				slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func validationMessage(err error) string {
	msg := strings.TrimPrefix(err.Error(), identity.ErrValidation.Error()+": ")
	if msg == "" {
		return identity.ErrValidation.Error()
	}
	return msg
}
