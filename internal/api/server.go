package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/api/auth"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/api/middleware"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/config"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/identity"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/model"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/cooldown"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/mailqueue"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/metrics"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/notify"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/objectstore"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/password"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/queue"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/ratelimit"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/token"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/vcode"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/store"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、发信队列、对象存储以及 Gin 路由引擎。
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	rdb       *redis.Client
	router    *gin.Engine
	auth      *auth.Handler
	tokens    *token.Manager
	hasher    *password.Hasher
	attempts  *ratelimit.RateLimiter // 按客户端 IP
	subjects  *ratelimit.RateLimiter // 按用户 ID 或邮箱
	mailQueue *queue.Queue
	users     *store.Store
	postcards PostcardStore
	images    ImageStore
}

// PostcardStore 明信片持久化。
type PostcardStore interface {
	ListPostcards(ctx context.Context, userID uint) ([]model.Postcard, error)
	FindPostcard(ctx context.Context, userID, id uint) (*model.Postcard, error)
	CreatePostcard(ctx context.Context, card *model.Postcard) error
	UpdatePostcard(ctx context.Context, card *model.Postcard) error
	DeletePostcard(ctx context.Context, userID, id uint) error
}

// ImageStore 明信片图片存储，未配置对象存储时为 nil。
type ImageStore interface {
	Put(ctx context.Context, userID uint, filename, contentType string, r io.Reader, size int64) (string, error)
	Remove(ctx context.Context, key string) error
	URL(key string) string
	KeyFromURL(u string) (string, bool)
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 连接对象存储（可选）
// 4. 组装发信链路与认证服务
// 5. 初始化 Gin 路由引擎
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.Open(cfg.MySQL.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	metrics.InitMetrics(cfg.App.MailWorkers)

	var images ImageStore
	objects, err := objectstore.New(ctx, cfg.Storage)
	switch {
	case err == nil:
		images = objects
	case errors.Is(err, objectstore.ErrNotConfigured):
		logger.Warn("object storage not configured, image upload disabled")
	default:
		return nil, err
	}

	router, err := newRouter(cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		rdb:      rdb,
		router:   router,
		tokens:   token.NewManager(cfg.Security.JWTSecret, cfg.Security.TokenTTL),
		hasher:   password.NewHasher(cfg.Security.BcryptCost),
		attempts: ratelimit.NewRedisRateLimiter(rdb, logger, "chronoz:attempts", cfg.App.AttemptRate, cfg.App.AttemptBurst),
		subjects: ratelimit.NewRedisRateLimiter(rdb, logger, "chronoz:subject_attempts", cfg.App.SubjectAttemptRate, cfg.App.SubjectAttemptBurst),
		users:    store.New(db),
		images:   images,
	}
	s.postcards = s.users

	notifier := s.buildNotifier(ctx)
	svc := identity.NewService(
		identity.Config{
			EmailCodeTTL:         cfg.Security.EmailCodeTTL,
			TwoFactorCodeTTL:     cfg.Security.TwoFactorCodeTTL,
			ResetCodeTTL:         cfg.Security.ResetCodeTTL,
			IssueTokenOnRegister: cfg.Security.IssueTokenOnRegister,
		},
		s.users,
		s.tokens,
		vcode.NewGenerator(),
		s.hasher,
		password.NewPolicy(cfg.Security.MinPasswordEntropy),
		notifier,
		logger,
		identity.WithCooldown(cooldown.New(rdb, "mail", cfg.Security.ResendCooldown)),
	)
	s.auth = auth.NewHandler(svc, logger, auth.WithAccountCleanup(s.removeImages))
	s.registerRoutes()
	return s, nil
}

// newRouter 创建带全局中间件的 Gin 引擎。
//
// 只有 app.trusted_proxies 中的代理可以通过 X-Forwarded-For 指定客户端 IP，
// 默认不信任任何代理，ClientIP 即连接的对端地址。
func newRouter(cfg *config.Config, logger *slog.Logger) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	if err := r.SetTrustedProxies(cfg.App.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.App.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.HeaderRequestID},
		ExposeHeaders:    []string{middleware.HeaderRequestID, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	return r, nil
}

// buildNotifier 选择发信方式：开启 Redis Streams 时写入 outbox，
// 否则经进程内队列异步发送（SMTP 未配置时写日志）。
func (s *Server) buildNotifier(ctx context.Context) notify.Notifier {
	if s.cfg.App.EnableMailStream {
		s.logger.Info("mail dispatch via redis stream", slog.String("stream", s.cfg.App.MailStream))
		return mailqueue.NewProducer(s.rdb, s.logger, s.cfg.App.MailStream)
	}

	var next notify.Notifier
	email := notify.NewEmailNotifier(&s.cfg.Email, s.logger)
	if email.Configured() {
		next = email
	} else {
		s.logger.Warn("smtp not configured, mail codes are logged")
		next = notify.NewLogNotifier(s.logger)
	}

	s.mailQueue = queue.New("mail", s.logger, s.cfg.App.MailWorkers, s.cfg.App.MailQueueCapacity,
		queue.WithDepthObserver(func(pending int) {
			metrics.MailQueuePending.Set(float64(pending))
		}))
	// 队列生命周期由 Close 控制，不随启动上下文取消
	s.mailQueue.Start(context.WithoutCancel(ctx))
	return notify.NewAsyncNotifier(next, s.mailQueue, s.logger)
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Close 等待发信队列清空，再关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.mailQueue != nil {
		if err := s.mailQueue.Shutdown(10 * time.Second); err != nil && !errors.Is(err, queue.ErrClosed) {
			firstErr = err
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.users != nil {
		sqlDB, err := s.users.DB().DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if closeErr := sqlDB.Close(); closeErr != nil && firstErr == nil {
			firstErr = closeErr
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	limit := func(route string) gin.HandlerFunc {
		return middleware.AttemptLimit(s.attempts, route, s.logger)
	}
	// 消耗验证码的接口同时按验证对象限流
	limitSubject := func(route, field string) gin.HandlerFunc {
		return middleware.SubjectLimit(s.subjects, route, field, s.logger)
	}

	public := s.router.Group("/api/auth")
	public.POST("/register", s.auth.Register)
	public.POST("/login", limit("login"), s.auth.Login)
	public.POST("/verify-email", limit("verify_email"), limitSubject("verify_email", "email"), s.auth.VerifyEmail)
	public.POST("/verify-2fa", limit("verify_2fa"), limitSubject("verify_2fa", "user_id"), s.auth.VerifyTwoFactor)
	public.POST("/resend-verification", s.auth.ResendVerification)
	public.POST("/forgot-password", limit("forgot_password"), s.auth.ForgotPassword)
	public.POST("/reset-password", limit("reset_password"), limitSubject("reset_password", "email"), s.auth.ResetPassword)

	authed := s.router.Group("/api")
	authed.Use(middleware.AuthMiddleware(s.tokens))
	// /me 与 logout 允许未验证邮箱的 token 访问
	authed.GET("/auth/me", s.auth.Me)
	authed.POST("/auth/logout", s.auth.Logout)

	verified := authed.Group("")
	verified.Use(middleware.RequireVerified())
	verified.POST("/auth/toggle-2fa", s.auth.ToggleTwoFactor)
	verified.DELETE("/auth/me", s.auth.DeleteMe)
	verified.GET("/postcards", s.handleListPostcards)
	verified.POST("/postcards", s.handleCreatePostcard)
	verified.PUT("/postcards/:id", s.handleUpdatePostcard)
	verified.DELETE("/postcards/:id", s.handleDeletePostcard)
	verified.POST("/postcards/images", s.handleUploadImage)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.users == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.users.DB().WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "mysql"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "redis"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// removeImages 尽力删除对象存储中的图片，失败只记录日志。
func (s *Server) removeImages(ctx context.Context, keys []string) {
	if s.images == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := s.images.Remove(ctx, key); err != nil {
			s.logger.Warn("remove image failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
}
