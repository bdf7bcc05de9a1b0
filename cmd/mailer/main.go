package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/config"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/logger"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/mailqueue"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/metrics"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/notify"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/ratelimit"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// main 是发信服务的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志
// 2. 从 Redis Stream 读取待发邮件
// 3. 按全局速率通过 SMTP 发送
// 4. 提供 Metrics 并优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.InitMetrics(1)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("ping redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	consumerID := fmt.Sprintf("mailer-%s-%d", hostname, os.Getpid())
	consumer, err := mailqueue.NewConsumer(ctx, rdb, appLogger, cfg.App.MailStream, cfg.App.MailGroup, consumerID)
	if err != nil {
		appLogger.Error("init mail consumer failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var sender notify.Notifier
	email := notify.NewEmailNotifier(&cfg.Email, appLogger)
	if email.Configured() {
		sender = email
	} else {
		appLogger.Warn("smtp not configured, mails will only be logged")
		sender = notify.NewLogNotifier(appLogger)
	}
	limiter := ratelimit.NewRedisRateLimiter(rdb, appLogger, "chronoz:smtp", cfg.Email.SendRate, cfg.Email.SendBurst)

	metricsServer := &http.Server{
		Addr:              cfg.App.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		appLogger.Info("mailer metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				// 交给容器重启
				appLogger.Error("PANIC in mail consumer loop", slog.Any("panic", r))
				os.Exit(1)
			}
		}()
		appLogger.Info("starting mail consumer",
			slog.String("stream", cfg.App.MailStream),
			slog.String("group", cfg.App.MailGroup),
			slog.String("consumer", consumerID))
		err := consumer.Run(ctx, func(ctx context.Context, msg *mailqueue.MailMessage) error {
			if err := limiter.Acquire(ctx, "smtp"); err != nil {
				return err
			}
			return sender.Notify(ctx, msg.Notification())
		})
		if err != nil {
			appLogger.Error("mail consumer stopped", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down mailer...")
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}
	appLogger.Info("mailer stopped gracefully")
}
