package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/metrics"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/ratelimit"

	"github.com/gin-gonic/gin"
)

// 读取请求体用于提取限流主体时的上限
const maxSubjectBody = 64 << 10

// AttemptLimit 按客户端 IP 与路由限制尝试次数，用于登录与验证码接口。
// 客户端 IP 只信任 engine 配置的代理转发的头部。Redis 不可用时放行。
func AttemptLimit(limiter *ratelimit.RateLimiter, route string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !allowAttempt(c, limiter, route, "ip:"+c.ClientIP(), logger) {
			return
		}
		c.Next()
	}
}

// SubjectLimit 按 JSON 请求体中的 field（用户 ID 或邮箱）限制尝试次数，
// 同一个验证码的猜测次数与来源地址无关。请求体会原样留给后续 handler。
func SubjectLimit(limiter *ratelimit.RateLimiter, route, field string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := jsonSubject(c, field)
		if subject == "" {
			c.Next()
			return
		}
		if !allowAttempt(c, limiter, route, "subject:"+subject, logger) {
			return
		}
		c.Next()
	}
}

func allowAttempt(c *gin.Context, limiter *ratelimit.RateLimiter, route, key string, logger *slog.Logger) bool {
	allowed, wait, err := limiter.Allow(c.Request.Context(), route+":"+key)
	if err != nil {
		if logger != nil {
			logger.Warn("attempt limit unavailable",
				slog.String("route", route),
				slog.String("error", err.Error()))
		}
		return true
	}
	if allowed {
		return true
	}
	metrics.RateLimitRejectedTotal.WithLabelValues(route).Inc()
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "too many requests",
		"retry_after": secs,
	})
	return false
}

// jsonSubject 读取请求体中的字段并归一化，读取后恢复 Body。
func jsonSubject(c *gin.Context, field string) string {
	if c.Request.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSubjectBody))
	c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(raw), c.Request.Body))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	value, ok := body[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	var n json.Number
	if err := json.Unmarshal(value, &n); err == nil {
		return n.String()
	}
	return ""
}
