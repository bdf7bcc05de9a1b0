package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/token"

	"github.com/gin-gonic/gin"
)

const (
	ctxUserID = "userID"
	ctxClaims = "claims"
)

// AuthMiddleware 校验 Bearer token 并将 userID 与 claims 写入上下文。
// 过期与无效分别返回不同的错误信息，前端据此决定是否跳转登录。
func AuthMiddleware(tokens *token.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token required"})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		claims, err := tokens.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, token.ErrExpired) {
				msg = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// RequireVerified 拒绝邮箱未验证的 token，必须放在 AuthMiddleware 之后。
func RequireVerified() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := Claims(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token required"})
			return
		}
		if !claims.EmailVerified {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":                 "email not verified",
				"requires_verification": true,
			})
			return
		}
		c.Next()
	}
}

// UserID 读取 AuthMiddleware 写入的用户 ID。
func UserID(c *gin.Context) (uint, bool) {
	v, ok := c.Get(ctxUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok && id != 0
}

func Claims(c *gin.Context) (*token.Claims, bool) {
	v, ok := c.Get(ctxClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*token.Claims)
	return claims, ok
}
