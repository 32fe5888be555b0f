package auth

import (
	"net/http"
	"strings"

	"github.com/yashin20/pp-backend/internal/token"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	bearerPrefix = "Bearer "
	principalKey = "principal"
)

// Principal 是一次请求或一条流式会话绑定的已认证主体。
// 显式随上下文传递，不做任何全局查找。
type Principal struct {
	Username    string
	Authorities []string
}

// HasAuthority 检查主体是否持有指定权限。
func (p Principal) HasAuthority(authority string) bool {
	for _, a := range p.Authorities {
		if a == authority {
			return true
		}
	}
	return false
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// ResolveBearer 从 Authorization 头中取出 Bearer token，没有则返回空串。
func ResolveBearer(header string) string {
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return ""
}

// FromClaims 由 token 声明派生主体。
func FromClaims(claims *token.Claims) Principal {
	return Principal{Username: claims.Subject, Authorities: claims.AuthorityList()}
}

// Filter 逐请求提取并校验 Bearer token，成功时把主体挂到本次请求的上下文。
// 没有凭证或校验失败都放行，需要身份的路由由 RequireAuth 把关。
func Filter(tokens *token.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := ResolveBearer(c.GetHeader("Authorization"))
		if raw != "" && tokens.Validate(raw) {
			if claims, err := tokens.ParseClaims(raw); err == nil {
				c.Set(principalKey, FromClaims(claims))
			}
		}
		c.Next()
	}
}

// RequireAuth 拒绝没有绑定主体的请求。
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := Current(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Next()
	}
}

// Current 返回本次请求绑定的主体。
func Current(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
