package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	grantType      = "Bearer"
	authoritiesKey = "auth"
	keyPrefix      = "RT:"
)

var (
	// ErrInvalidToken 表示提交的 token 无法通过校验或缺少必要声明。
	ErrInvalidToken = errors.New("invalid token")
	// ErrSessionExpired 表示主体没有在存续期内的会话，需要重新登录。
	ErrSessionExpired = errors.New("session logged out or expired")
	// ErrTokenTheft 表示 renewal token 与存储值不一致，会话已被整体吊销。
	ErrTokenTheft = errors.New("renewal token reuse detected")
)

// Claims access token 的自包含声明：主体、逗号拼接的权限列表、过期时间。
type Claims struct {
	Authorities string `json:"auth,omitempty"`
	jwt.RegisteredClaims
}

// AuthorityList 拆分权限声明。
func (c *Claims) AuthorityList() []string {
	if c.Authorities == "" {
		return nil
	}
	return strings.Split(c.Authorities, ",")
}

// Pair 一次签发得到的凭证对。
type Pair struct {
	GrantType       string `json:"grant_type"`
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	AccessExpiresIn int64  `json:"access_expires_in"`
}

// Service 负责凭证对的签发、校验、轮换与吊销。
// access token 自包含（HS512 签名），renewal token 在服务端按主体跟踪，
// 每个主体最多一条在存续期内的记录，新登录或轮换会覆盖旧记录。
type Service struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	store      Store
}

func NewService(secret string, accessTTL, refreshTTL time.Duration, store Store) *Service {
	return &Service{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL, store: store}
}

// Issue 为主体签发一对新凭证，并覆盖其已有的 renewal 记录
// （隐含单会话语义：旧 renewal token 即使未过期也随之失效）。
func (s *Service) Issue(subject string, authorities []string) (*Pair, error) {
	pair, refresh, err := s.generate(subject, authorities)
	if err != nil {
		return nil, err
	}
	s.store.Set(keyPrefix+subject, refresh, s.refreshTTL)
	return pair, nil
}

func (s *Service) generate(subject string, authorities []string) (*Pair, string, error) {
	now := time.Now()
	access := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		Authorities: strings.Join(authorities, ","),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	accessStr, err := access.SignedString(s.secret)
	if err != nil {
		return nil, "", err
	}
	// jti 保证同一秒内轮换出的两个 renewal token 不会字节相等。
	refresh := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
		ID:        uuid.NewString(),
	})
	refreshStr, err := refresh.SignedString(s.secret)
	if err != nil {
		return nil, "", err
	}
	return &Pair{
		GrantType:       grantType,
		AccessToken:     accessStr,
		RefreshToken:    refreshStr,
		AccessExpiresIn: s.accessTTL.Milliseconds(),
	}, refreshStr, nil
}

// Validate 校验签名与过期时间。任何失败都只返回 false，
// 具体原因（签名错误/过期/不支持/结构非法）仅记入日志。
func (s *Service) Validate(tokenStr string) bool {
	_, err := jwt.Parse(tokenStr, s.keyFunc, jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}))
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		log.Info().Msg("token validate: malformed token")
	case errors.Is(err, jwt.ErrTokenExpired):
		log.Info().Msg("token validate: expired token")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		log.Info().Msg("token validate: invalid signature")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		log.Info().Msg("token validate: unsupported token")
	default:
		log.Info().Err(err).Msg("token validate: invalid token")
	}
	return false
}

// ParseClaims 解码声明。过期但结构完整的 token 仍返回其声明，
// 轮换路径依赖这一点从过期 access token 中取回主体。
func (s *Service) ParseClaims(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, s.keyFunc, jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}))
	if err != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Rotate 用一对旧凭证换取新凭证。
// 比较与覆盖在存储层原子完成：并发轮换最多一个成功，
// 落败者观察到不一致并触发盗用吊销，不会产生两个并存会话。
func (s *Service) Rotate(accessStr, refreshStr string) (*Pair, error) {
	if !s.Validate(refreshStr) {
		return nil, ErrInvalidToken
	}
	claims, err := s.ParseClaims(accessStr)
	if err != nil {
		return nil, err
	}
	subject := claims.Subject
	if subject == "" {
		return nil, ErrInvalidToken
	}
	pair, next, err := s.generate(subject, claims.AuthorityList())
	if err != nil {
		return nil, err
	}
	switch err := s.store.ReplaceIfMatch(keyPrefix+subject, refreshStr, next, s.refreshTTL); {
	case errors.Is(err, ErrNoRecord):
		return nil, ErrSessionExpired
	case errors.Is(err, ErrMismatch):
		log.Warn().Str("subject", subject).Msg("renewal token mismatch, session revoked")
		return nil, ErrTokenTheft
	case err != nil:
		return nil, err
	}
	return pair, nil
}

// Revoke 依据 access token 的主体删除其 renewal 记录。
// 删除不存在的记录不是错误。
func (s *Service) Revoke(accessStr string) error {
	claims, err := s.ParseClaims(accessStr)
	if err != nil {
		return err
	}
	if claims.Subject == "" {
		return ErrInvalidToken
	}
	s.store.Delete(keyPrefix + claims.Subject)
	return nil
}

func (s *Service) keyFunc(t *jwt.Token) (interface{}, error) {
	return s.secret, nil
}
