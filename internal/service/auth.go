package service

import (
	"errors"

	"github.com/yashin20/pp-backend/internal/auth"
	"github.com/yashin20/pp-backend/internal/models"
	"github.com/yashin20/pp-backend/internal/token"

	"gorm.io/gorm"
)

// AuthService 负责登录/续签/登出的编排，凭证机制由 token.Service 承担。
type AuthService struct {
	db     *gorm.DB
	tokens *token.Service
}

func NewAuthService(db *gorm.DB, tokens *token.Service) *AuthService {
	return &AuthService{db: db, tokens: tokens}
}

// Login 校验用户名密码并签发凭证对。
// 签发会覆盖该会员已有的 renewal 记录（单会话语义）。
func (s *AuthService) Login(username, password string) (*token.Pair, *models.Member, error) {
	var member models.Member
	if err := s.db.Where("username = ?", username).First(&member).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}
	if !auth.VerifyPassword(member.PasswordHash, password) {
		return nil, nil, ErrInvalidCredentials
	}
	pair, err := s.tokens.Issue(member.Username, []string{string(member.Role)})
	if err != nil {
		return nil, nil, err
	}
	return pair, &member, nil
}

// Reissue 用旧凭证对换取新凭证对（轮换续签）。
func (s *AuthService) Reissue(accessToken, refreshToken string) (*token.Pair, error) {
	return s.tokens.Rotate(accessToken, refreshToken)
}

// Logout 吊销会员的 renewal 记录，阻止后续续签。
func (s *AuthService) Logout(accessToken string) error {
	return s.tokens.Revoke(accessToken)
}
