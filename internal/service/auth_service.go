package service

import (
	"context"
	"strings"
	"time"

	"github.com/spec-kit/conversation-relay/internal/auth"
	"github.com/spec-kit/conversation-relay/internal/config"
	"github.com/spec-kit/conversation-relay/internal/domain"
	"github.com/spec-kit/conversation-relay/internal/repository"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

// AuthService coordinates the login flow for users and admins.
type AuthService struct {
	users      repository.UserRepository
	tokenMgr   *auth.TokenManager
	bcryptCost int
}

// LoginResult carries an issued token.
type LoginResult struct {
	User      *domain.User
	Subject   domain.SubjectType
	Token     string
	ExpiresAt time.Time
}

// NewAuthService builds the service.
func NewAuthService(cfg config.AuthConfig, users repository.UserRepository) *AuthService {
	return &AuthService{
		users:      users,
		tokenMgr:   auth.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTLMinutes),
		bcryptCost: cfg.BcryptCost,
	}
}

// Login authenticates by email and password.
func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	user, err := s.users.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if isNoRows(err) {
			return nil, apperrors.NewUnauthorized("invalid credentials")
		}
		return nil, persistenceError(err)
	}
	if err := auth.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, apperrors.NewUnauthorized("invalid credentials")
	}

	subject := domain.SubjectTypeUser
	if user.IsAdmin() {
		subject = domain.SubjectTypeAdmin
	}
	token, exp, err := s.tokenMgr.GenerateToken(user.ID, subject)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return &LoginResult{User: user, Subject: subject, Token: token, ExpiresAt: exp}, nil
}

// EnsureAdmin creates the bootstrap admin account when it does not exist.
func (s *AuthService) EnsureAdmin(ctx context.Context, name, email, password string) (*domain.User, error) {
	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		Name:         name,
		Email:        strings.TrimSpace(email),
		PasswordHash: hash,
		Role:         domain.UserRoleAdmin,
	}
	if err := s.users.CreateIfAbsent(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// TokenManager exposes the underlying token manager for middleware usage.
func (s *AuthService) TokenManager() *auth.TokenManager {
	return s.tokenMgr
}
