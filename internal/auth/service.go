//go:generate go run go.uber.org/mock/mockgen -source=service.go -destination=../mocks/mock_user_store.go -package=mocks

// Package auth registers accounts, issues session tokens and turns a bearer
// credential back into the user id the relay routes by.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/Tyrowin/gochat-relay/internal/storage"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRegistration = errors.New("invalid registration")
)

// UserStore is the account persistence the service needs.
type UserStore interface {
	CreateUser(ctx context.Context, username, email, passwordHash string) (storage.User, error)
	GetUserByEmail(ctx context.Context, email string) (storage.User, error)
}

// RegisterRequest is the body of a registration.
type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=2,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// LoginRequest is the body of a login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type Service struct {
	users    UserStore
	tokens   *TokenIssuer
	validate *validator.Validate
	log      *zap.Logger
}

func NewService(users UserStore, tokens *TokenIssuer, log *zap.Logger) *Service {
	return &Service{
		users:    users,
		tokens:   tokens,
		validate: validator.New(),
		log:      log.Named("auth"),
	}
}

// Register validates the request, hashes the password and stores the account.
// A taken e-mail surfaces as storage.ErrUserAlreadyExists.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (storage.User, error) {
	if err := s.validate.Struct(req); err != nil {
		return storage.User{}, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}

	hashed, err := HashPassword(req.Password)
	if err != nil {
		return storage.User{}, fmt.Errorf("hashing failed: %w", err)
	}

	user, err := s.users.CreateUser(ctx, req.Username, req.Email, hashed)
	if err != nil {
		return storage.User{}, err
	}

	s.log.Info("user registered", zap.String("user", user.ID.String()))
	return user, nil
}

// Login checks the credentials and returns a session token. Unknown e-mail
// and wrong password both yield ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, req LoginRequest) (string, error) {
	if err := s.validate.Struct(req); err != nil {
		return "", ErrInvalidCredentials
	}

	user, err := s.users.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if !errors.Is(err, storage.ErrUserNotFound) {
			s.log.Error("user lookup failed", zap.Error(err))
		}
		return "", ErrInvalidCredentials
	}

	match, err := ComparePassword(req.Password, user.PasswordHash)
	if err != nil || !match {
		return "", ErrInvalidCredentials
	}

	return s.tokens.Generate(user.ID, user.Username)
}

// Claims validates a bearer credential ("Bearer <jwt>" or the bare token).
func (s *Service) Claims(credential string) (*Claims, error) {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(credential), "Bearer "))
	if token == "" {
		return nil, ErrUnauthorized
	}

	claims, err := s.tokens.Validate(token)
	if err != nil {
		s.log.Debug("token rejected", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

// Identify returns the user id carried by a bearer credential.
func (s *Service) Identify(credential string) (chat.UserID, error) {
	claims, err := s.Claims(credential)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}
