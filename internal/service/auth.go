// Package service holds the business rules. Handlers parse HTTP and call in
// here; services validate, enforce ownership and call the repositories.
//
//	Handler (HTTP) → Service (rules) → Repository (SQL)
//
// Services depend on repository interfaces, never on *sqlite.DB, so tests
// pass in-memory fakes.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sakif/qaplanet/internal/apperror"
	"github.com/sakif/qaplanet/internal/auth"
	"github.com/sakif/qaplanet/internal/model"
	"github.com/sakif/qaplanet/internal/repository"
	"go.uber.org/zap"
)

// invalidCredentials is the one message for both unknown identifiers and
// wrong passwords, so login responses never reveal which usernames exist.
const invalidCredentials = "invalid username or password"

type RegisterInput struct {
	Username string `json:"username" validate:"required,min=3,max=30,handle"`
	Email    string `json:"email" validate:"omitempty,email,max=254"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	Avatar   string `json:"avatar" validate:"omitempty,url,max=2048"`
}

type LoginInput struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

// AuthResult bundles the user and a freshly issued token.
type AuthResult struct {
	User  *model.User `json:"user"`
	Token string      `json:"token"`
}

// AuthService handles registration, login and identity lookups.
type AuthService struct {
	users     repository.UserRepository
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	logger    *zap.Logger
	now       func() time.Time
}

func NewAuthService(
	users repository.UserRepository,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		users:     users,
		tokens:    tokens,
		passwords: passwords,
		logger:    logger.Named("auth"),
		now:       time.Now,
	}
}

// Register creates an account and returns it with a token.
// A taken username or email yields apperror.ErrConflict.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	in.Avatar = strings.TrimSpace(in.Avatar)

	if err := validateStruct(in); err != nil {
		return nil, err
	}
	// max=72 counts runes; bcrypt's limit is bytes.
	if len(in.Password) > auth.MaxPasswordBytes {
		return nil, apperror.ValidationFailed("password",
			fmt.Sprintf("password must be at most %d bytes", auth.MaxPasswordBytes))
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, apperror.Internal("could not register user", err)
	}

	user := &model.User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Avatar:       in.Avatar,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("service/auth: creating user %q: %w", in.Username, err)
	}

	s.logger.Info("user registered",
		zap.String("userID", user.ID),
		zap.String("username", user.Username),
	)

	return s.issue(user)
}

// Login checks the credentials and returns the user with a new token.
// identifier may be a username or an email address.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*AuthResult, error) {
	in.Identifier = strings.TrimSpace(in.Identifier)
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	user, err := s.users.GetUserByLogin(ctx, in.Identifier)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			_ = s.passwords.VerifyUnknown(in.Password)
			return nil, apperror.Unauthorized(invalidCredentials)
		}
		return nil, fmt.Errorf("service/auth: looking up %q: %w", in.Identifier, err)
	}

	if err := s.passwords.Verify(user.PasswordHash, in.Password); err != nil {
		if !errors.Is(err, auth.ErrPasswordMismatch) {
			s.logger.Error("password verification failed", zap.String("userID", user.ID), zap.Error(err))
		}
		return nil, apperror.Unauthorized(invalidCredentials)
	}

	at := s.now().UTC()
	if err := s.users.UpdateLastLogin(ctx, user.ID, at); err != nil {
		// The login itself succeeded.
		s.logger.Warn("recording last login", zap.String("userID", user.ID), zap.Error(err))
	} else {
		user.LastLoginAt = &at
	}

	s.logger.Info("user logged in", zap.String("userID", user.ID))
	return s.issue(user)
}

// Me returns the account behind an authenticated request.
func (s *AuthService) Me(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, apperror.Unauthorized("authentication required")
	}
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthorized("account no longer exists")
		}
		return nil, fmt.Errorf("service/auth: fetching user %s: %w", userID, err)
	}
	return user, nil
}

// ValidateToken returns the user ID a token was issued for.
func (s *AuthService) ValidateToken(token string) (string, error) {
	userID, err := s.tokens.Validate(token)
	if err != nil {
		return "", apperror.Unauthorized("invalid or expired token")
	}
	return userID, nil
}

// Exists reports whether userID still names an account. The auth middleware
// calls it so tokens of deleted accounts stop working.
func (s *AuthService) Exists(ctx context.Context, userID string) (bool, error) {
	_, err := s.users.GetUserByID(ctx, userID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, apperror.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Rename changes a username. It backs the rename-user admin command.
func (s *AuthService) Rename(ctx context.Context, from, to string) (*model.User, error) {
	in := struct {
		Username string `json:"username" validate:"required,min=3,max=30,handle"`
	}{Username: strings.TrimSpace(to)}
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	user, err := s.users.GetUserByLogin(ctx, strings.TrimSpace(from))
	if err != nil {
		return nil, err
	}
	if err := s.users.RenameUser(ctx, user.ID, in.Username); err != nil {
		return nil, err
	}

	s.logger.Info("user renamed",
		zap.String("userID", user.ID),
		zap.String("from", user.Username),
		zap.String("to", in.Username),
	)
	user.Username = in.Username
	return user, nil
}

func (s *AuthService) issue(user *model.User) (*AuthResult, error) {
	token, err := s.tokens.Generate(user.ID)
	if err != nil {
		return nil, apperror.Internal("could not issue token", err)
	}
	return &AuthResult{User: user, Token: token}, nil
}
