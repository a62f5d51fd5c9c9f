// Package auth issues and verifies bearer credentials and hashes passwords.
//
// TOKEN FLOW:
//  1. register/login succeeds → TokenService.Generate(userID) signs an HS256 JWT
//  2. the client sends it back as "Authorization: Bearer <token>"
//  3. RequireAuth validates it, checks the user still exists and puts the
//     user ID in the request context
//
// The subject ("sub") claim carries the internal user ID. Nothing else about
// the user is embedded, so renaming a user never invalidates their token.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer is checked on every Validate call; tokens minted by another
	// service sharing the secret are rejected.
	Issuer = "qaplanet"

	// DefaultTokenTTL matches the seven day session users expect from the web client.
	DefaultTokenTTL = 7 * 24 * time.Hour
)

// ErrTokenExpired is returned by Validate when the exp claim is in the past.
var ErrTokenExpired = errors.New("auth: token expired")

// TokenService handles JWT creation and validation.
//
// The secret is process-wide and must stay stable across restarts, otherwise
// every outstanding token becomes invalid.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService with the given secret and lifetime.
// A zero ttl falls back to DefaultTokenTTL.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

type claims struct {
	jwt.RegisteredClaims
}

// Generate signs a token for userID using the configured lifetime.
func (s *TokenService) Generate(userID string) (string, error) {
	return s.GenerateWithDuration(userID, s.ttl)
}

// GenerateWithDuration signs a token with a custom lifetime.
// Tests use a negative duration to mint already-expired tokens.
func (s *TokenService) GenerateWithDuration(userID string, d time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("auth: cannot sign token without a subject")
	}

	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}

	return signed, nil
}

// Validate parses and verifies a JWT string and returns the user ID in "sub".
//
// VALIDATION CHECKS (performed by the jwt library):
//   - signature matches our secret
//   - exp is present and in the future
//   - iss is "qaplanet"
//   - alg is HS256 (prevents "none" and RS/HS confusion)
func (s *TokenService) Validate(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", errors.New("auth: empty token")
	}

	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid token claims")
	}

	if c.Subject == "" {
		return "", fmt.Errorf("auth: token has no subject")
	}

	return c.Subject, nil
}

// TTL reports how long freshly generated tokens stay valid.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}
