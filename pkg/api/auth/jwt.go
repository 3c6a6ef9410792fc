// Package auth validates the bearer tokens the API accepts. Token
// issuance lives with the account service; this side only checks the
// HS256 signature and reads the subject and admin claims.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength guards against trivially brute-forceable signing
// keys.
const MinSecretLength = 16

// ErrInvalidToken covers every validation failure: bad signature,
// expiry, malformed token.
var ErrInvalidToken = errors.New("invalid or expired token")

// Claims are the token claims this service understands. The subject is
// the user ID.
type Claims struct {
	jwt.RegisteredClaims

	// Admin grants access to the admin routes.
	Admin bool `json:"admin,omitempty"`
}

// UserID returns the token subject.
func (c *Claims) UserID() string {
	return c.Subject
}

// Service validates and mints HS256 tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
}

// NewService builds a token service around the shared signing secret.
func NewService(secret string, ttl time.Duration) (*Service, error) {
	if secret == "" {
		return nil, errors.New("signing secret is required")
	}
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d characters", MinSecretLength)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{secret: []byte(secret), ttl: ttl}, nil
}

// Validate parses and verifies a bearer token.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Mint signs a token for a user. Used by the token subcommand and by
// tests; production tokens come from the account service.
func (s *Service) Mint(userID string, admin bool) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Admin: admin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
