/*
Package auth handles account registration, login and JWT verification.

TOKENS:
  Tokens are HS256-signed JWTs carrying the user id as the subject claim.
  The HTTP middleware validates the Authorization: Bearer header and stores
  the user id on the request context.
*/
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/metered-ledger/ledger"
)

var (
	// ErrInvalidCredentials is returned when the email or password is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserInactive is returned when the account exists but is disabled.
	ErrUserInactive = errors.New("user is inactive")
	// ErrInvalidToken is returned for missing, malformed or expired tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Service issues and verifies credentials against the user store.
type Service struct {
	store      ledger.Store
	secret     []byte
	tokenTTL   time.Duration
	bcryptCost int
}

// NewService creates an auth service signing with the given secret.
func NewService(store ledger.Store, secret string, tokenTTL time.Duration, bcryptCost int) *Service {
	return &Service{
		store:      store,
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		bcryptCost: bcryptCost,
	}
}

// Register creates an active account and returns a fresh token.
func (s *Service) Register(ctx context.Context, email, password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	user := ledger.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Status:       ledger.UserActive,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return "", err
	}

	return s.issueToken(user.ID)
}

// Login verifies the password and returns a token for the account.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	if user.Status != ledger.UserActive {
		return "", ErrUserInactive
	}

	return s.issueToken(user.ID)
}

func (s *Service) issueToken(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// VerifyToken checks the signature and expiry and returns the user id.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}

	return claims.Subject, nil
}
