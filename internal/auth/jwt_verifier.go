package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parlor/internal/domain"
	"parlor/internal/domain/models"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier validates access tokens presented to the dev server
type JWTVerifier interface {
	VerifyToken(tokenString string) (*models.Claims, error)
}

// HMACVerifier issues and verifies HS256 tokens with a shared secret.
type HMACVerifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewHMACVerifier creates a verifier. ttl is the lifetime of issued tokens.
func NewHMACVerifier(secret string, ttl time.Duration, logger *slog.Logger) (*HMACVerifier, error) {
	if secret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}
	return &HMACVerifier{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}, nil
}

// Issue signs a token for the user
func (v *HMACVerifier) Issue(userID, email string) (string, error) {
	now := v.now()
	claims := models.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
		Email: email,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// VerifyToken validates a token and extracts its claims.
// Any failure is reported as domain.ErrUnauthorized.
func (v *HMACVerifier) VerifyToken(tokenString string) (*models.Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&models.Claims{},
		func(t *jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		v.logger.Debug("token parse failed", "error", err)
		return nil, domain.ErrUnauthorized
	}

	claims, ok := token.Claims.(*models.Claims)
	if !ok || !token.Valid {
		v.logger.Debug("token is invalid after parsing")
		return nil, domain.ErrUnauthorized
	}

	if claims.Subject == "" {
		v.logger.Debug("token missing subject claim")
		return nil, domain.ErrUnauthorized
	}

	return claims, nil
}
