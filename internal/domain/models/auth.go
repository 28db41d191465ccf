package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the access token payload issued by the chat API.
type Claims struct {
	jwt.RegisteredClaims        // Standard JWT claims (sub, exp, iat, ...)
	Email                string `json:"email"`
}

// GetUserID returns the user ID from the JWT subject claim.
func (c *Claims) GetUserID() string {
	return c.Subject
}

// User is the signed-in account
type User struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Username    *string    `json:"username,omitempty"`
	AvatarURL   *string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// SendCodeRequest asks for a one-time login code by email
type SendCodeRequest struct {
	Email string `json:"email"`
}

// LoginRequest exchanges an emailed code for an access token
type LoginRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// AuthResponse carries the issued access token
type AuthResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}
