package httpclient

import (
	"context"
	"fmt"

	"parlor/internal/domain/models"
)

// TokenSetter receives the token issued by Login
type TokenSetter interface {
	SetToken(token string)
}

// SendCode asks the API to email a one-time login code
func (c *Client) SendCode(ctx context.Context, email string) error {
	return c.Post(ctx, "/v1/auth/send_code", models.SendCodeRequest{Email: email}, nil)
}

// Login exchanges the emailed code for an access token and stores it
func (c *Client) Login(ctx context.Context, email, code string, store TokenSetter) (*models.AuthResponse, error) {
	var resp models.AuthResponse
	if err := c.Post(ctx, "/v1/auth/login", models.LoginRequest{Email: email, Code: code}, &resp); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("login: empty access token")
	}
	if store != nil {
		store.SetToken(resp.AccessToken)
	}
	return &resp, nil
}

// Me returns the signed-in user
func (c *Client) Me(ctx context.Context) (*models.User, error) {
	var user models.User
	if err := c.Get(ctx, "/v1/auth/me", &user); err != nil {
		return nil, err
	}
	return &user, nil
}
