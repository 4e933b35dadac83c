package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rickgao/supportdesk-live/internal/auth"
)

// ErrNoToken is returned when the login response carries no token.
var ErrNoToken = errors.New("login response has no token")

// Login exchanges a username and password for a session. The identity is
// taken from the returned profile, then the token's sub claim, then the
// username that logged in.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	var resp LoginResponse
	if err := c.post(ctx, "/auth/login", LoginRequest{Username: username, Password: password}, &resp); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	token := strings.TrimSpace(resp.Token)
	if token == "" {
		return nil, ErrNoToken
	}

	identity := ""
	if resp.User != nil {
		identity = resp.User.Username
	}
	if identity == "" {
		identity, _ = auth.IdentityFromToken(token)
	}
	if identity == "" {
		identity = username
	}

	c.logger.Info("logged in", "identity", identity)
	return &Session{Token: token, Identity: identity}, nil
}

// Me returns the profile of the client's token holder.
func (c *Client) Me(ctx context.Context) (*UserProfile, error) {
	if c.token == "" {
		return nil, auth.ErrMissingToken
	}

	var profile UserProfile
	if err := c.get(ctx, "/users/me", nil, &profile); err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &profile, nil
}
