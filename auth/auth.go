// Package auth supplies the bearer token presented to dispatch and reads the
// worker identity it carries.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/kilianp07/roadside/core/transport"
)

// ErrNoCredentials is returned when neither a token nor client credentials
// are configured.
var ErrNoCredentials = errors.New("auth: no token or client credentials configured")

// NewTokenSource returns the token source described by conf.
func NewTokenSource(conf Conf) (transport.TokenSource, error) {
	if conf.Token != "" {
		return StaticToken(conf.Token), nil
	}
	if conf.ClientID == "" || conf.TokenURL == "" {
		return nil, ErrNoCredentials
	}
	return NewClientCred(conf), nil
}

// StaticToken is a fixed token. A JWT is still checked for expiry; opaque
// tokens are passed through.
type StaticToken string

// Token returns the token unless it is a JWT that has expired.
func (s StaticToken) Token(context.Context) (string, error) {
	if _, err := IdentityFromToken(string(s)); errors.Is(err, ErrTokenExpired) {
		return "", err
	}
	return string(s), nil
}

// ClientCred fetches and caches tokens with the OAuth2 client credentials
// grant.
type ClientCred struct {
	conf clientcredentials.Config

	mu    sync.Mutex
	token *oauth2.Token
}

func NewClientCred(conf Conf) *ClientCred {
	return &ClientCred{
		conf: conf.toOauth2Config(),
	}
}

// Token returns the cached access token while it is valid and requests a new
// one otherwise.
func (c *ClientCred) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.Valid() {
		return c.token.AccessToken, nil
	}
	if err := c.fetchLocked(ctx); err != nil {
		return "", err
	}
	return c.token.AccessToken, nil
}

// ForceRefresh discards the cached token and requests a new one.
func (c *ClientCred) ForceRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fetchLocked(ctx); err != nil {
		return "", err
	}
	return c.token.AccessToken, nil
}

func (c *ClientCred) fetchLocked(ctx context.Context) error {
	tok, err := c.conf.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	c.token = tok
	return nil
}

// SetAuthHeader sets the Authorization header of r from src.
func SetAuthHeader(ctx context.Context, src transport.TokenSource, r *http.Request) error {
	tok, err := src.Token(ctx)
	if err != nil {
		return err
	}
	r.Header.Set("Authorization", "Bearer "+tok)
	return nil
}
