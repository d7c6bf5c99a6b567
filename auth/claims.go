package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kilianp07/roadside/core/transport"
)

var (
	// ErrTokenExpired is returned for a token whose exp claim is in the past.
	ErrTokenExpired = transport.ErrTokenExpired
	// ErrNoSubject is returned when the token names no worker.
	ErrNoSubject = errors.New("auth: token has no subject")
)

// Claims is the payload dispatch puts in worker tokens.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is what the worker learns about itself from its token.
type Identity struct {
	WorkerID  string
	Role      string
	ExpiresAt time.Time
}

var now = time.Now

// IdentityFromToken reads the worker identity from an encoded JWT without
// verifying its signature. Dispatch verifies it on connect; this only lets
// the worker fail early on a token that cannot work.
func IdentityFromToken(token string) (Identity, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("auth: parse token: %w", err)
	}
	id := Identity{WorkerID: claims.UserID, Role: claims.Role}
	if id.WorkerID == "" {
		id.WorkerID = claims.Subject
	}
	if id.WorkerID == "" {
		return Identity{}, ErrNoSubject
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
		if !id.ExpiresAt.After(now()) {
			return id, fmt.Errorf("%w at %s", ErrTokenExpired, id.ExpiresAt.Format(time.RFC3339))
		}
	}
	return id, nil
}
