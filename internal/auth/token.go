// Package auth extracts the client identity from the bearer token used in
// the login handshake. The server is the verifier; the client only needs
// the claims, so parsing is deliberately unverified.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated identity carried by a session token.
type Identity struct {
	UserID    string
	Username  string
	Role      string
	ExpiresAt time.Time
}

var ErrNoSubject = errors.New("token has no subject claim")

// ParseIdentity extracts the identity claims from a JWT without verifying
// the signature.
func ParseIdentity(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, err
	}

	var id Identity
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, ErrNoSubject
	}
	id.UserID = sub

	if v, ok := claims["username"].(string); ok {
		id.Username = v
	}
	if v, ok := claims["role"].(string); ok {
		id.Role = v
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}

// Expired reports whether the token's expiry has passed. Tokens without an
// exp claim never expire client-side.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}
