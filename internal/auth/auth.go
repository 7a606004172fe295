// Package auth verifies identity claims issued by the external auth service.
// The messaging core never issues tokens; it only validates them at the
// gateway handshake and on the REST surface.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for a missing, malformed, expired, or
// wrongly-signed identity claim.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the authenticated caller as seen by the messaging core.
type Identity struct {
	UserID      string
	DisplayName string
}

// Verifier validates an identity claim and returns the caller's identity.
// Implementations must be safe for concurrent use.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Claims is the JWT claim set the external auth service issues.
type Claims struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed JWTs against a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the given shared secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token and extracts the caller's identity.
func (v *JWTVerifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing userId claim", ErrInvalidToken)
	}

	return Identity{UserID: claims.UserID, DisplayName: claims.DisplayName}, nil
}
