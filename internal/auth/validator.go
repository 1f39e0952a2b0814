// Package auth validates access tokens issued by the external credential
// service. Token issuing lives elsewhere; this side only verifies.
package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalid marks a token that fails signature or shape checks.
	ErrInvalid = errors.New("invalid token")
	// ErrExpired marks a structurally valid token past its expiry.
	ErrExpired = errors.New("expired token")
)

// Claims holds the verified token payload.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Validator checks access tokens. The interface lets handlers run with a
// stub validator in tests.
type Validator interface {
	Validate(token string) (*Claims, error)
}

// JWTValidator validates HMAC-signed access tokens.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a JWTValidator.
func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{secret: secret}
}

// Validate parses and verifies a token, returning claims or an error.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalid
	}
	return claims, nil
}

// NoopValidator accepts every token. Used when auth is disabled (no secret
// configured) and in tests.
type NoopValidator struct{}

func (NoopValidator) Validate(string) (*Claims, error) {
	return &Claims{}, nil
}
