// Package token signs the callback URLs handed to aggregators.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var ErrInvalidToken = errors.New("invalid callback token")

type claims struct {
	jwt.RegisteredClaims
	ExternalRef string `json:"ext"`
}

type Signer struct {
	key []byte
	ttl time.Duration
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{key: []byte(secret), ttl: ttl}
}

// Enabled is false when no secret is configured; callbacks are then accepted unsigned.
func (s *Signer) Enabled() bool {
	return s != nil && len(s.key) > 0
}

// BuildCallbackToken returns a token binding the callback to one order.
func (s *Signer) BuildCallbackToken(externalRef string) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
		ExternalRef: externalRef,
	}
	if s.ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.key)
}

// GetExternalRef checks the token and returns the order's external reference.
func (s *Signer) GetExternalRef(tokenString string) (string, error) {
	c := &claims{}
	tok, err := jwt.ParseWithClaims(tokenString, c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.key, nil
	})
	if err != nil || !tok.Valid || c.ExternalRef == "" {
		return "", ErrInvalidToken
	}
	return c.ExternalRef, nil
}
