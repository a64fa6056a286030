// Package token issues and verifies signed access tokens.
//
// codec.go -- HS512 JWTs via golang-jwt. The sub claim carries an encoded
// Subject; exp is issue time plus the configured TTL.
package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every way a token can fail: bad signature, wrong
// algorithm, expired, malformed, or a subject that doesn't decode.
var ErrInvalidToken = errors.New("invalid token")

// MinKeyLen is the smallest HMAC key accepted, one SHA-512 block.
const MinKeyLen = 64

// Codec signs and verifies access tokens with a single shared key.
// Safe for concurrent use.
type Codec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// Verified is what a successfully checked token yields.
type Verified struct {
	Subject   string // still encoded; see DecodeSubject
	ExpiresAt time.Time
}

// DecodeSecret base64-decodes the configured signing secret.
func DecodeSecret(secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decoding signing secret: %w", err)
	}
	return key, nil
}

// NewCodec returns a codec signing with key. Keys shorter than MinKeyLen are rejected.
func NewCodec(key []byte, ttl time.Duration) (*Codec, error) {
	if len(key) < MinKeyLen {
		return nil, fmt.Errorf("signing key must be at least %d bytes, got %d", MinKeyLen, len(key))
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	return &Codec{key: key, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for s, expiring TTL from now.
// IssuedAt is stamped on the subject if unset.
func (c *Codec) Issue(s Subject) (string, error) {
	now := c.now()
	if s.IssuedAt == 0 {
		s.IssuedAt = now.UnixMilli()
	}
	sub, err := EncodeSubject(s)
	if err != nil {
		return "", err
	}

	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and algorithm and that an expiry is present.
// It does not compare the expiry with the clock; IsValid does.
func (c *Codec) Verify(tokenString string) (Verified, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return c.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !parsed.Valid || claims.ExpiresAt == nil {
		return Verified{}, ErrInvalidToken
	}
	return Verified{Subject: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// IsValid reports whether the token verifies and its expiry is strictly in the future.
func (c *Codec) IsValid(tokenString string) bool {
	v, err := c.Verify(tokenString)
	return err == nil && c.now().Before(v.ExpiresAt)
}

// EmailFromToken verifies the token and returns the subject's email.
// Expired tokens still yield their email; gate access with IsValid.
func (c *Codec) EmailFromToken(tokenString string) (string, error) {
	v, err := c.Verify(tokenString)
	if err != nil {
		return "", err
	}
	return SubjectEmail(v.Subject)
}
