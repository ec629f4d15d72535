// Package signing mints and verifies the HS256 tokens embedded in provider
// callback URLs. A token is bound to the submitting owner and task kind.
package signing

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/songforge/pkg/models"
)

const (
	callbackSubject = "provider-callback"
	minSecretLen    = 32
	clockSkew       = 2 * time.Minute
)

var (
	ErrInvalidToken = errors.New("invalid callback token")
	ErrExpiredToken = errors.New("callback token expired")
)

// CallbackClaims are the claims carried by a callback token.
type CallbackClaims struct {
	OwnerID string      `json:"oid"`
	Kind    models.Kind `json:"kind"`
	jwt.RegisteredClaims
}

// Signer issues and verifies callback tokens.
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSigner creates a Signer. The secret must be at least 32 bytes.
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("callback secret must be at least %d characters", minSecretLen)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("callback token ttl must be positive")
	}
	return &Signer{key: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock returns a copy of s that reads time from now.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	c := *s
	c.now = now
	return &c
}

// Issue mints a token for one submission.
func (s *Signer) Issue(ownerID string, kind models.Kind) (string, error) {
	now := s.now()
	claims := CallbackClaims{
		OwnerID: ownerID,
		Kind:    kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   callbackSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign callback token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry and subject and returns the claims.
func (s *Signer) Verify(token string) (*CallbackClaims, error) {
	now := s.now()
	parsed, err := jwt.ParseWithClaims(token, &CallbackClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithSubject(callbackSubject),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*CallbackClaims)
	if !ok || !parsed.Valid || claims.OwnerID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
